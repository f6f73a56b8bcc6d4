// Package psi provides wire-format helpers for MPEG-TS PSI/SI sections:
// the common 3-byte section header and the MPEG-2 CRC-32 that protects
// long-form sections. It deliberately stops at the header level; decoding
// the contents of specific tables belongs to the filter callbacks.
package psi

import "fmt"

const (
	// HeaderLen is the size of the common section header: 8-bit table_id
	// followed by 4 indicator/reserved bits and a 12-bit section_length.
	HeaderLen = 3

	// CRCLen is the size of the trailing CRC_32 field on protected sections.
	CRCLen = 4

	// TableIDStuffing identifies a stuffing section (ISO 13818-1,
	// table_id 0x72). Stuffing carries no payload of interest.
	TableIDStuffing = 0x72
)

// Header is the common header present on every PSI/SI section.
type Header struct {
	TableID         uint8
	SyntaxIndicator bool
	// SectionLength counts the bytes that follow the 3-byte header,
	// including the CRC field when present.
	SectionLength int
}

// ParseHeader decodes the common section header from the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("psi: section header truncated (%d bytes)", len(b))
	}
	return Header{
		TableID:         b[0],
		SyntaxIndicator: b[1]&0x80 != 0,
		SectionLength:   int(b[1]&0x0F)<<8 | int(b[2]),
	}, nil
}

// AppendHeader appends a section header to dst and returns the extended
// slice. length must fit in 12 bits.
func AppendHeader(dst []byte, tableID uint8, syntax bool, length int) []byte {
	b1 := byte(length>>8) & 0x0F
	if syntax {
		b1 |= 0x80
	}
	// reserved bits set to 1, matching what real muxers emit
	b1 |= 0x30
	return append(dst, tableID, b1, byte(length))
}
