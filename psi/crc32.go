package psi

import "fmt"

// MPEG-2 CRC32 with polynomial 0x04C11DB7.
var crcTable [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

// Checksum computes the MPEG CRC-32 over data, seed 0xFFFFFFFF. A section
// whose trailing CRC field is intact checksums to zero.
func Checksum(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

// Verify checks that data ends in a valid CRC field.
func Verify(data []byte) error {
	if len(data) < CRCLen {
		return fmt.Errorf("psi: data too short for CRC32")
	}
	if Checksum(data) != 0 {
		return fmt.Errorf("psi: CRC32 mismatch")
	}
	return nil
}

// AppendCRC computes the CRC over dst and appends the 4-byte field,
// producing a section that passes Verify.
func AppendCRC(dst []byte) []byte {
	crc := Checksum(dst)
	return append(dst, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}
