package dvbmux

import "github.com/zsiec/dvbmux/psi"

// logLimit caps the warning lines emitted per table for malformed input.
const logLimit = 10

// Dispatch validates one raw demultiplexed section and routes it to the
// table's callback. Malformed or foreign sections are dropped, never
// reported upward: short data, CRC damage and stuffing noise are routine
// on real transports, and a mask mismatch just means the section belongs
// to another filter on the same PID.
//
// Dispatch takes no lock. It pins the table with a reference for the span
// of the call and bails out early when the table was destroyed, so it may
// race harmlessly with teardown on the control path.
func (t *Table) Dispatch(sec []byte) {
	if !t.retain() {
		return
	}
	defer t.release()

	if t.destroyed.Load() {
		return
	}

	hdr, err := psi.ParseHeader(sec)
	if err != nil {
		return
	}
	tid := hdr.TableID
	length := hdr.SectionLength
	flags := t.Flags()

	if tid == psi.TableIDStuffing {
		if length != len(sec)-psi.HeaderLen {
			if t.errLimit.Allow(logLimit) {
				t.log.Warn("stuffing found with trailing data",
					"len", length, "total", len(sec), "errors", t.errLimit.Count())
			}
		}
		t.resetState()
		return
	}

	// Some demux hardware does not honour its own CRC-check flag, so
	// verify here even though the filter asked the hardware to.
	chkcrc := flags&FlagCRC != 0
	if chkcrc && psi.Checksum(sec) != 0 {
		if t.errLimit.Allow(logLimit) {
			t.log.Warn("invalid checksum",
				"len", len(sec), "errors", t.errLimit.Count())
		}
		return
	}

	if length < len(sec)-psi.HeaderLen {
		t.log.Debug("not enough data", "have", len(sec), "want", length)
		return
	}

	if tid&t.mask != t.tableID {
		return
	}

	// Strip trailing CRC.
	if chkcrc {
		length -= psi.CRCLen
		if length < 0 {
			length = 0
		}
	}

	end := psi.HeaderLen + length
	if end > len(sec) {
		// Claimed length runs past the delivered bytes; never read
		// beyond the buffer.
		end = len(sec)
	}

	var ret int
	if flags&FlagFull != 0 {
		ret = t.callback(t, sec[:end], tid)
	} else {
		ret = t.callback(t, sec[psi.HeaderLen:end], tid)
	}

	if ret >= 0 {
		t.matches.Add(1)
	}
	if ret == 0 && flags&(FlagQuickReq|FlagFastSwitch) != 0 {
		t.mux.fastSwitch()
	}
}
