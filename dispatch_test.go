package dvbmux

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/dvbmux/psi"
)

// buildSection constructs a complete section: header, payload, and an
// optional valid trailing CRC.
func buildSection(tableID uint8, payload []byte, withCRC bool) []byte {
	length := len(payload)
	if withCRC {
		length += psi.CRCLen
	}
	sec := psi.AppendHeader(nil, tableID, true, length)
	sec = append(sec, payload...)
	if withCRC {
		sec = psi.AppendCRC(sec)
	}
	return sec
}

// recorder captures callback invocations.
type recorder struct {
	mu       sync.Mutex
	calls    int
	payloads [][]byte
	tableIDs []uint8
	ret      int
}

func (r *recorder) callback(t *Table, payload []byte, tableID uint8) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.payloads = append(r.payloads, append([]byte(nil), payload...))
	r.tableIDs = append(r.tableIDs, tableID)
	return r.ret
}

func (r *recorder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestDispatch_PayloadFraming(t *testing.T) {
	t.Parallel()

	mm, _ := newTestMux()
	rec := &recorder{ret: 1}
	mt := mm.AddTable(0x02, 0xFF, rec.callback, &ownerToken{}, "pmt", 0, 0x20)

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	mt.Dispatch(buildSection(0x02, payload, false))

	require.Equal(t, 1, rec.callCount())
	assert.Equal(t, payload, rec.payloads[0], "header is stripped without FlagFull")
	assert.Equal(t, uint8(0x02), rec.tableIDs[0])
	assert.Equal(t, uint64(1), mt.Matches())
}

func TestDispatch_FullFraming(t *testing.T) {
	t.Parallel()

	mm, _ := newTestMux()
	rec := &recorder{ret: 1}
	mt := mm.AddTable(0x02, 0xFF, rec.callback, &ownerToken{}, "pmt", FlagFull, 0x20)

	sec := buildSection(0x02, []byte{0xDE, 0xAD}, false)
	mt.Dispatch(sec)

	require.Equal(t, 1, rec.callCount())
	assert.Equal(t, sec, rec.payloads[0], "FlagFull passes the header through")
}

func TestDispatch_CRCTrimmed(t *testing.T) {
	t.Parallel()

	mm, _ := newTestMux()
	rec := &recorder{ret: 1}
	mt := mm.AddTable(0x02, 0xFF, rec.callback, &ownerToken{}, "pmt", FlagCRC, 0x20)

	payload := []byte{0x01, 0x02, 0x03}
	mt.Dispatch(buildSection(0x02, payload, true))

	require.Equal(t, 1, rec.callCount())
	assert.Equal(t, payload, rec.payloads[0], "CRC field is stripped from the payload")
	assert.Equal(t, uint64(1), mt.Matches())
}

func TestDispatch_CRCGate(t *testing.T) {
	t.Parallel()

	mm, _ := newTestMux()
	rec := &recorder{ret: 0}
	mt := mm.AddTable(0x02, 0xFF, rec.callback, &ownerToken{}, "pmt", FlagCRC, 0x20)

	sec := buildSection(0x02, []byte{0x01, 0x02, 0x03}, true)
	sec[len(sec)-1] ^= 0xFF // tamper the CRC field

	mt.Dispatch(sec)

	assert.Zero(t, rec.callCount(), "damaged section never reaches the callback")
	assert.Zero(t, mt.Matches())
	assert.Equal(t, uint64(1), mt.errLimit.Count())
}

func TestDispatch_MaskFiltering(t *testing.T) {
	t.Parallel()

	mm, _ := newTestMux()
	rec := &recorder{ret: 0}
	mt := mm.AddTable(0x02, 0xFF, rec.callback, &ownerToken{}, "pmt", 0, 0x20)

	mt.Dispatch(buildSection(0x03, []byte{0x01}, false))

	assert.Zero(t, rec.callCount(), "foreign table id is dropped silently")
	assert.Zero(t, mt.Matches())
	assert.Zero(t, mt.errLimit.Count(), "mask mismatch is not an error")
}

func TestDispatch_MaskedMatch(t *testing.T) {
	t.Parallel()

	mm, _ := newTestMux()
	rec := &recorder{ret: 1}
	// EIT-style range match: 0x4E..0x4F via mask 0xFE.
	mt := mm.AddTable(0x4E, 0xFE, rec.callback, &ownerToken{}, "eit", 0, 0x12)

	mt.Dispatch(buildSection(0x4F, []byte{0x01}, false))
	assert.Equal(t, 1, rec.callCount())
	assert.Equal(t, uint64(1), mt.Matches())
}

func TestDispatch_Stuffing(t *testing.T) {
	t.Parallel()

	mm, _ := newTestMux()
	rec := &recorder{ret: 1}
	mt := mm.AddTable(0x02, 0xFF, rec.callback, &ownerToken{}, "pmt", 0, 0x20)

	t.Run("ExactLength", func(t *testing.T) {
		mt.SetContinuity(7)
		mt.Dispatch(buildSection(psi.TableIDStuffing, []byte{0xFF, 0xFF}, false))

		assert.Zero(t, rec.callCount())
		assert.Zero(t, mt.errLimit.Count(), "well-formed stuffing is not logged")
		assert.Equal(t, -1, mt.Continuity(), "stuffing resets reassembly state")
	})

	t.Run("TrailingData", func(t *testing.T) {
		mt.SetContinuity(7)
		// Header claims 5 payload bytes but only 2 follow.
		sec := psi.AppendHeader(nil, psi.TableIDStuffing, false, 5)
		sec = append(sec, 0xFF, 0xFF)
		mt.Dispatch(sec)

		assert.Zero(t, rec.callCount())
		assert.Equal(t, uint64(1), mt.errLimit.Count())
		assert.Equal(t, -1, mt.Continuity(), "state resets even on mismatch")
	})

	t.Run("CounterAdvancesPastLimit", func(t *testing.T) {
		sec := psi.AppendHeader(nil, psi.TableIDStuffing, false, 5)
		sec = append(sec, 0xFF, 0xFF)
		for i := 0; i < 20; i++ {
			mt.Dispatch(sec)
		}
		assert.Equal(t, uint64(21), mt.errLimit.Count())
	})
}

func TestDispatch_NotEnoughData(t *testing.T) {
	t.Parallel()

	mm, _ := newTestMux()
	rec := &recorder{ret: 1}
	mt := mm.AddTable(0x02, 0xFF, rec.callback, &ownerToken{}, "pmt", 0, 0x20)

	// Header claims 2 payload bytes, 10 delivered.
	sec := psi.AppendHeader(nil, 0x02, true, 2)
	sec = append(sec, make([]byte, 10)...)
	mt.Dispatch(sec)

	assert.Zero(t, rec.callCount())
	assert.Zero(t, mt.Matches())
}

func TestDispatch_ShortBuffer(t *testing.T) {
	t.Parallel()

	mm, _ := newTestMux()
	rec := &recorder{ret: 1}
	mt := mm.AddTable(0x02, 0xFF, rec.callback, &ownerToken{}, "pmt", 0, 0x20)

	mt.Dispatch(nil)
	mt.Dispatch([]byte{0x02})
	mt.Dispatch([]byte{0x02, 0x80})

	assert.Zero(t, rec.callCount())
}

func TestDispatch_DestroyedNoOp(t *testing.T) {
	t.Parallel()

	mm, _ := newTestMux()
	rec := &recorder{ret: 1}
	mt := mm.AddTable(0x02, 0xFF, rec.callback, &ownerToken{}, "pmt", 0, 0x20)

	mt.Destroy()
	mt.Dispatch(buildSection(0x02, []byte{0x01}, false))

	assert.Zero(t, rec.callCount())
	assert.Zero(t, mt.Matches())
}

func TestDispatch_CallbackError(t *testing.T) {
	t.Parallel()

	mm, _ := newTestMux()
	rec := &recorder{ret: -1}
	mt := mm.AddTable(0x02, 0xFF, rec.callback, &ownerToken{}, "pmt", 0, 0x20)

	mt.Dispatch(buildSection(0x02, []byte{0x01}, false))

	assert.Equal(t, 1, rec.callCount())
	assert.Zero(t, mt.Matches(), "negative return is not a match")
}

func TestDispatch_ConcurrentDestroy(t *testing.T) {
	t.Parallel()

	mm, _ := newTestMux()
	rec := &recorder{ret: 1}
	mt := mm.AddTable(0x02, 0xFF, rec.callback, &ownerToken{}, "pmt", 0, 0x20)

	sec := buildSection(0x02, []byte{0x01, 0x02}, false)
	var g errgroup.Group
	start := make(chan struct{})
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			<-start
			for j := 0; j < 1000; j++ {
				mt.Dispatch(sec)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-start
		mt.Destroy()
		return nil
	})
	close(start)
	require.NoError(t, g.Wait())

	assert.True(t, mt.Destroyed())
	assert.Zero(t, mm.NumTables())
}
