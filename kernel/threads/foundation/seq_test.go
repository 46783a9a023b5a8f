package foundation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeqCompareAcrossWrap(t *testing.T) {
	hi := uint64(math.MaxUint64 - 2)
	lo := SeqInc(hi, 5)

	assert.Equal(t, uint64(2), lo)
	assert.Equal(t, int64(5), SeqDiff(lo, hi))
	assert.Equal(t, int64(-5), SeqDiff(hi, lo))
	assert.True(t, SeqLt(hi, lo))
	assert.True(t, SeqGt(lo, hi))
	assert.True(t, SeqLe(lo, lo))
	assert.True(t, SeqGe(lo, lo))
	assert.True(t, SeqNe(lo, hi))
	assert.Equal(t, hi, SeqDec(lo, 5))
}

func TestCtlPack(t *testing.T) {
	ctl := CtlPack(5, true, true, false)
	assert.True(t, CtlSom(ctl))
	assert.True(t, CtlEom(ctl))
	assert.False(t, CtlErr(ctl))
	assert.Equal(t, uint16(5), CtlOrig(ctl))

	ctl = CtlPack(0, false, false, true)
	assert.True(t, CtlErr(ctl))
	assert.False(t, CtlSom(ctl))
}

func TestTimestampCompression(t *testing.T) {
	ref := int64(1_700_000_000_000_000_000)
	ts := ref + 123_456
	assert.Equal(t, ts, DecompressTs(CompressTs(ts), ref))
	assert.Equal(t, ts, DecompressTs(CompressTs(ts), ref+1_000_000_000))
}
