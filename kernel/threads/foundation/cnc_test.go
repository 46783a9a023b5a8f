package foundation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCncLifecycle(t *testing.T) {
	mem := make([]byte, CncFootprint(CNC_APP_SZ))
	c, err := NewCnc(mem, CNC_APP_SZ, 7, 1000)
	require.NoError(t, err)

	assert.Equal(t, CNC_SIGNAL_BOOT, c.SignalQuery())
	assert.Equal(t, int64(1000), c.HeartbeatQuery())
	assert.Equal(t, uint64(7), c.Type())
	assert.Equal(t, 8, c.DiagCnt())

	j, err := JoinCnc(mem)
	require.NoError(t, err)
	assert.True(t, j.SignalCAS(CNC_SIGNAL_BOOT, CNC_SIGNAL_RUN))
	assert.False(t, j.SignalCAS(CNC_SIGNAL_BOOT, CNC_SIGNAL_RUN))
	assert.Equal(t, CNC_SIGNAL_RUN, c.SignalQuery())

	c.Heartbeat(2000)
	assert.Equal(t, int64(2000), j.HeartbeatQuery())
	assert.Equal(t, int64(1000), j.Heartbeat0())

	assert.Equal(t, "halt", SignalName(CNC_SIGNAL_HALT))
	assert.Equal(t, "9", SignalName(9))
	assert.Equal(t, "backp_cnt", CncDiagName(CNC_DIAG_BACKP_CNT))
}

func TestCncDiagAdditive(t *testing.T) {
	mem := make([]byte, CncFootprint(CNC_APP_SZ))
	c, err := NewCnc(mem, CNC_APP_SZ, 0, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 1000; k++ {
				c.DiagAdd(CNC_DIAG_HA_FILT_CNT, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(8000), c.DiagQuery(CNC_DIAG_HA_FILT_CNT))

	c.DiagSet(CNC_DIAG_IN_BACKP, 1)
	assert.Equal(t, uint64(1), c.DiagQuery(CNC_DIAG_IN_BACKP))
	assert.Panics(t, func() { c.DiagQuery(8) })
}

func TestFseqProgressAndDiag(t *testing.T) {
	mem := make([]byte, FSEQ_FOOTPRINT)
	f, err := NewFseq(mem, 42)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), f.Query())

	j, err := JoinFseq(mem)
	require.NoError(t, err)
	j.Update(50)
	j.DiagAdd(FSEQ_DIAG_PUB_CNT, 3)
	j.DiagAdd(FSEQ_DIAG_PUB_CNT, 4)
	assert.Equal(t, uint64(50), f.Query())
	assert.Equal(t, uint64(42), f.Seq0())
	assert.Equal(t, uint64(7), f.DiagSnapshot()[FSEQ_DIAG_PUB_CNT])
	assert.Equal(t, "slow_cnt", FseqDiagName(FSEQ_DIAG_SLOW_CNT))

	_, err = JoinFseq(make([]byte, FSEQ_FOOTPRINT))
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestMetricsBlock(t *testing.T) {
	mem := make([]byte, MetricsFootprint(2, 1))
	m, err := NewMetrics(mem, 2, 1)
	require.NoError(t, err)

	m.AddIn(1, METRICS_IN_OVRNP_CNT, 3)
	m.SetOut(0, 9)
	m.AddTile(METRICS_TILE_HOUSEKEEPING_CNT, 1)

	j, err := JoinMetrics(mem)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), j.In(1, METRICS_IN_OVRNP_CNT))
	assert.Zero(t, j.In(0, METRICS_IN_OVRNP_CNT))
	assert.Equal(t, uint64(9), j.Out(0))
	assert.Equal(t, uint64(1), j.Tile(METRICS_TILE_HOUSEKEEPING_CNT))
	assert.Panics(t, func() { j.In(2, 0) })
}
