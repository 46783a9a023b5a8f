// Package monitor reads a running topology from the outside. It joins every
// workspace read-only, so it can never disturb the tiles it observes.
package monitor

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nmxmxh/inos_tiles/kernel/threads/foundation"
	"github.com/nmxmxh/inos_tiles/kernel/threads/sab"
	"github.com/nmxmxh/inos_tiles/kernel/threads/topology"
	"github.com/nmxmxh/inos_tiles/kernel/utils"
)

// InSnapshot is one tile input: the consumer's published progress, its fseq
// diagnostics and the tile's per-input metrics.
type InSnapshot struct {
	Link    string
	Seq     uint64
	Diag    []uint64
	Metrics []uint64
}

// TileSnapshot is one tile's cnc and metrics block.
type TileSnapshot struct {
	Name      string
	Kind      topology.TileKind
	KindID    int
	Signal    uint64
	Heartbeat int64
	Diag      []uint64
	Metrics   []uint64
	Ins       []InSnapshot
	// Outs holds the slow count of each reliable downstream consumer.
	Outs []uint64
}

// Counter returns tile metric c.
func (t *TileSnapshot) Counter(c int) uint64 {
	if c < 0 || c >= len(t.Metrics) {
		return 0
	}
	return t.Metrics[c]
}

// LinkSnapshot is the producer sequence a link advertises.
type LinkSnapshot struct {
	Name string
	Seq  uint64
}

// Snapshot is the whole topology at one instant.
type Snapshot struct {
	App   string
	Time  int64
	Tiles []TileSnapshot
	Links []LinkSnapshot
}

// Tile finds a tile by name, or nil.
func (s *Snapshot) Tile(name string) *TileSnapshot {
	for i := range s.Tiles {
		if s.Tiles[i].Name == name {
			return &s.Tiles[i]
		}
	}
	return nil
}

// Monitor holds a read-only joint on every workspace of a topology.
type Monitor struct {
	topo   *topology.Topology
	joint  *topology.Joint
	clock  clock.Clock
	logger *utils.Logger
}

// Open joins every workspace of topo read-only.
func Open(topo *topology.Topology, backend sab.Backend, mem topology.TileMem, clk clock.Clock) (*Monitor, error) {
	if clk == nil {
		clk = clock.New()
	}
	j, err := topology.AttachAll(topo, backend, sab.JoinReadOnly, mem)
	if err != nil {
		return nil, utils.WrapError(err, "monitor: join topology")
	}
	return &Monitor{
		topo:   topo,
		joint:  j,
		clock:  clk,
		logger: utils.DefaultLogger("monitor").With(utils.String("app", topo.App)),
	}, nil
}

func (m *Monitor) Topology() *topology.Topology { return m.topo }

// Close releases the joint.
func (m *Monitor) Close() error { return m.joint.Close() }

// Snapshot reads every counter. Each word is loaded atomically but the
// snapshot as a whole is not: tiles keep running while it is taken.
func (m *Monitor) Snapshot() Snapshot {
	return Take(m.joint, m.clock.Now())
}

// Take reads a snapshot through any joint holding the metrics workspace.
func Take(j *topology.Joint, now time.Time) Snapshot {
	t := j.Topo
	s := Snapshot{App: t.App, Time: now.UnixNano()}
	for _, tile := range t.Tiles {
		ts := TileSnapshot{Name: tile.Name(), Kind: tile.Kind, KindID: tile.KindID}
		if cnc := j.Cnc[tile.ID]; cnc != nil {
			ts.Signal = cnc.SignalQuery()
			ts.Heartbeat = cnc.HeartbeatQuery()
			ts.Diag = make([]uint64, foundation.CNC_DIAG_CNT)
			for i := range ts.Diag {
				ts.Diag[i] = cnc.DiagQuery(i)
			}
		}
		met := j.Metrics[tile.ID]
		if met != nil {
			ts.Metrics = make([]uint64, foundation.METRICS_TILE_CNT)
			for i := range ts.Metrics {
				ts.Metrics[i] = met.Tile(i)
			}
			for i := 0; i < met.OutCnt(); i++ {
				ts.Outs = append(ts.Outs, met.Out(i))
			}
		}
		for i, in := range tile.Ins {
			is := InSnapshot{Link: t.Links[in.Link].Ref()}
			if fs := j.InFseq[tile.ID][i]; fs != nil {
				is.Seq = fs.Query()
				d := fs.DiagSnapshot()
				is.Diag = d[:]
			}
			if met != nil {
				is.Metrics = make([]uint64, foundation.METRICS_IN_CNT)
				for c := range is.Metrics {
					is.Metrics[c] = met.In(i, c)
				}
			}
			ts.Ins = append(ts.Ins, is)
		}
		s.Tiles = append(s.Tiles, ts)
	}
	for _, l := range t.Links {
		ls := LinkSnapshot{Name: l.Ref()}
		if mc := j.Mcache[l.ID]; mc != nil {
			ls.Seq = mc.SeqQuery()
		}
		s.Links = append(s.Links, ls)
	}
	return s
}

// Status names a tile's state. A running tile whose heartbeat is older than
// staleAfter is reported as stale.
func (t *TileSnapshot) Status(now int64, staleAfter time.Duration) string {
	if t.Signal == foundation.CNC_SIGNAL_RUN && staleAfter > 0 && now-t.Heartbeat > int64(staleAfter) {
		return "stale"
	}
	return foundation.SignalName(t.Signal)
}

// TileRate is per-second throughput of one tile between two snapshots.
type TileRate struct {
	Name     string
	PubCnt   float64
	PubSz    float64
	Consumed float64
	Filtered float64
	Overrun  float64
}

// Rates compares two snapshots of the same topology.
func Rates(prev, cur Snapshot) []TileRate {
	dt := float64(cur.Time-prev.Time) / float64(time.Second)
	if dt <= 0 || len(prev.Tiles) != len(cur.Tiles) {
		return nil
	}
	per := func(a, b uint64) float64 {
		if b < a {
			return 0
		}
		return float64(b-a) / dt
	}
	out := make([]TileRate, len(cur.Tiles))
	for i := range cur.Tiles {
		p, c := &prev.Tiles[i], &cur.Tiles[i]
		r := TileRate{
			Name:   c.Name,
			PubCnt: per(p.Counter(foundation.METRICS_TILE_PUB_CNT), c.Counter(foundation.METRICS_TILE_PUB_CNT)),
			PubSz:  per(p.Counter(foundation.METRICS_TILE_PUB_SZ), c.Counter(foundation.METRICS_TILE_PUB_SZ)),
		}
		for k := range c.Ins {
			if k >= len(p.Ins) || len(c.Ins[k].Metrics) < foundation.METRICS_IN_CNT || len(p.Ins[k].Metrics) < foundation.METRICS_IN_CNT {
				continue
			}
			pm, cm := p.Ins[k].Metrics, c.Ins[k].Metrics
			r.Consumed += per(pm[foundation.METRICS_IN_CONSUMED_CNT], cm[foundation.METRICS_IN_CONSUMED_CNT])
			r.Filtered += per(pm[foundation.METRICS_IN_FILT_CNT], cm[foundation.METRICS_IN_FILT_CNT])
			r.Overrun += per(pm[foundation.METRICS_IN_OVRNP_CNT], cm[foundation.METRICS_IN_OVRNP_CNT]) +
				per(pm[foundation.METRICS_IN_OVRNR_CNT], cm[foundation.METRICS_IN_OVRNR_CNT])
		}
		out[i] = r
	}
	return out
}
