package topology

import (
	"errors"

	"github.com/nmxmxh/inos_tiles/kernel/threads/foundation"
	"github.com/nmxmxh/inos_tiles/kernel/threads/sab"
)

// Joint holds one process's joined handles for a topology. Slices are
// indexed by workspace, link or tile id; entries for objects in workspaces
// the process did not join are nil.
type Joint struct {
	Topo *Topology
	// Tile is the tile this process runs, nil for creators and monitors.
	Tile *Tile

	Wksp       []*sab.Workspace
	Mode       []sab.JoinMode
	Mcache     []*foundation.Mcache
	Dcache     []*foundation.Dcache
	Cnc        []*foundation.Cnc
	InFseq     [][]*foundation.Fseq
	Metrics    []*foundation.Metrics
	SharedFseq [][]*foundation.Fseq
	Scratch    [][]byte
	// Placements is the layout walk that formatted or joined each
	// workspace, nil for workspaces not joined.
	Placements [][]Placement
}

func newJoint(t *Topology, tile *Tile) *Joint {
	j := &Joint{
		Topo:       t,
		Tile:       tile,
		Wksp:       make([]*sab.Workspace, len(t.Workspaces)),
		Mode:       make([]sab.JoinMode, len(t.Workspaces)),
		Mcache:     make([]*foundation.Mcache, len(t.Links)),
		Dcache:     make([]*foundation.Dcache, len(t.Links)),
		Cnc:        make([]*foundation.Cnc, len(t.Tiles)),
		InFseq:     make([][]*foundation.Fseq, len(t.Tiles)),
		Metrics:    make([]*foundation.Metrics, len(t.Tiles)),
		SharedFseq: make([][]*foundation.Fseq, len(t.Workspaces)),
		Scratch:    make([][]byte, len(t.Tiles)),
		Placements: make([][]Placement, len(t.Workspaces)),
	}
	for i, tile := range t.Tiles {
		j.InFseq[i] = make([]*foundation.Fseq, len(tile.Ins))
	}
	return j
}

// ReliableFseqs returns the progress fseqs of link's reliable consumers,
// in the order ReliableConsumers lists them.
func (j *Joint) ReliableFseqs(link int) ([]*foundation.Fseq, error) {
	cs := j.Topo.ReliableConsumers(link)
	out := make([]*foundation.Fseq, 0, len(cs))
	for _, c := range cs {
		f := j.InFseq[c.Tile.ID][c.In]
		if f == nil {
			return nil, errors.New("consumer fseq of " + c.Tile.Name() + " not joined")
		}
		out = append(out, f)
	}
	return out, nil
}

// Close unmaps every joined workspace.
func (j *Joint) Close() error {
	var errs []error
	for i, w := range j.Wksp {
		if w != nil {
			errs = append(errs, w.Close())
			j.Wksp[i] = nil
		}
	}
	return errors.Join(errs...)
}
