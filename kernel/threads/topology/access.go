package topology

import "github.com/nmxmxh/inos_tiles/kernel/threads/sab"

// NeedsWorkspace returns how tile must join workspace wkspID. Precedence:
// its own workspace and the workspaces of links it produces are read-write,
// shared workspaces follow their access list, the metrics workspace is
// read-write, workspaces of links it consumes are read-only, anything else is
// not joined.
func NeedsWorkspace(t *Topology, tile *Tile, wkspID int) sab.JoinMode {
	if tile.WkspID == wkspID {
		return sab.JoinReadWrite
	}
	for _, o := range tile.OutLinks() {
		if t.Links[o].WkspID == wkspID {
			return sab.JoinReadWrite
		}
	}
	w := t.Workspaces[wkspID]
	switch w.Role {
	case RoleShared:
		if m, ok := w.Access[tile.Kind]; ok && m != sab.JoinNone {
			return m
		}
	case RoleMetrics:
		return sab.JoinReadWrite
	}
	for _, in := range tile.Ins {
		if t.Links[in.Link].WkspID == wkspID {
			return sab.JoinReadOnly
		}
	}
	return sab.JoinNone
}
