// Package topology describes a tile pipeline: the workspaces backing it, the
// links between tiles and the tiles themselves. It also lays the shared
// objects out inside the workspaces and joins them at runtime.
package topology

import (
	"fmt"
	"strconv"

	"github.com/nmxmxh/inos_tiles/kernel/threads/sab"
)

// NoLink marks a tile without a primary output.
const NoLink = -1

// TileKind is the closed set of stage implementations.
type TileKind uint8

const (
	TileSource TileKind = iota
	TileVerify
	TileSink
	tileKindCnt
)

var tileKindNames = [tileKindCnt]string{"source", "verify", "sink"}

func (k TileKind) String() string {
	if k < tileKindCnt {
		return tileKindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Valid reports whether k names a known stage.
func (k TileKind) Valid() bool { return k < tileKindCnt }

// ParseTileKind resolves a kind name once, at topology build time.
func ParseTileKind(s string) (TileKind, error) {
	for i, n := range tileKindNames {
		if n == s {
			return TileKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown tile kind %q", s)
}

// WorkspaceRole says which objects a workspace holds and who joins it.
type WorkspaceRole uint8

const (
	// RolePrivate holds links and tile scratch.
	RolePrivate WorkspaceRole = iota
	// RoleMetrics holds every tile's cnc, input fseqs and metrics block.
	// Every tile joins it read-write.
	RoleMetrics
	// RoleShared holds fseqs shared between tile kinds listed in Access.
	RoleShared
)

var roleNames = []string{"private", "metrics", "shared"}

func (r WorkspaceRole) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return "role(" + strconv.Itoa(int(r)) + ")"
}

// ParseWorkspaceRole resolves a role name; empty means private.
func ParseWorkspaceRole(s string) (WorkspaceRole, error) {
	if s == "" {
		return RolePrivate, nil
	}
	for i, n := range roleNames {
		if n == s {
			return WorkspaceRole(i), nil
		}
	}
	return 0, fmt.Errorf("unknown workspace role %q", s)
}

// Workspace is one named shared memory region.
type Workspace struct {
	ID   int
	Name string
	Role WorkspaceRole
	// Access lists the tile kinds joining a RoleShared workspace and how.
	Access map[TileKind]sab.JoinMode
	// SharedFseqCnt is the number of fseqs placed in a RoleShared workspace.
	SharedFseqCnt int
	// LooseSz is extra space left for allocations made after construction.
	LooseSz uint64

	// Filled in by Size.
	PageSz         uint64
	PageCnt        uint64
	KnownFootprint uint64
	TotalFootprint uint64
}

// Link is a single-producer channel: an mcache ring plus, when MTU is
// non-zero, a dcache arena for payloads.
type Link struct {
	ID     int
	Name   string
	KindID int
	WkspID int
	Depth  uint64
	MTU    uint64
	Burst  uint64
	// Feedback links carry data upstream and may be both an input and an
	// output of the same tile.
	Feedback bool
}

// Ref renders the link as name:kind_id.
func (l *Link) Ref() string { return l.Name + ":" + strconv.Itoa(l.KindID) }

// TileIn is one input of a tile.
type TileIn struct {
	Link int
	// Reliable inputs exert backpressure on their producer.
	Reliable bool
	// Polled inputs are read by the run loop. Unpolled inputs are joined for
	// out-of-band access only.
	Polled bool
}

// TileParams are per-tile tunables. Zero values mean defaults.
type TileParams struct {
	CrMax    uint64 `json:"cr_max" yaml:"cr_max"`
	CrResume uint64 `json:"cr_resume" yaml:"cr_resume"`
	CrRefill uint64 `json:"cr_refill" yaml:"cr_refill"`
	// Lazy is the housekeeping interval target in ns.
	Lazy int64  `json:"lazy" yaml:"lazy"`
	Seed uint64 `json:"seed" yaml:"seed"`

	TcacheDepth  uint64 `json:"tcache_depth" yaml:"tcache_depth"`
	TcacheMapCnt uint64 `json:"tcache_map_cnt" yaml:"tcache_map_cnt"`

	// Pin locks the tile's thread to CPU.
	Pin bool `json:"pin" yaml:"pin"`
	CPU int  `json:"cpu" yaml:"cpu"`

	// SourceCnt bounds how many frames a source emits (0 = unbounded).
	SourceCnt uint64 `json:"source_cnt" yaml:"source_cnt"`
}

// Tile is one pipeline stage instance.
type Tile struct {
	ID         int
	Kind       TileKind
	KindID     int
	WkspID     int
	Ins        []TileIn
	Outs       []int
	PrimaryOut int
	Params     TileParams
}

// Name renders the tile as kind:kind_id.
func (t *Tile) Name() string { return t.Kind.String() + ":" + strconv.Itoa(t.KindID) }

// Topology is the full static description of a pipeline. It is built once,
// validated, sized and then treated as read-only.
type Topology struct {
	App        string
	Workspaces []*Workspace
	Links      []*Link
	Tiles      []*Tile

	buildErr error
	sized    bool
}

// New returns an empty topology for app.
func New(app string) *Topology {
	return &Topology{App: app}
}

func (t *Topology) fail(err error) {
	if t.buildErr == nil {
		t.buildErr = err
	}
}

// AddWorkspace appends a workspace.
func (t *Topology) AddWorkspace(name string, role WorkspaceRole) *Workspace {
	w := &Workspace{ID: len(t.Workspaces), Name: name, Role: role}
	t.Workspaces = append(t.Workspaces, w)
	return w
}

// WorkspaceByName finds a workspace, or nil.
func (t *Topology) WorkspaceByName(name string) *Workspace {
	for _, w := range t.Workspaces {
		if w.Name == name {
			return w
		}
	}
	return nil
}

func (t *Topology) wkspID(name, user string) int {
	w := t.WorkspaceByName(name)
	if w == nil {
		t.fail(&TopologyError{Code: ErrUnknownWorkspace, Object: user, Index: -1, Name: name, Message: "unknown workspace " + name})
		return -1
	}
	return w.ID
}

// AddLink appends a link placed in workspace wksp. Links sharing a name are
// told apart by KindID, assigned in insertion order.
func (t *Topology) AddLink(name, wksp string, depth, mtu, burst uint64) *Link {
	kindID := 0
	for _, l := range t.Links {
		if l.Name == name {
			kindID++
		}
	}
	l := &Link{
		ID:     len(t.Links),
		Name:   name,
		KindID: kindID,
		WkspID: t.wkspID(wksp, "link "+name),
		Depth:  depth,
		MTU:    mtu,
		Burst:  burst,
	}
	t.Links = append(t.Links, l)
	return l
}

// FindLink finds a link by name and kind id, or nil.
func (t *Topology) FindLink(name string, kindID int) *Link {
	for _, l := range t.Links {
		if l.Name == name && l.KindID == kindID {
			return l
		}
	}
	return nil
}

// AddTile appends a tile of kind placed in workspace wksp.
func (t *Topology) AddTile(kind TileKind, wksp string) *Tile {
	kindID := 0
	for _, x := range t.Tiles {
		if x.Kind == kind {
			kindID++
		}
	}
	tile := &Tile{
		ID:         len(t.Tiles),
		Kind:       kind,
		KindID:     kindID,
		WkspID:     t.wkspID(wksp, "tile "+kind.String()),
		PrimaryOut: NoLink,
	}
	t.Tiles = append(t.Tiles, tile)
	return tile
}

// FindTile finds a tile by kind and kind id, or nil.
func (t *Topology) FindTile(kind TileKind, kindID int) *Tile {
	for _, x := range t.Tiles {
		if x.Kind == kind && x.KindID == kindID {
			return x
		}
	}
	return nil
}

func (t *Topology) linkID(tile *Tile, name string, kindID int) int {
	l := t.FindLink(name, kindID)
	if l == nil {
		t.fail(&TopologyError{Code: ErrUnknownLink, Object: "tile", Index: tile.ID, Name: tile.Name(), Message: fmt.Sprintf("unknown link %s:%d", name, kindID)})
		return -1
	}
	return l.ID
}

// TileIn adds an input to tile.
func (t *Topology) TileIn(tile *Tile, link string, kindID int, reliable, polled bool) {
	tile.Ins = append(tile.Ins, TileIn{Link: t.linkID(tile, link, kindID), Reliable: reliable, Polled: polled})
}

// TileOut adds a secondary output to tile.
func (t *Topology) TileOut(tile *Tile, link string, kindID int) {
	tile.Outs = append(tile.Outs, t.linkID(tile, link, kindID))
}

// TilePrimaryOut sets the output the tile's run loop publishes to.
func (t *Topology) TilePrimaryOut(tile *Tile, link string, kindID int) {
	tile.PrimaryOut = t.linkID(tile, link, kindID)
}

// MetricsWorkspace returns the workspace holding command and metrics
// objects, or nil.
func (t *Topology) MetricsWorkspace() *Workspace {
	for _, w := range t.Workspaces {
		if w.Role == RoleMetrics {
			return w
		}
	}
	return nil
}

// Producer returns the tile that publishes to link, or nil.
func (t *Topology) Producer(link int) *Tile {
	for _, tile := range t.Tiles {
		if tile.PrimaryOut == link {
			return tile
		}
		for _, o := range tile.Outs {
			if o == link {
				return tile
			}
		}
	}
	return nil
}

// Consumer is one input slot reading a link.
type Consumer struct {
	Tile *Tile
	In   int
}

// Consumers returns every tile input reading link.
func (t *Topology) Consumers(link int) []Consumer {
	var out []Consumer
	for _, tile := range t.Tiles {
		for i, in := range tile.Ins {
			if in.Link == link {
				out = append(out, Consumer{Tile: tile, In: i})
			}
		}
	}
	return out
}

// ReliableConsumers returns the inputs that exert backpressure on link.
func (t *Topology) ReliableConsumers(link int) []Consumer {
	var out []Consumer
	for _, c := range t.Consumers(link) {
		if c.Tile.Ins[c.In].Reliable {
			out = append(out, c)
		}
	}
	return out
}

// OutLinks returns the primary output followed by the secondary outputs.
func (tile *Tile) OutLinks() []int {
	out := make([]int, 0, len(tile.Outs)+1)
	if tile.PrimaryOut != NoLink {
		out = append(out, tile.PrimaryOut)
	}
	return append(out, tile.Outs...)
}

// reliableOutCnt is the number of reliable consumers across tile's outputs.
func (t *Topology) reliableOutCnt(tile *Tile) int {
	n := 0
	for _, l := range tile.OutLinks() {
		n += len(t.ReliableConsumers(l))
	}
	return n
}

// Sized reports whether Size has run.
func (t *Topology) Sized() bool { return t.sized }
