package topology

import (
	"fmt"

	"github.com/nmxmxh/inos_tiles/kernel/threads/foundation"
	"github.com/nmxmxh/inos_tiles/kernel/threads/sab"
)

// Structural error codes.
const (
	ErrUnknownWorkspace   = "UNKNOWN_WORKSPACE"
	ErrUnknownLink        = "UNKNOWN_LINK"
	ErrWorkspaceID        = "WORKSPACE_ID"
	ErrWorkspaceName      = "WORKSPACE_NAME"
	ErrDuplicateWorkspace = "DUPLICATE_WORKSPACE"
	ErrMetricsWorkspace   = "METRICS_WORKSPACE"
	ErrWorkspaceRole      = "WORKSPACE_ROLE"
	ErrTileID             = "TILE_ID"
	ErrTileKind           = "TILE_KIND"
	ErrTileWorkspace      = "TILE_WORKSPACE"
	ErrKindWorkspace      = "KIND_WORKSPACE"
	ErrLinkID             = "LINK_ID"
	ErrLinkWorkspace      = "LINK_WORKSPACE"
	ErrLinkGeometry       = "LINK_GEOMETRY"
	ErrLinkNameWorkspace  = "LINK_NAME_WORKSPACE"
	ErrTileInLink         = "TILE_IN_LINK"
	ErrTileOutLink        = "TILE_OUT_LINK"
	ErrDuplicateIn        = "DUPLICATE_IN"
	ErrDuplicateOut       = "DUPLICATE_OUT"
	ErrPrimaryInOuts      = "PRIMARY_IN_OUTS"
	ErrOutIsIn            = "OUT_IS_IN"
	ErrPrimaryIsIn        = "PRIMARY_IS_IN"
	ErrUnpolledReliable   = "UNPOLLED_RELIABLE"
	ErrLinkProducer       = "LINK_PRODUCER_COUNT"
	ErrLinkConsumer       = "LINK_CONSUMER_COUNT"
)

// TopologyError is a structural error. It names the offending object so an
// operator can fix the configuration.
type TopologyError struct {
	Code    string
	Object  string
	Index   int
	Name    string
	Message string
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("%s: %s %d (%s): %s", e.Code, e.Object, e.Index, e.Name, e.Message)
}

func tileErr(code string, tile *Tile, format string, args ...any) error {
	return &TopologyError{Code: code, Object: "tile", Index: tile.ID, Name: tile.Name(), Message: fmt.Sprintf(format, args...)}
}

func linkErr(code string, l *Link, format string, args ...any) error {
	return &TopologyError{Code: code, Object: "link", Index: l.ID, Name: l.Ref(), Message: fmt.Sprintf(format, args...)}
}

func wkspErr(code string, w *Workspace, format string, args ...any) error {
	return &TopologyError{Code: code, Object: "workspace", Index: w.ID, Name: w.Name, Message: fmt.Sprintf(format, args...)}
}

// Validate checks every structural invariant and returns the first
// violation. A topology that fails validation must not be sized or built.
func Validate(t *Topology) error {
	if t.buildErr != nil {
		return t.buildErr
	}
	if err := validateWorkspaces(t); err != nil {
		return err
	}
	if err := validateLinks(t); err != nil {
		return err
	}
	if err := validateTiles(t); err != nil {
		return err
	}
	return validateCardinality(t)
}

func validateWorkspaces(t *Topology) error {
	seen := make(map[string]int, len(t.Workspaces))
	metrics := 0
	for i, w := range t.Workspaces {
		if w.ID != i {
			return wkspErr(ErrWorkspaceID, w, "id does not match index %d", i)
		}
		if w.Name == "" || len(w.Name) > sab.WKSP_NAME_MAX {
			return wkspErr(ErrWorkspaceName, w, "name must be 1..%d bytes", sab.WKSP_NAME_MAX)
		}
		if prev, ok := seen[w.Name]; ok {
			return wkspErr(ErrDuplicateWorkspace, w, "name already used by workspace %d", prev)
		}
		seen[w.Name] = i
		switch w.Role {
		case RoleMetrics:
			metrics++
		case RoleShared:
			for kind := range w.Access {
				if !kind.Valid() {
					return wkspErr(ErrWorkspaceRole, w, "access list names unknown kind %d", kind)
				}
			}
		case RolePrivate:
			if w.SharedFseqCnt != 0 || len(w.Access) != 0 {
				return wkspErr(ErrWorkspaceRole, w, "private workspace cannot hold shared fseqs or an access list")
			}
		default:
			return wkspErr(ErrWorkspaceRole, w, "unknown role %d", w.Role)
		}
	}
	if len(t.Tiles) > 0 && metrics != 1 {
		return &TopologyError{Code: ErrMetricsWorkspace, Object: "topology", Index: -1, Name: t.App, Message: fmt.Sprintf("need exactly one metrics workspace, have %d", metrics)}
	}
	return nil
}

func (t *Topology) validWksp(id int) bool { return id >= 0 && id < len(t.Workspaces) }
func (t *Topology) validLink(id int) bool { return id >= 0 && id < len(t.Links) }

func validateLinks(t *Topology) error {
	wkspOfName := make(map[string]int)
	for i, l := range t.Links {
		if l.ID != i {
			return linkErr(ErrLinkID, l, "id does not match index %d", i)
		}
		if !t.validWksp(l.WkspID) {
			return linkErr(ErrLinkWorkspace, l, "workspace %d invalid", l.WkspID)
		}
		if t.Workspaces[l.WkspID].Role != RolePrivate {
			return linkErr(ErrLinkWorkspace, l, "placed in %s workspace %s", t.Workspaces[l.WkspID].Role, t.Workspaces[l.WkspID].Name)
		}
		if foundation.McacheFootprint(l.Depth) == 0 {
			return linkErr(ErrLinkGeometry, l, "depth %d is not a power of two", l.Depth)
		}
		if l.MTU > 0 && l.Burst == 0 {
			return linkErr(ErrLinkGeometry, l, "burst must be at least 1 when mtu is set")
		}
		if l.MTU > 1<<16-1 {
			return linkErr(ErrLinkGeometry, l, "mtu %d does not fit a frame size", l.MTU)
		}
		if prev, ok := wkspOfName[l.Name]; ok && prev != l.WkspID {
			return linkErr(ErrLinkNameWorkspace, l, "links named %s span workspaces %d and %d", l.Name, prev, l.WkspID)
		}
		wkspOfName[l.Name] = l.WkspID
	}
	return nil
}

func validateTiles(t *Topology) error {
	kindWksp := make(map[TileKind]int)
	wkspKind := make(map[int]TileKind)
	for i, tile := range t.Tiles {
		if tile.ID != i {
			return tileErr(ErrTileID, tile, "id does not match index %d", i)
		}
		if !tile.Kind.Valid() {
			return tileErr(ErrTileKind, tile, "unknown kind")
		}
		if !t.validWksp(tile.WkspID) {
			return tileErr(ErrTileWorkspace, tile, "workspace %d invalid", tile.WkspID)
		}
		if t.Workspaces[tile.WkspID].Role != RolePrivate {
			return tileErr(ErrTileWorkspace, tile, "placed in %s workspace", t.Workspaces[tile.WkspID].Role)
		}
		if w, ok := kindWksp[tile.Kind]; ok && w != tile.WkspID {
			return tileErr(ErrKindWorkspace, tile, "tiles of kind %s span workspaces %d and %d", tile.Kind, w, tile.WkspID)
		}
		if k, ok := wkspKind[tile.WkspID]; ok && k != tile.Kind {
			return tileErr(ErrKindWorkspace, tile, "workspace %d already holds kind %s", tile.WkspID, k)
		}
		kindWksp[tile.Kind] = tile.WkspID
		wkspKind[tile.WkspID] = tile.Kind

		if err := validateTileLinks(t, tile); err != nil {
			return err
		}
	}
	return nil
}

func validateTileLinks(t *Topology, tile *Tile) error {
	ins := make(map[int]bool, len(tile.Ins))
	for _, in := range tile.Ins {
		if !t.validLink(in.Link) {
			return tileErr(ErrTileInLink, tile, "input link %d invalid", in.Link)
		}
		if ins[in.Link] {
			return tileErr(ErrDuplicateIn, tile, "input %s listed twice", t.Links[in.Link].Ref())
		}
		ins[in.Link] = true
		if in.Reliable && !in.Polled {
			return tileErr(ErrUnpolledReliable, tile, "unpolled input %s cannot be reliable", t.Links[in.Link].Ref())
		}
	}

	if tile.PrimaryOut != NoLink && !t.validLink(tile.PrimaryOut) {
		return tileErr(ErrTileOutLink, tile, "primary output %d invalid", tile.PrimaryOut)
	}
	outs := make(map[int]bool, len(tile.Outs))
	for _, o := range tile.Outs {
		if !t.validLink(o) {
			return tileErr(ErrTileOutLink, tile, "output link %d invalid", o)
		}
		if outs[o] {
			return tileErr(ErrDuplicateOut, tile, "output %s listed twice", t.Links[o].Ref())
		}
		outs[o] = true
		if o == tile.PrimaryOut {
			return tileErr(ErrPrimaryInOuts, tile, "primary output %s also listed as secondary", t.Links[o].Ref())
		}
		if ins[o] && !t.Links[o].Feedback {
			return tileErr(ErrOutIsIn, tile, "output %s is also an input", t.Links[o].Ref())
		}
	}
	if tile.PrimaryOut != NoLink && ins[tile.PrimaryOut] {
		return tileErr(ErrPrimaryIsIn, tile, "primary output %s is also an input", t.Links[tile.PrimaryOut].Ref())
	}
	return nil
}

func validateCardinality(t *Topology) error {
	producers := make([]int, len(t.Links))
	consumers := make([]int, len(t.Links))
	for _, tile := range t.Tiles {
		for _, o := range tile.OutLinks() {
			producers[o]++
		}
		for _, in := range tile.Ins {
			consumers[in.Link]++
		}
	}
	for i, l := range t.Links {
		if producers[i] != 1 {
			return linkErr(ErrLinkProducer, l, "has %d producers, want exactly 1", producers[i])
		}
		if consumers[i] < 1 {
			return linkErr(ErrLinkConsumer, l, "has no consumers")
		}
	}
	return nil
}
