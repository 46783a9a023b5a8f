package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sugawarayuuta/sonnet"
	"gopkg.in/yaml.v3"

	"github.com/nmxmxh/inos_tiles/kernel/threads/sab"
)

// Config is the on-disk description of a topology.
type Config struct {
	App        string            `json:"app" yaml:"app"`
	Workspaces []WorkspaceConfig `json:"workspaces" yaml:"workspaces"`
	Links      []LinkConfig      `json:"links" yaml:"links"`
	Tiles      []TileConfig      `json:"tiles" yaml:"tiles"`
}

// WorkspaceConfig describes one workspace.
type WorkspaceConfig struct {
	Name          string            `json:"name" yaml:"name"`
	Role          string            `json:"role" yaml:"role"`
	Access        map[string]string `json:"access" yaml:"access"`
	SharedFseqCnt int               `json:"shared_fseq_cnt" yaml:"shared_fseq_cnt"`
	LooseSz       uint64            `json:"loose_sz" yaml:"loose_sz"`
}

// LinkConfig describes one link.
type LinkConfig struct {
	Name     string `json:"name" yaml:"name"`
	Wksp     string `json:"wksp" yaml:"wksp"`
	Depth    uint64 `json:"depth" yaml:"depth"`
	MTU      uint64 `json:"mtu" yaml:"mtu"`
	Burst    uint64 `json:"burst" yaml:"burst"`
	Feedback bool   `json:"feedback" yaml:"feedback"`
}

// TileInConfig describes one tile input. Link is "name" or "name:kind_id".
type TileInConfig struct {
	Link     string `json:"link" yaml:"link"`
	Reliable *bool  `json:"reliable" yaml:"reliable"`
	Polled   *bool  `json:"polled" yaml:"polled"`
}

// TileConfig describes one tile.
type TileConfig struct {
	Kind       string         `json:"kind" yaml:"kind"`
	Wksp       string         `json:"wksp" yaml:"wksp"`
	Ins        []TileInConfig `json:"ins" yaml:"ins"`
	Outs       []string       `json:"outs" yaml:"outs"`
	PrimaryOut string         `json:"primary_out" yaml:"primary_out"`
	Params     *TileParams    `json:"params" yaml:"params"`
}

// LoadConfig reads a YAML (.yaml, .yml) or JSON (.json) topology file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology config: %w", err)
	}
	return ParseConfig(data, filepath.Ext(path))
}

// ParseConfig decodes a topology file of the given extension.
func ParseConfig(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse topology yaml: %w", err)
		}
	case ".json":
		if err := sonnet.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse topology json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported topology config extension %q", ext)
	}
	return cfg, nil
}

func parseLinkRef(ref string) (string, int, error) {
	name, id, ok := strings.Cut(ref, ":")
	if !ok {
		return ref, 0, nil
	}
	kindID, err := strconv.Atoi(id)
	if err != nil || kindID < 0 {
		return "", 0, fmt.Errorf("bad link reference %q", ref)
	}
	return name, kindID, nil
}

// Build turns the config into a validated topology. Inputs default to
// reliable and polled.
func (c *Config) Build() (*Topology, error) {
	if c.App == "" {
		return nil, fmt.Errorf("topology config: app name required")
	}
	t := New(c.App)
	for _, wc := range c.Workspaces {
		role, err := ParseWorkspaceRole(wc.Role)
		if err != nil {
			return nil, fmt.Errorf("workspace %s: %w", wc.Name, err)
		}
		w := t.AddWorkspace(wc.Name, role)
		w.SharedFseqCnt = wc.SharedFseqCnt
		w.LooseSz = wc.LooseSz
		for kindName, modeName := range wc.Access {
			kind, err := ParseTileKind(kindName)
			if err != nil {
				return nil, fmt.Errorf("workspace %s access: %w", wc.Name, err)
			}
			mode, ok := sab.ParseJoinMode(modeName)
			if !ok {
				return nil, fmt.Errorf("workspace %s access: bad mode %q", wc.Name, modeName)
			}
			if w.Access == nil {
				w.Access = make(map[TileKind]sab.JoinMode)
			}
			w.Access[kind] = mode
		}
	}
	for _, lc := range c.Links {
		l := t.AddLink(lc.Name, lc.Wksp, lc.Depth, lc.MTU, lc.Burst)
		l.Feedback = lc.Feedback
	}
	for _, tc := range c.Tiles {
		kind, err := ParseTileKind(tc.Kind)
		if err != nil {
			return nil, err
		}
		tile := t.AddTile(kind, tc.Wksp)
		if tc.Params != nil {
			tile.Params = *tc.Params
		}
		for _, ic := range tc.Ins {
			name, id, err := parseLinkRef(ic.Link)
			if err != nil {
				return nil, fmt.Errorf("tile %s: %w", tile.Name(), err)
			}
			reliable, polled := true, true
			if ic.Reliable != nil {
				reliable = *ic.Reliable
			}
			if ic.Polled != nil {
				polled = *ic.Polled
			}
			t.TileIn(tile, name, id, reliable, polled)
		}
		for _, ref := range tc.Outs {
			name, id, err := parseLinkRef(ref)
			if err != nil {
				return nil, fmt.Errorf("tile %s: %w", tile.Name(), err)
			}
			t.TileOut(tile, name, id)
		}
		if tc.PrimaryOut != "" {
			name, id, err := parseLinkRef(tc.PrimaryOut)
			if err != nil {
				return nil, fmt.Errorf("tile %s: %w", tile.Name(), err)
			}
			t.TilePrimaryOut(tile, name, id)
		}
	}
	if err := Validate(t); err != nil {
		return nil, err
	}
	return t, nil
}
