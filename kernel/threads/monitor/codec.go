package monitor

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nmxmxh/inos_tiles/kernel/threads/topology"
)

// Snapshots travel as protobuf wire format so any protobuf tooling can read
// them. Field numbers:
//
//	Snapshot: 1 app, 2 time, 3 tiles, 4 links
//	Tile:     1 name, 2 kind, 3 kind_id, 4 signal, 5 heartbeat,
//	          6 diag, 7 metrics, 8 ins, 9 outs
//	In:       1 link, 2 seq, 3 diag, 4 metrics
//	Link:     1 name, 2 seq
//
// Counter arrays are packed varints.

var ErrMalformed = errors.New("malformed snapshot")

func appendPacked(b []byte, num protowire.Number, vs []uint64) []byte {
	if len(vs) == 0 {
		return b
	}
	var p []byte
	for _, v := range vs {
		p = protowire.AppendVarint(p, v)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, p)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMsg(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

// EncodeSnapshot appends the wire form of s to b.
func EncodeSnapshot(b []byte, s *Snapshot) []byte {
	b = appendString(b, 1, s.App)
	b = appendUint(b, 2, uint64(s.Time))
	for i := range s.Tiles {
		b = appendMsg(b, 3, encodeTile(nil, &s.Tiles[i]))
	}
	for _, l := range s.Links {
		var m []byte
		m = appendString(m, 1, l.Name)
		m = appendUint(m, 2, l.Seq)
		b = appendMsg(b, 4, m)
	}
	return b
}

func encodeTile(b []byte, t *TileSnapshot) []byte {
	b = appendString(b, 1, t.Name)
	b = appendUint(b, 2, uint64(t.Kind))
	b = appendUint(b, 3, uint64(t.KindID))
	b = appendUint(b, 4, t.Signal)
	b = appendUint(b, 5, uint64(t.Heartbeat))
	b = appendPacked(b, 6, t.Diag)
	b = appendPacked(b, 7, t.Metrics)
	for _, in := range t.Ins {
		var m []byte
		m = appendString(m, 1, in.Link)
		m = appendUint(m, 2, in.Seq)
		m = appendPacked(m, 3, in.Diag)
		m = appendPacked(m, 4, in.Metrics)
		b = appendMsg(b, 8, m)
	}
	return appendPacked(b, 9, t.Outs)
}

// fields walks the fields of one message, calling fn with each field's
// number, type and raw value. Varint values arrive in v.
func fields(b []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		var v uint64
		var raw []byte
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, v, raw); err != nil {
			return err
		}
	}
	return nil
}

func unpack(raw []byte) ([]uint64, error) {
	var out []uint64
	for len(raw) > 0 {
		v, n := protowire.ConsumeVarint(raw)
		if n < 0 {
			return nil, fmt.Errorf("%w: packed: %v", ErrMalformed, protowire.ParseError(n))
		}
		out = append(out, v)
		raw = raw[n:]
	}
	return out, nil
}

func wantType(num protowire.Number, got, want protowire.Type) error {
	if got != want {
		return fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, num, got)
	}
	return nil
}

// DecodeSnapshot parses the wire form written by EncodeSnapshot. Unknown
// fields are skipped.
func DecodeSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	err := fields(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			if err := wantType(num, typ, protowire.BytesType); err != nil {
				return err
			}
			s.App = string(raw)
		case 2:
			if err := wantType(num, typ, protowire.VarintType); err != nil {
				return err
			}
			s.Time = int64(v)
		case 3:
			if err := wantType(num, typ, protowire.BytesType); err != nil {
				return err
			}
			t, err := decodeTile(raw)
			if err != nil {
				return err
			}
			s.Tiles = append(s.Tiles, t)
		case 4:
			if err := wantType(num, typ, protowire.BytesType); err != nil {
				return err
			}
			var l LinkSnapshot
			err := fields(raw, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
				switch num {
				case 1:
					l.Name = string(raw)
				case 2:
					l.Seq = v
				}
				return nil
			})
			if err != nil {
				return err
			}
			s.Links = append(s.Links, l)
		}
		return nil
	})
	return s, err
}

func decodeTile(b []byte) (TileSnapshot, error) {
	var t TileSnapshot
	err := fields(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		var err error
		switch num {
		case 1:
			t.Name = string(raw)
		case 2:
			t.Kind = topology.TileKind(v)
		case 3:
			t.KindID = int(v)
		case 4:
			t.Signal = v
		case 5:
			t.Heartbeat = int64(v)
		case 6:
			t.Diag, err = unpack(raw)
		case 7:
			t.Metrics, err = unpack(raw)
		case 8:
			var in InSnapshot
			err = fields(raw, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
				var err error
				switch num {
				case 1:
					in.Link = string(raw)
				case 2:
					in.Seq = v
				case 3:
					in.Diag, err = unpack(raw)
				case 4:
					in.Metrics, err = unpack(raw)
				}
				return err
			})
			t.Ins = append(t.Ins, in)
		case 9:
			t.Outs, err = unpack(raw)
		}
		return err
	})
	return t, err
}
