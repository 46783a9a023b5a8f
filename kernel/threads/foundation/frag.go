package foundation

// Frag control bits.
const (
	CTL_SOM = uint16(1) << 0
	CTL_EOM = uint16(1) << 1
	CTL_ERR = uint16(1) << 2

	ctlOrigShift = 3
	CTL_ORIG_MAX = uint16(1)<<(16-ctlOrigShift) - 1
)

// FRAG_META_SZ is the size of one ring descriptor. Every field lives in one of
// four 8-byte words so each is published and read with a single atomic op.
const (
	FRAG_META_SZ    = uint64(32)
	FRAG_META_ALIGN = uint64(32)

	OFFSET_META_SEQ   = 0
	OFFSET_META_SIG   = 8
	OFFSET_META_CHUNK = 16 // chunk u32 | sz u16 | ctl u16
	OFFSET_META_TS    = 24 // tsorig u32 | tspub u32
)

// FragMeta is the fixed-size descriptor of one published frame.
type FragMeta struct {
	Seq    uint64
	Sig    uint64
	Chunk  uint32
	Sz     uint16
	Ctl    uint16
	TsOrig uint32
	TsPub  uint32
}

// CtlPack builds a ctl field from an origin id and the frame flags.
func CtlPack(orig uint16, som, eom, err bool) uint16 {
	ctl := (orig & CTL_ORIG_MAX) << ctlOrigShift
	if som {
		ctl |= CTL_SOM
	}
	if eom {
		ctl |= CTL_EOM
	}
	if err {
		ctl |= CTL_ERR
	}
	return ctl
}

func CtlOrig(ctl uint16) uint16 { return ctl >> ctlOrigShift }
func CtlSom(ctl uint16) bool { return ctl&CTL_SOM != 0 }
func CtlEom(ctl uint16) bool { return ctl&CTL_EOM != 0 }
func CtlErr(ctl uint16) bool { return ctl&CTL_ERR != 0 }

// CompressTs keeps the low 32 bits of a nanosecond timestamp.
func CompressTs(ns int64) uint32 { return uint32(ns) }

// DecompressTs recovers a full timestamp from its low 32 bits given a
// reference taken within about two seconds of it.
func DecompressTs(ts uint32, ref int64) int64 {
	return ref + int64(int32(ts-uint32(ref)))
}

func packChunkWord(chunk uint32, sz, ctl uint16) uint64 {
	return uint64(chunk) | uint64(sz)<<32 | uint64(ctl)<<48
}

func unpackChunkWord(w uint64) (chunk uint32, sz, ctl uint16) {
	return uint32(w), uint16(w >> 32), uint16(w >> 48)
}
