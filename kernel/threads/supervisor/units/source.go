package units

import (
	"crypto/ed25519"
	"encoding/binary"

	"github.com/nmxmxh/inos_tiles/kernel/threads/foundation"
	"github.com/nmxmxh/inos_tiles/kernel/threads/supervisor"
	"github.com/nmxmxh/inos_tiles/kernel/utils"
)

// SOURCE_MSG_SZ is the size of a synthetic message: origin, counter and
// filler.
const SOURCE_MSG_SZ = 64

// SourceStage publishes freshly signed synthetic transactions whenever it
// holds credits. Every message is distinct so downstream dedup only drops
// real repeats.
type SourceStage struct {
	supervisor.NopStage
	priv  ed25519.PrivateKey
	orig  uint64
	limit uint64
	// corruptEvery flips a message byte after signing in every Nth
	// transaction so verification failures show up in the counters.
	corruptEvery uint64

	msg  [SOURCE_MSG_SZ]byte
	sent uint64
}

// NewSourceStage signs with a key derived from seed. limit bounds the number
// of transactions (0 = unbounded).
func NewSourceStage(seed [ed25519.SeedSize]byte, orig, limit, corruptEvery uint64) *SourceStage {
	s := &SourceStage{
		priv:         ed25519.NewKeyFromSeed(seed[:]),
		orig:         orig,
		limit:        limit,
		corruptEvery: corruptEvery,
	}
	for i := 16; i < SOURCE_MSG_SZ; i++ {
		s.msg[i] = byte(i) ^ seed[i%ed25519.SeedSize]
	}
	return s
}

// Sent is the number of transactions published.
func (s *SourceStage) Sent() uint64 { return s.sent }

// Done reports whether the source reached its limit.
func (s *SourceStage) Done() bool { return s.limit != 0 && s.sent >= s.limit }

func (s *SourceStage) AfterCredit(l *supervisor.Loop) {
	if s.Done() {
		return
	}
	binary.LittleEndian.PutUint64(s.msg[0:], s.orig)
	binary.LittleEndian.PutUint64(s.msg[8:], s.sent)
	txn := EncodeTxn(s.priv, s.msg[:])
	if s.corruptEvery != 0 && (s.sent+1)%s.corruptEvery == 0 {
		txn[len(txn)-1] ^= 0xff
	}

	ts := foundation.CompressTs(l.Now().UnixNano())
	ctl := foundation.CtlPack(uint16(s.orig), true, true, false)
	if _, err := l.Out().Publish(SigTag(txn), txn, ctl, ts, ts); err != nil {
		l.Logger().WarnThrottled("publish_failed", "synthetic transaction not published", utils.Err(err))
		return
	}
	s.sent++
	if s.Done() {
		l.Logger().Info("source finished", utils.Uint64("sent", s.sent))
	}
}
