package supervisor

import (
	"errors"
	"fmt"

	"github.com/nmxmxh/inos_tiles/kernel/threads/foundation"
)

var (
	// ErrNoCredit is returned by Publish when the producer holds no credits.
	ErrNoCredit = errors.New("no credit to publish")
	// ErrFrameTooLarge is returned for payloads above the link mtu.
	ErrFrameTooLarge = errors.New("frame exceeds link mtu")
)

// Publisher is the producer side of one link: the next sequence number, the
// compacting arena cursor and the credits the producer may spend.
type Publisher struct {
	mcache *foundation.Mcache
	dcache *foundation.Dcache

	seq    uint64
	chunk  uint32
	chunk0 uint32
	wmark  uint32

	crAvail uint64
	pubCnt  uint64
	pubSz   uint64
}

// NewPublisher starts publishing at the producer sequence advertised in
// mcache. dcache may be nil for links without payloads.
func NewPublisher(mcache *foundation.Mcache, dcache *foundation.Dcache) *Publisher {
	p := &Publisher{mcache: mcache, dcache: dcache, seq: mcache.SeqQuery()}
	if dcache != nil {
		p.chunk0 = dcache.Chunk0()
		p.wmark = dcache.Wmark()
		p.chunk = p.chunk0
	}
	return p
}

// Seq is the sequence number the next frame gets.
func (p *Publisher) Seq() uint64 { return p.seq }

// CrAvail is the number of frames that may be published before the next
// credit update.
func (p *Publisher) CrAvail() uint64 { return p.crAvail }

// Grant sets the available credits. The run loop calls it with the result of
// each credit update.
func (p *Publisher) Grant(cr uint64) { p.crAvail = cr }

// MTU is the largest payload the link carries.
func (p *Publisher) MTU() uint64 {
	if p.dcache == nil {
		return 0
	}
	return p.dcache.MTU()
}

// Publish copies payload into the arena and publishes one frame carrying sig,
// ctl and tsorig, stamped with tspub. It spends one credit.
func (p *Publisher) Publish(sig uint64, payload []byte, ctl uint16, tsorig, tspub uint32) (uint64, error) {
	if p.crAvail == 0 {
		return 0, ErrNoCredit
	}
	sz := uint64(len(payload))
	if sz > p.MTU() {
		return 0, fmt.Errorf("%d bytes, mtu %d: %w", sz, p.MTU(), ErrFrameTooLarge)
	}
	chunk := p.chunk
	if sz > 0 {
		dst, ok := p.dcache.ChunkSlice(chunk, sz)
		if !ok {
			return 0, fmt.Errorf("chunk %d outside arena: %w", chunk, foundation.ErrBadGeometry)
		}
		copy(dst, payload)
	}
	seq := p.seq
	p.mcache.Publish(seq, sig, chunk, uint16(sz), ctl, tsorig, tspub)
	if p.dcache != nil {
		p.chunk = foundation.CompactNext(chunk, sz, p.chunk0, p.wmark)
	}
	p.seq = foundation.SeqInc(seq, 1)
	p.crAvail--
	p.pubCnt++
	p.pubSz += sz
	return seq, nil
}

// Sync advertises the next sequence number to late joining consumers.
func (p *Publisher) Sync() { p.mcache.SeqUpdate(p.seq) }

// takeCounts returns the frames and bytes published since the last call.
func (p *Publisher) takeCounts() (cnt, sz uint64) {
	cnt, sz = p.pubCnt, p.pubSz
	p.pubCnt, p.pubSz = 0, 0
	return cnt, sz
}
