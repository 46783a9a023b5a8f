package units

import (
	"sync/atomic"

	"github.com/nmxmxh/inos_tiles/kernel/threads/foundation"
	"github.com/nmxmxh/inos_tiles/kernel/threads/supervisor"
)

// FragFunc receives a frame's descriptor and a copy of its payload that is
// only valid for the duration of the call.
type FragFunc func(in int, meta foundation.FragMeta, payload []byte)

// SinkStage is the reliable end of the pipeline. It counts what arrives and
// hands each intact frame to fn.
type SinkStage struct {
	supervisor.NopStage
	fn  FragFunc
	buf []byte
	got atomic.Uint64
}

func NewSinkStage(fn FragFunc) *SinkStage {
	return &SinkStage{fn: fn}
}

// Received may be read from any goroutine.
func (s *SinkStage) Received() uint64 { return s.got.Load() }

func (s *SinkStage) DuringFrag(in int, meta foundation.FragMeta, payload []byte) {
	s.buf = append(s.buf[:0], payload...)
}

func (s *SinkStage) AfterFrag(l *supervisor.Loop, in int, meta foundation.FragMeta) bool {
	s.got.Add(1)
	if s.fn != nil {
		s.fn(in, meta, s.buf)
	}
	return false
}
