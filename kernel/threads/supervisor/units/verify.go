package units

import (
	"github.com/nmxmxh/inos_tiles/kernel/threads/foundation"
	"github.com/nmxmxh/inos_tiles/kernel/threads/supervisor"
	"github.com/nmxmxh/inos_tiles/kernel/threads/topology"
	"github.com/nmxmxh/inos_tiles/kernel/utils"
)

// VerifyStage drops transactions seen recently or carrying a bad signature
// and forwards the rest as single-frame messages.
type VerifyStage struct {
	supervisor.NopStage
	tcache   *foundation.Tcache
	parser   Parser
	verifier Verifier
	buf      []byte

	passCnt uint64
	failCnt uint64
}

// NewVerifyStage formats the tile's dedup cache in scratch.
func NewVerifyStage(scratch []byte, p topology.TileParams, parser Parser, verifier Verifier) (*VerifyStage, error) {
	depth, mapCnt := tcacheGeometry(p)
	tc, err := foundation.NewTcache(scratch, depth, mapCnt)
	if err != nil {
		return nil, utils.WrapError(err, "verify: tcache")
	}
	if parser == nil {
		parser = FixedParser{}
	}
	if verifier == nil {
		verifier = Ed25519Verifier{}
	}
	return &VerifyStage{tcache: tc, parser: parser, verifier: verifier}, nil
}

func (s *VerifyStage) Tcache() *foundation.Tcache { return s.tcache }

// Counts returns how many signatures passed and failed so far.
func (s *VerifyStage) Counts() (pass, fail uint64) { return s.passCnt, s.failCnt }

func (s *VerifyStage) DuringHousekeeping(l *supervisor.Loop) {
	l.Logger().Debug("verify progress",
		utils.Uint64("pass", s.passCnt),
		utils.Uint64("fail", s.failCnt),
		utils.Uint64("prefilter_skips", s.tcache.PrefilterSkips()))
}

func (s *VerifyStage) DuringFrag(in int, meta foundation.FragMeta, payload []byte) {
	s.buf = append(s.buf[:0], payload...)
}

func (s *VerifyStage) AfterFrag(l *supervisor.Loop, in int, meta foundation.FragMeta) bool {
	sz := uint64(len(s.buf))
	sig, pubkey, msg, err := s.parser.Parse(s.buf)
	if err != nil {
		s.svFilt(l, sz)
		l.Logger().WarnThrottled("parse_failed", "dropping unparsable transaction",
			utils.Uint64("seq", meta.Seq), utils.Err(err))
		return true
	}

	tag := SigTag(sig)
	if s.tcache.Insert(tag) {
		l.Diag(foundation.CNC_DIAG_HA_FILT_CNT, 1)
		l.Diag(foundation.CNC_DIAG_HA_FILT_SZ, sz)
		return true
	}

	if !s.verifier.Verify(msg, sig, pubkey) {
		s.failCnt++
		s.svFilt(l, sz)
		l.Logger().WarnThrottled("verify_failed", "signature verification failed",
			utils.Uint64("seq", meta.Seq), utils.Uint64("fail", s.failCnt), utils.Uint64("pass", s.passCnt))
		return true
	}
	s.passCnt++

	tspub := foundation.CompressTs(l.Now().UnixNano())
	tsorig := meta.TsOrig
	if tsorig == 0 {
		tsorig = tspub
	}
	ctl := foundation.CtlPack(0, true, true, false)
	if _, err := l.Out().Publish(tag, s.buf, ctl, tsorig, tspub); err != nil {
		l.Logger().WarnThrottled("publish_failed", "verified transaction not forwarded",
			utils.Uint64("seq", meta.Seq), utils.Err(err))
		return true
	}
	return false
}

func (s *VerifyStage) svFilt(l *supervisor.Loop, sz uint64) {
	l.Diag(foundation.CNC_DIAG_SV_FILT_CNT, 1)
	l.Diag(foundation.CNC_DIAG_SV_FILT_SZ, sz)
}
