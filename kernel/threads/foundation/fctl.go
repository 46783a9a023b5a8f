package foundation

import "fmt"

// FctlConfig tunes a producer's credit gate. Zero fields take defaults in Done.
type FctlConfig struct {
	// CrBurst is the most credits one publish step can consume.
	CrBurst uint64
	// CrMax caps the credits a producer may hold.
	CrMax uint64
	// CrResume is the credit level a blocked producer waits for before
	// publishing again.
	CrResume uint64
	// CrRefill is the level below which housekeeping recomputes credits.
	CrRefill uint64
}

type fctlRx struct {
	crMax uint64
	fseq  *Fseq
}

// Fctl computes how many frames a producer may publish without overrunning
// any reliable consumer. It is recomputed only at housekeeping.
type Fctl struct {
	cfg      FctlConfig
	rx       []fctlRx
	done     bool
	inRefill bool
}

// NewFctl returns a gate with no receivers.
func NewFctl(cfg FctlConfig) *Fctl {
	return &Fctl{cfg: cfg}
}

// AddReceiver registers a reliable consumer with progress fseq that can hold
// crMax frames of lag (the depth of the link).
func (f *Fctl) AddReceiver(crMax uint64, fseq *Fseq) error {
	if f.done {
		return fmt.Errorf("fctl: receiver added after Done")
	}
	if crMax == 0 || fseq == nil {
		return fmt.Errorf("fctl: receiver needs cr_max and fseq")
	}
	f.rx = append(f.rx, fctlRx{crMax: crMax, fseq: fseq})
	return nil
}

// Done fills defaults and validates the configuration.
func (f *Fctl) Done() error {
	c := &f.cfg
	if c.CrBurst == 0 {
		c.CrBurst = 1
	}
	if c.CrMax == 0 {
		for _, rx := range f.rx {
			if c.CrMax == 0 || rx.crMax < c.CrMax {
				c.CrMax = rx.crMax
			}
		}
	}
	if c.CrMax == 0 {
		return fmt.Errorf("fctl: cr_max required when there are no receivers")
	}
	if c.CrResume == 0 {
		c.CrResume = max(c.CrBurst, (2*c.CrMax)/3)
	}
	if c.CrRefill == 0 {
		c.CrRefill = max(c.CrBurst, c.CrResume/2)
	}
	switch {
	case c.CrBurst > c.CrMax:
		return fmt.Errorf("fctl: cr_burst %d exceeds cr_max %d", c.CrBurst, c.CrMax)
	case c.CrResume < c.CrBurst || c.CrResume > c.CrMax:
		return fmt.Errorf("fctl: cr_resume %d outside [%d,%d]", c.CrResume, c.CrBurst, c.CrMax)
	case c.CrRefill < c.CrBurst || c.CrRefill > c.CrMax:
		return fmt.Errorf("fctl: cr_refill %d outside [%d,%d]", c.CrRefill, c.CrBurst, c.CrMax)
	}
	for i, rx := range f.rx {
		if rx.crMax < c.CrBurst {
			return fmt.Errorf("fctl: receiver %d cr_max %d below cr_burst %d", i, rx.crMax, c.CrBurst)
		}
	}
	f.done = true
	return nil
}

func (f *Fctl) Config() FctlConfig { return f.cfg }
func (f *Fctl) RxCnt() int { return len(f.rx) }
func (f *Fctl) InRefill() bool { return f.inRefill }

// CrQuery returns the credits available at producer sequence txSeq and the
// index of the receiver that limits them (-1 when none does).
func (f *Fctl) CrQuery(txSeq uint64) (uint64, int) {
	cr := f.cfg.CrMax
	slowest := -1
	for i, rx := range f.rx {
		lag := SeqDiff(txSeq, rx.fseq.Query())
		if lag < 0 {
			lag = 0
		}
		limit := min(rx.crMax, f.cfg.CrMax)
		var avail uint64
		if uint64(lag) < limit {
			avail = limit - uint64(lag)
		}
		if avail < cr {
			cr = avail
			slowest = i
		}
	}
	return cr, slowest
}

// TxCrUpdate returns the producer's new credit count. crAvail is what it
// holds now and txSeq its next sequence number. The result never exceeds
// CrMax and never exceeds what the slowest reliable consumer can absorb.
func (f *Fctl) TxCrUpdate(crAvail, txSeq uint64) uint64 {
	if !f.done {
		panic("fctl: TxCrUpdate before Done")
	}
	if !f.inRefill && crAvail >= f.cfg.CrRefill {
		return min(crAvail, f.cfg.CrMax)
	}
	cr, slowest := f.CrQuery(txSeq)
	if f.inRefill {
		if cr < f.cfg.CrResume {
			return 0
		}
		f.inRefill = false
		return cr
	}
	if cr < f.cfg.CrBurst {
		f.inRefill = true
		if slowest >= 0 {
			f.rx[slowest].fseq.DiagAdd(FSEQ_DIAG_SLOW_CNT, 1)
		}
		return 0
	}
	return cr
}
