package duplex

import "time"

// rekeyer paces periodic key updates. The scheduler selects on C and
// requests a key update when it fires.
type rekeyer struct {
	interval time.Duration
	ticker   *time.Ticker
	last     time.Time
	count    int
}

func newRekeyer(interval time.Duration) *rekeyer {
	return &rekeyer{interval: interval}
}

// start arms the ticker. It is a no-op when the interval is zero.
func (r *rekeyer) start() {
	if r.interval <= 0 || r.ticker != nil {
		return
	}
	r.ticker = time.NewTicker(r.interval)
	r.last = time.Now()
}

// stop disarms the ticker.
func (r *rekeyer) stop() {
	if r.ticker != nil {
		r.ticker.Stop()
		r.ticker = nil
	}
}

// C returns the tick channel, or nil when disarmed so a select never
// chooses it.
func (r *rekeyer) C() <-chan time.Time {
	if r.ticker == nil {
		return nil
	}
	return r.ticker.C
}

// updated records a key update from any source and restarts the interval,
// so a caller's UpdateKeys postpones the next periodic one.
func (r *rekeyer) updated() {
	r.last = time.Now()
	r.count++
	if r.ticker != nil {
		r.ticker.Reset(r.interval)
	}
}
