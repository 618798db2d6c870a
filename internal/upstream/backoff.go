package upstream

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// fixedFormulaBackOff implements backoff.BackOff with the gateway's own
// delay formula -- min(base*2^(attempt-1), max) + uniform(0, jitter) --
// rather than the library's default exponential curve, while still
// satisfying the shared BackOff interface so it composes with anything else
// in the pack that expects one.
type fixedFormulaBackOff struct {
	cfg     Config
	attempt int
}

func newBackOff(cfg Config, attempt int) backoff.BackOff {
	return &fixedFormulaBackOff{cfg: cfg, attempt: attempt}
}

// NextBackOff returns the delay for the attempt this instance was built for.
// Unlike the library's stateful backoffs, this one is single-use: the caller
// constructs a fresh instance per attempt since the gateway already tracks
// the attempt number in its own retry loop.
func (b *fixedFormulaBackOff) NextBackOff() time.Duration {
	exp := b.cfg.RetryBase << uint(b.attempt-1)
	if exp > b.cfg.RetryMax || exp <= 0 {
		exp = b.cfg.RetryMax
	}
	if b.cfg.RetryJitter <= 0 {
		return exp
	}
	return exp + time.Duration(rand.Int63n(int64(b.cfg.RetryJitter)))
}
