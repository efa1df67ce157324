// Package progress provides a run-scoped, rate-limited progress reporter.
// Reports are fire-and-forget and never block the walk.
package progress

import (
	"time"

	"github.com/apex/log"
)

// DefaultInterval is the minimum delay between repeated phase reports.
const DefaultInterval = 100 * time.Millisecond

// Reporter emits phase messages at most once per interval. The zero value
// is usable and silent; callers thread one reporter through a single run.
type Reporter struct {
	logger   log.Interface
	interval time.Duration
	last     time.Time
	lastMsg  string
}

// New returns a reporter logging through the given interface at the default
// rate limit. A nil logger uses the package default.
func New(logger log.Interface) *Reporter {
	if logger == nil {
		logger = log.Log
	}
	return &Reporter{logger: logger, interval: DefaultInterval}
}

// Phase reports entering a named phase. Repeated identical messages and
// messages arriving faster than the rate limit are dropped.
func (r *Reporter) Phase(msg string) {
	if r == nil || r.logger == nil {
		return
	}
	if msg == r.lastMsg {
		return
	}
	now := time.Now()
	if now.Sub(r.last) < r.interval && r.lastMsg != "" {
		return
	}
	r.last = now
	r.lastMsg = msg
	r.logger.Info(msg)
}
