package batch

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Progress prints one self-overwriting counter line with throughput.
type Progress struct {
	mu       sync.Mutex
	label    string
	out      io.Writer
	count    int64
	start    time.Time
	last     time.Time
	interval time.Duration
	now      func() time.Time
}

// NewProgress creates a counter that writes to out (usually stderr).
func NewProgress(out io.Writer, label string) *Progress {
	p := &Progress{label: label, out: out, interval: 250 * time.Millisecond, now: time.Now}
	p.start = p.now()
	return p
}

// Add advances the counter by n and redraws at most every 250ms.
func (p *Progress) Add(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count += int64(n)
	now := p.now()
	if now.Sub(p.last) < p.interval {
		return
	}
	p.last = now
	p.draw(now)
}

// Count returns the current value.
func (p *Progress) Count() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func (p *Progress) draw(now time.Time) {
	if p.out == nil {
		return
	}
	fmt.Fprintf(p.out, "\r%s: %d (%.1f/s)", p.label, p.count, p.rate(now)) //nolint:errcheck
}

func (p *Progress) rate(now time.Time) float64 {
	secs := now.Sub(p.start).Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(p.count) / secs
}

// Done draws the final value, ends the line and logs a summary.
func (p *Progress) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.draw(now)
	if p.out != nil {
		fmt.Fprintln(p.out) //nolint:errcheck
	}
	zap.L().Info("progress complete",
		zap.String("label", p.label),
		zap.Int64("count", p.count),
		zap.Duration("elapsed", now.Sub(p.start)),
		zap.Float64("per_second", p.rate(now)),
	)
}
