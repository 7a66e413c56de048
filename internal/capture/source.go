package capture

import (
	"context"
	"time"
)

// Source fills frames of signed 16-bit mono samples. Read blocks for at most
// about one frame period and returns the number of samples written.
type Source interface {
	Read(ctx context.Context, frame []int16) (int, error)
	Close() error
}

// FramePeriod returns the playback duration of n samples at sampleRate
func FramePeriod(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

// pacer releases one frame per period, resynchronising when the caller
// falls more than a period behind.
type pacer struct {
	next  time.Time
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func newPacer() *pacer {
	return &pacer{now: time.Now, sleep: sleepCtx}
}

func (p *pacer) wait(ctx context.Context, period time.Duration) error {
	now := p.now()
	if p.next.IsZero() || now.Sub(p.next) > period {
		p.next = now
	}

	if d := p.next.Sub(now); d > 0 {
		if err := p.sleep(ctx, d); err != nil {
			return err
		}
	}
	p.next = p.next.Add(period)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
