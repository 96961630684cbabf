package action

import (
	"time"

	"go.uber.org/zap"
)

// Poll cadence bounds.
const (
	DefaultPollInterval = 500 * time.Millisecond
	MinPollInterval     = 250 * time.Millisecond
)

type options struct {
	clock    Clock
	interval time.Duration
	log      *zap.Logger
}

// Option configures a Poller, Executor or Dismisser.
type Option func(*options)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithPollInterval sets the re-query cadence, clamped to MinPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d < MinPollInterval {
			d = MinPollInterval
		}
		o.interval = d
	}
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l == nil {
			l = zap.NewNop()
		}
		o.log = l
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock:    RealClock,
		interval: DefaultPollInterval,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
