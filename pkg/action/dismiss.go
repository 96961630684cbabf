package action

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devicelab-dev/engage-runner/pkg/core"
	"github.com/devicelab-dev/engage-runner/pkg/flow"
	"github.com/devicelab-dev/engage-runner/pkg/logger"
)

// StopReason is why a dismissal loop ended.
type StopReason string

const (
	StopQuiet   StopReason = "quiet"
	StopCeiling StopReason = "ceiling"
)

// DismissOptions bounds one dismissal loop.
type DismissOptions struct {
	// MaxIterations is the hard ceiling on scans.
	MaxIterations int `mapstructure:"max_iterations" yaml:"max_iterations"`
	// MinQuietIterations is how many consecutive empty scans end the loop.
	MinQuietIterations int `mapstructure:"min_quiet_iterations" yaml:"min_quiet_iterations"`
	// MinIterations is the floor of scans before a quiet stop is allowed.
	MinIterations       int           `mapstructure:"min_iterations" yaml:"min_iterations"`
	InterIterationDelay time.Duration `mapstructure:"inter_iteration_delay" yaml:"inter_iteration_delay"`
	InitialGrace        time.Duration `mapstructure:"initial_grace" yaml:"initial_grace"`
	// EntryTimeout is the presence budget per catalog entry per scan.
	EntryTimeout time.Duration `mapstructure:"entry_timeout" yaml:"entry_timeout"`
	// VerifyTimeout is the absence budget after a dismissal. Zero skips
	// verification.
	VerifyTimeout time.Duration `mapstructure:"verify_timeout" yaml:"verify_timeout"`
	// Strategies used to dismiss. Nil means DefaultClickStrategies.
	Strategies []Strategy `mapstructure:"-" yaml:"-"`
}

// DefaultDismissOptions returns the loop settings used after login.
func DefaultDismissOptions() DismissOptions {
	return DismissOptions{
		MaxIterations:       15,
		MinQuietIterations:  3,
		MinIterations:       3,
		InterIterationDelay: time.Second,
		InitialGrace:        2 * time.Second,
		EntryTimeout:        time.Second,
		VerifyTimeout:       time.Second,
	}
}

// Validate checks the loop parameters.
func (o DismissOptions) Validate() error {
	switch {
	case o.MaxIterations < 1:
		return invalidOption("max iterations must be at least 1, got %d", o.MaxIterations)
	case o.MinQuietIterations < 1:
		return invalidOption("min quiet iterations must be at least 1, got %d", o.MinQuietIterations)
	case o.MinIterations < 0:
		return invalidOption("min iterations must not be negative, got %d", o.MinIterations)
	case o.InterIterationDelay < 0:
		return invalidOption("inter-iteration delay must not be negative, got %s", o.InterIterationDelay)
	case o.InitialGrace < 0:
		return invalidOption("initial grace must not be negative, got %s", o.InitialGrace)
	case o.EntryTimeout <= 0:
		return invalidOption("entry timeout must be positive, got %s", o.EntryTimeout)
	case o.VerifyTimeout < 0:
		return invalidOption("verify timeout must not be negative, got %s", o.VerifyTimeout)
	case o.Strategies != nil && len(o.Strategies) == 0:
		return invalidOption("strategies must not be empty; leave nil for the defaults")
	}
	for i, s := range o.Strategies {
		if s == nil {
			return invalidOption("strategy %d is nil", i)
		}
	}
	return nil
}

func invalidOption(format string, args ...interface{}) error {
	return core.ErrInvalidConfig.WithMessage(fmt.Sprintf(format, args...))
}

// IterationRecord is what one scan saw and did.
type IterationRecord struct {
	Index     int      // 1-based
	Found     []string // entries detected
	Dismissed []string // entries an action succeeded on
	Failed    []string // entries found but not actionable
	Persisted []string // dismissed entries still present after verification
}

// Empty reports whether the scan detected nothing.
func (r IterationRecord) Empty() bool { return len(r.Found) == 0 }

// DismissReport summarizes a dismissal loop.
type DismissReport struct {
	Catalog    string
	Iterations int
	Stop       StopReason
	History    []IterationRecord
	Elapsed    time.Duration
}

// Dismissed returns every entry dismissed, in order, across iterations.
func (r DismissReport) Dismissed() []string {
	var out []string
	for _, it := range r.History {
		out = append(out, it.Dismissed...)
	}
	return out
}

// Dismisser runs the transient dialog dismissal loop.
type Dismisser struct {
	poller   *Poller
	executor *Executor
	opts     options
}

// NewDismisser creates a dismisser over d.
func NewDismisser(d Driver, opts ...Option) *Dismisser {
	o := buildOptions(opts)
	return &Dismisser{
		poller:   NewPoller(d, opts...),
		executor: NewExecutor(d, opts...),
		opts:     o,
	}
}

// DismissTransientDialogs scans catalog until it has been quiet for
// MinQuietIterations consecutive scans (and at least MinIterations scans
// ran) or MaxIterations is reached. Failing to find or dismiss a dialog is
// never an error; only invalid options or catalog are returned, before any
// driver call.
func (d *Dismisser) DismissTransientDialogs(catalog flow.Catalog, opts DismissOptions) (DismissReport, error) {
	report := DismissReport{Catalog: catalog.Name}
	if err := opts.Validate(); err != nil {
		return report, err
	}
	if err := catalog.Validate(); err != nil {
		return report, err
	}
	strategies := opts.Strategies
	if strategies == nil {
		strategies = DefaultClickStrategies()
	}

	log := d.opts.log.With(zap.String("catalog", catalog.Name))
	clock := d.opts.clock
	start := clock.Now()

	if opts.InitialGrace > 0 {
		clock.Sleep(opts.InitialGrace)
	}

	consecutiveEmptyScans := 0
	for iteration := 1; ; iteration++ {
		rec, err := d.scan(catalog, opts, strategies, iteration, log)
		if err != nil {
			return report, err
		}
		report.History = append(report.History, rec)
		report.Iterations = iteration

		if rec.Empty() {
			consecutiveEmptyScans++
		} else {
			consecutiveEmptyScans = 0
		}

		if consecutiveEmptyScans >= opts.MinQuietIterations && iteration >= opts.MinIterations {
			report.Stop = StopQuiet
			break
		}
		if iteration >= opts.MaxIterations {
			report.Stop = StopCeiling
			break
		}
		if opts.InterIterationDelay > 0 {
			clock.Sleep(opts.InterIterationDelay)
		}
	}

	report.Elapsed = clock.Now().Sub(start)
	log.Info("dialog dismissal finished",
		zap.String("stop", string(report.Stop)),
		zap.Int("iterations", report.Iterations),
		zap.Strings("dismissed", report.Dismissed()),
		zap.Duration("elapsed", report.Elapsed))
	return report, nil
}

func (d *Dismisser) scan(catalog flow.Catalog, opts DismissOptions, strategies []Strategy, iteration int, log *zap.Logger) (IterationRecord, error) {
	rec := IterationRecord{Index: iteration}
	for _, entry := range catalog.Entries {
		// Entries were validated, so errors here cannot be configuration errors.
		poll, _ := d.poller.AwaitAny(entry.Detect, opts.EntryTimeout)
		if !poll.IsFound() {
			continue
		}
		rec.Found = append(rec.Found, entry.Name)
		log.Info("dialog detected", zap.String("dialog", entry.Name), zap.Int("iteration", iteration))

		res, err := d.executor.Perform(entry.DismissTarget(), strategies)
		if err != nil {
			return rec, err
		}
		if !res.Performed {
			rec.Failed = append(rec.Failed, entry.Name)
			log.Warn("dialog could not be dismissed",
				zap.String("dialog", entry.Name),
				zap.Int("iteration", iteration),
				zap.Error(res.Err()))
			continue
		}
		rec.Dismissed = append(rec.Dismissed, entry.Name)
		logger.Pass(log, "dialog dismissed",
			zap.String("dialog", entry.Name),
			zap.String("strategy", res.Strategy))

		if entry.Verify != nil && opts.VerifyTimeout > 0 {
			gone, _ := d.poller.AwaitAbsence(*entry.Verify, opts.VerifyTimeout)
			if !gone {
				rec.Persisted = append(rec.Persisted, entry.Name)
				log.Warn("dialog still present after dismissal",
					zap.String("dialog", entry.Name),
					zap.Stringer("locator", *entry.Verify))
			}
		}
	}
	return rec, nil
}
