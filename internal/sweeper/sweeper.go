// Package sweeper force-rejects transfers whose decision window lapsed.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"

	"memberflow.org/internal/audit"
	"memberflow.org/internal/auth"
	"memberflow.org/internal/notify"
	"memberflow.org/internal/obs"
	"memberflow.org/internal/transfer"
)

const (
	// DefaultSchedule runs the sweep daily at 01:00.
	DefaultSchedule   = "0 1 * * *"
	defaultRunTimeout = 10 * time.Minute
	conflictRetryWait = 50 * time.Millisecond
	expiredRemark     = "expired"
)

// Outcome labels reported per record.
const (
	OutcomeRejected = "rejected"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// Report summarizes one pass.
type Report struct {
	Scanned  int           `json:"scanned"`
	Rejected int           `json:"rejected"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Sweeper scans open transfers and rejects the expired ones on behalf of
// the system actor.
type Sweeper struct {
	machine    *transfer.Machine
	sink       notify.Sink
	schedule   string
	runTimeout time.Duration
	retryWait  time.Duration

	cron *cron.Cron
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithSchedule sets the cron spec (standard five fields or descriptors such
// as "@every 1h").
func WithSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// WithRunTimeout bounds a scheduled pass.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.runTimeout = d
		}
	}
}

// WithRetryWait sets the pause before retrying a record that lost a race.
func WithRetryWait(d time.Duration) Option {
	return func(s *Sweeper) {
		if d >= 0 {
			s.retryWait = d
		}
	}
}

// New validates the schedule and builds a Sweeper. Nothing runs until Start
// or RunOnce.
func New(machine *transfer.Machine, sink notify.Sink, opts ...Option) (*Sweeper, error) {
	if machine == nil {
		return nil, errors.New("sweeper: machine is required")
	}
	if sink == nil {
		sink = notify.Discard{}
	}
	s := &Sweeper{
		machine:    machine,
		sink:       sink,
		schedule:   DefaultSchedule,
		runTimeout: defaultRunTimeout,
		retryWait:  conflictRetryWait,
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", s.schedule, err)
	}
	return s, nil
}

// Start schedules RunOnce. Overlapping passes are skipped.
func (s *Sweeper) Start() error {
	if s.cron != nil {
		return errors.New("sweeper: already started")
	}
	logger := cronLogger{}
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)), cron.WithLogger(logger))
	if _, err := c.AddFunc(s.schedule, s.scheduled); err != nil {
		return fmt.Errorf("sweeper: schedule: %w", err)
	}
	s.cron = c
	c.Start()
	obs.Info("sweeper_started", map[string]any{"schedule": s.schedule})
	return nil
}

// Stop halts scheduling and waits for a running pass or ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) scheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		obs.Error("sweep_failed", map[string]any{"error": err.Error()})
	}
}

// RunOnce performs a single pass. Only a failure to list candidates is
// returned; per-record failures are logged, counted and skipped over.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	candidates, err := s.machine.Expired(ctx, transfer.OpenStatuses)
	if err != nil {
		return Report{}, fmt.Errorf("sweeper: list expired transfers: %w", err)
	}

	rep := Report{Scanned: len(candidates)}
	outcomes := map[string]int{}
	for _, t := range candidates {
		if ctx.Err() != nil {
			break
		}
		outcome := s.expire(ctx, t)
		outcomes[outcome]++
		switch outcome {
		case OutcomeRejected:
			rep.Rejected++
		case OutcomeSkipped:
			rep.Skipped++
		case OutcomeFailed:
			rep.Failed++
		}
	}
	rep.Duration = time.Since(start)
	obs.ObserveSweep(rep.Duration, outcomes)
	obs.Info("sweep_complete", map[string]any{
		"scanned":     rep.Scanned,
		"rejected":    rep.Rejected,
		"skipped":     rep.Skipped,
		"failed":      rep.Failed,
		"duration_ms": rep.Duration.Milliseconds(),
	})
	return rep, ctx.Err()
}

// expire rejects one transfer at whichever stage it is waiting on. A lost
// race is retried once against a fresh read.
func (s *Sweeper) expire(ctx context.Context, t transfer.Transfer) string {
	var decided transfer.Stage
	attempt := func() error {
		cur, err := s.machine.Get(ctx, t.ID)
		if err != nil {
			return backoff.Permanent(err)
		}
		stage, ok := pendingStage(cur.Status)
		if !ok {
			return backoff.Permanent(fmt.Errorf("%w: %s", transfer.ErrInvalidState, cur.Status))
		}
		if _, err := s.machine.Decide(ctx, t.ID, stage, auth.SystemActor, false, expiredRemark); err != nil {
			if errors.Is(err, transfer.ErrConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		decided = stage
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryWait), 1), ctx)

	err := backoff.Retry(attempt, policy)
	switch {
	case err == nil:
	case errors.Is(err, transfer.ErrInvalidState):
		return OutcomeSkipped
	default:
		obs.Error("sweep_record_failed", map[string]any{"transfer_id": t.ID, "error": err.Error()})
		return OutcomeFailed
	}

	recipient, reason := t.FromOrgID, notify.ReasonOutApprovalExpired
	if decided == transfer.StageIn {
		recipient, reason = t.ToOrgID, notify.ReasonInApprovalExpired
	}
	audit.Transfer(ctx, audit.TransferExpired, t.ID, auth.SystemActor, map[string]any{"stage": decided.String(), "notified_org_id": recipient})
	s.sink.Notify(ctx, recipient, t.ID, reason)
	return OutcomeRejected
}

// pendingStage maps an open status to the sign-off still outstanding.
func pendingStage(st transfer.Status) (transfer.Stage, bool) {
	switch st {
	case transfer.Applying, transfer.OutApproving:
		return transfer.StageOut, true
	case transfer.InApproving:
		return transfer.StageIn, true
	}
	return 0, false
}

// cronLogger adapts cron's logger to the JSON log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	obs.Info("cron_"+msg, pairs(keysAndValues))
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	fields := pairs(keysAndValues)
	fields["error"] = err.Error()
	obs.Error("cron_"+msg, fields)
}

func pairs(kv []any) map[string]any {
	out := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
