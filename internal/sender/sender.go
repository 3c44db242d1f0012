package sender

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"tgpromote/internal/model"
	"tgpromote/internal/tele"
)

// SleepFunc waits for d or until ctx is done, whichever comes first.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the wall-clock SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OutcomeKind classifies a single platform action.
type OutcomeKind int

const (
	Success OutcomeKind = iota
	Retryable
	Permanent
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	default:
		return "permanent"
	}
}

// Failure reasons carried by Permanent outcomes.
const (
	ReasonInvalidTarget = "invalid_target"
	ReasonPrivateTarget = "private_target"
	ReasonAlreadyMember = "already_member"
	ReasonUnauthorized  = "unauthorized"
	ReasonCanceled      = "canceled"
	ReasonUnknown       = "unknown"
	ReasonFloodWait     = "flood_wait"
)

// Outcome is the result of Execute. Wait is set for Retryable outcomes.
type Outcome struct {
	Kind   OutcomeKind
	Wait   time.Duration
	Reason string
	Err    error
}

func (o Outcome) OK() bool { return o.Kind == Success }

// Canceled reports whether the action stopped because its context ended.
func (o Outcome) Canceled() bool { return o.Reason == ReasonCanceled }

const defaultFloodMargin = time.Second

// Executor runs one platform action at a time and turns its result into an
// Outcome. A throttle puts the calling loop to sleep for the mandated wait
// before returning, so the caller may retry immediately.
type Executor struct {
	stats  *Stats
	margin time.Duration
	sleep  SleepFunc
	logger *zap.Logger
}

// NewExecutor builds an executor that records into stats. margin is added to
// every flood wait; a zero margin picks the default.
func NewExecutor(stats *Stats, margin time.Duration, logger *zap.Logger) *Executor {
	if margin <= 0 {
		margin = defaultFloodMargin
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{stats: stats, margin: margin, sleep: Sleep, logger: logger.Named("executor")}
}

// WithSleep replaces the clock used for flood waits.
func (e *Executor) WithSleep(fn SleepFunc) *Executor {
	e.sleep = fn
	return e
}

// Stats exposes the counters the executor records into.
func (e *Executor) Stats() *Stats { return e.stats }

// Execute performs action once.
func (e *Executor) Execute(ctx context.Context, kind model.Kind, action func(ctx context.Context) error) Outcome {
	if ctx.Err() != nil {
		return Outcome{Kind: Permanent, Reason: ReasonCanceled, Err: ctx.Err()}
	}
	err := action(ctx)
	if err == nil {
		e.stats.inc(kind)
		return Outcome{Kind: Success}
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return Outcome{Kind: Permanent, Reason: ReasonCanceled, Err: err}
	}

	if wait, ok := tele.AsFloodWait(err); ok {
		e.logger.Warn("flood wait", zap.String("kind", string(kind)), zap.Duration("wait", wait))
		if serr := e.sleep(ctx, wait+e.margin); serr != nil {
			return Outcome{Kind: Permanent, Reason: ReasonCanceled, Err: serr}
		}
		return Outcome{Kind: Retryable, Wait: wait, Reason: ReasonFloodWait, Err: err}
	}

	reason := classify(err)
	if kind == model.KindJoin && reason == ReasonAlreadyMember {
		e.stats.inc(kind)
		return Outcome{Kind: Success, Reason: reason}
	}
	e.stats.IncError()
	e.logger.Info("action failed",
		zap.String("kind", string(kind)), zap.String("reason", reason), zap.Error(err))
	return Outcome{Kind: Permanent, Reason: reason, Err: err}
}

func classify(err error) string {
	switch {
	case errors.Is(err, tele.ErrAlreadyMember):
		return ReasonAlreadyMember
	case errors.Is(err, tele.ErrInvalidTarget):
		return ReasonInvalidTarget
	case errors.Is(err, tele.ErrPrivateTarget):
		return ReasonPrivateTarget
	case errors.Is(err, tele.ErrUnauthorized):
		return ReasonUnauthorized
	default:
		return ReasonUnknown
	}
}
