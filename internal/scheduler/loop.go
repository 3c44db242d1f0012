package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"tgpromote/internal/config"
	"tgpromote/internal/model"
	"tgpromote/internal/sender"
	"tgpromote/internal/tele"
)

// Store is what campaign loops read and write.
type Store interface {
	ActiveAccounts(ctx context.Context, adminID int64) ([]model.Account, error)
	Ads(ctx context.Context, adminID int64) ([]model.Ad, error)
	Groups(ctx context.Context, adminID int64, status model.GroupStatus) ([]model.Group, error)
	SetGroupStatus(ctx context.Context, id int64, status model.GroupStatus) error
	PrivateReplies(ctx context.Context, adminID int64) ([]model.PrivateReply, error)
	KeywordReplies(ctx context.Context, adminID int64) ([]model.KeywordReply, error)
	RandomReplies(ctx context.Context, adminID int64) ([]model.RandomReply, error)
	TouchAccount(ctx context.Context, id int64) error
	LogAction(ctx context.Context, adminID int64, action, details string) error
}

// Pool hands out shared platform connections.
type Pool interface {
	Acquire(ctx context.Context, credential string) (tele.Conn, error)
	Release(credential string)
	ReleaseAll(ctx context.Context)
}

// strategy is the kind-specific part of a campaign.
type strategy interface {
	// prepare loads this cycle's inputs and reports whether there is work.
	prepare(ctx context.Context, l *loop) (bool, error)
	// cycle processes one pass over the active accounts.
	cycle(ctx context.Context, l *loop, accounts []model.Account)
}

// errSessionRevoked aborts an account's work after the platform rejected
// its session. The executor has already counted the failure.
var errSessionRevoked = errors.New("session revoked")

// loop is one running campaign for one admin.
type loop struct {
	kind         model.Kind
	adminID      int64
	store        Store
	pool         Pool
	exec         *sender.Executor
	delays       config.Delays
	sleep        sender.SleepFunc
	errorBackoff time.Duration
	floodMargin  time.Duration
	logger       *zap.Logger
}

func (l *loop) run(ctx context.Context, s strategy) {
	l.logger.Info("campaign started")
	defer l.logger.Info("campaign stopped")

	for ctx.Err() == nil {
		var (
			accounts []model.Account
			ready    bool
		)
		err := guard(func() (err error) {
			if accounts, err = l.store.ActiveAccounts(ctx, l.adminID); err != nil {
				return err
			}
			ready, err = s.prepare(ctx, l)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("loading campaign inputs failed", zap.Error(err))
			if !l.pause(ctx, l.errorBackoff) {
				return
			}
			continue
		}
		if len(accounts) == 0 || !ready {
			l.logger.Debug("nothing to do", zap.Int("accounts", len(accounts)))
			if !l.pause(ctx, l.delays.BetweenCycles) {
				return
			}
			continue
		}

		start := time.Now()
		if err := guard(func() error { s.cycle(ctx, l, accounts); return nil }); err != nil {
			l.logger.Error("cycle failed", zap.Error(err))
			l.exec.Stats().IncError()
			if !l.pause(ctx, l.errorBackoff) {
				return
			}
			continue
		}
		l.logger.Debug("cycle finished", zap.Int("accounts", len(accounts)), zap.Duration("took", time.Since(start)))
		if !l.pause(ctx, l.delays.BetweenCycles) {
			return
		}
	}
}

// forEachAccount connects every account in turn and runs fn on it. An account
// that cannot connect or whose work fails is logged, counted, and skipped.
func (l *loop) forEachAccount(ctx context.Context, accounts []model.Account, fn func(ctx context.Context, acc model.Account, conn tele.Conn) error) {
	for i, acc := range accounts {
		if ctx.Err() != nil {
			return
		}
		if conn, ok := l.connect(ctx, acc); ok {
			err := guard(func() error { return fn(ctx, acc, conn) })
			l.afterAccount(ctx, acc, err)
		}
		if i < len(accounts)-1 && !l.pause(ctx, l.delays.BetweenAccounts) {
			return
		}
	}
}

func (l *loop) connect(ctx context.Context, acc model.Account) (tele.Conn, bool) {
	conn, err := l.pool.Acquire(ctx, acc.Session)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false
		}
		l.logger.Warn("account unavailable", zap.Int64("account", acc.ID), zap.Error(err))
		l.exec.Stats().IncError()
		return nil, false
	}
	return conn, true
}

func (l *loop) afterAccount(ctx context.Context, acc model.Account, err error) {
	switch {
	case err == nil || ctx.Err() != nil:
	case errors.Is(err, errSessionRevoked):
		l.logger.Warn("session revoked, dropping connection", zap.Int64("account", acc.ID))
		l.pool.Release(acc.Session)
	default:
		l.logger.Error("account work failed", zap.Int64("account", acc.ID), zap.Error(err))
		l.exec.Stats().IncError()
	}
	if ctx.Err() != nil {
		return
	}
	if err := l.store.TouchAccount(ctx, acc.ID); err != nil {
		l.logger.Debug("record activity failed", zap.Int64("account", acc.ID), zap.Error(err))
	}
}

// pause sleeps d and reports whether the loop should keep going.
func (l *loop) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	return l.sleep(ctx, d) == nil
}

// guard turns a panic in fn into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}
