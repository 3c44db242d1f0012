package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tgpromote/internal/model"
	"tgpromote/internal/sender"
	"tgpromote/internal/tele"
)

// join works through pending groups, trying accounts in order until one
// gets in. The result is written back as the group's status.
type join struct {
	groups []model.Group
}

func (j *join) prepare(ctx context.Context, l *loop) (bool, error) {
	groups, err := l.store.Groups(ctx, l.adminID, model.GroupPending)
	if err != nil {
		return false, fmt.Errorf("pending groups: %w", err)
	}
	j.groups = groups
	return len(groups) > 0, nil
}

func (j *join) cycle(ctx context.Context, l *loop, accounts []model.Account) {
	conns := make(map[int64]tele.Conn, len(accounts))
	unusable := make(map[int64]bool)
	used := make(map[int64]model.Account)

	for _, g := range j.groups {
		for i, acc := range accounts {
			if ctx.Err() != nil {
				return
			}
			if unusable[acc.ID] {
				continue
			}
			conn, ok := conns[acc.ID]
			if !ok {
				if conn, ok = l.connect(ctx, acc); !ok {
					unusable[acc.ID] = true
					continue
				}
				conns[acc.ID] = conn
			}
			used[acc.ID] = acc

			var out sender.Outcome
			err := guard(func() error {
				out = l.exec.Execute(ctx, model.KindJoin, func(ctx context.Context) error {
					return conn.Join(ctx, g.Link)
				})
				return nil
			})
			if err != nil {
				l.logger.Error("join attempt failed", zap.Int64("account", acc.ID), zap.Error(err))
				l.exec.Stats().IncError()
				out = sender.Outcome{Kind: sender.Permanent, Reason: sender.ReasonUnknown, Err: err}
			}
			if out.Canceled() {
				return
			}
			settled := j.settle(ctx, l, g, acc, out)
			if out.Reason == sender.ReasonUnauthorized {
				unusable[acc.ID] = true
				l.pool.Release(acc.Session)
			}
			if !l.pause(ctx, l.delays.BetweenTargets) {
				return
			}
			if settled {
				break
			}
			if i < len(accounts)-1 && !l.pause(ctx, l.delays.BetweenAccounts) {
				return
			}
		}
	}

	for _, acc := range used {
		l.afterAccount(ctx, acc, nil)
	}
}

// settle records the attempt and reports whether the group is done for this cycle.
func (j *join) settle(ctx context.Context, l *loop, g model.Group, acc model.Account, out sender.Outcome) bool {
	var status model.GroupStatus
	switch {
	case out.OK():
		status = model.GroupJoined
	case out.Kind == sender.Retryable:
		// Throttled: the group stays pending; another account may try it.
		return false
	case out.Reason == sender.ReasonUnauthorized:
		return false
	default:
		status = model.GroupFailed
	}
	if err := l.store.SetGroupStatus(ctx, g.ID, status); err != nil {
		l.logger.Warn("group status write failed", zap.Int64("group", g.ID), zap.Error(err))
	}
	l.logger.Info("join settled",
		zap.Int64("group", g.ID), zap.Int64("account", acc.ID),
		zap.String("status", string(status)), zap.String("reason", out.Reason))
	return true
}
