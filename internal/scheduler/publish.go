package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tgpromote/internal/model"
	"tgpromote/internal/sender"
	"tgpromote/internal/tele"
)

// publish posts every active ad into every joined group, account by account.
type publish struct {
	groups []model.Group
	ads    []model.Ad
}

func (p *publish) prepare(ctx context.Context, l *loop) (bool, error) {
	groups, err := l.store.Groups(ctx, l.adminID, model.GroupJoined)
	if err != nil {
		return false, fmt.Errorf("joined groups: %w", err)
	}
	ads, err := l.store.Ads(ctx, l.adminID)
	if err != nil {
		return false, fmt.Errorf("ads: %w", err)
	}
	p.groups, p.ads = groups, ads
	return len(groups) > 0 && len(ads) > 0, nil
}

func (p *publish) cycle(ctx context.Context, l *loop, accounts []model.Account) {
	l.forEachAccount(ctx, accounts, func(ctx context.Context, acc model.Account, conn tele.Conn) error {
		for _, g := range p.groups {
			if err := p.publishGroup(ctx, l, conn, g); err != nil {
				return err
			}
			// Both pauses apply after each group.
			if !l.pause(ctx, l.delays.BetweenTargets) || !l.pause(ctx, l.delays.AfterTarget) {
				return ctx.Err()
			}
		}
		return nil
	})
}

func (p *publish) publishGroup(ctx context.Context, l *loop, conn tele.Conn, g model.Group) error {
	for _, ad := range p.ads {
		out := p.send(ctx, l, conn, g, ad)
		switch {
		case out.Canceled():
			return ctx.Err()
		case out.Reason == sender.ReasonUnauthorized:
			return errSessionRevoked
		case out.Reason == sender.ReasonInvalidTarget, out.Reason == sender.ReasonPrivateTarget:
			l.logger.Info("skipping group", zap.Int64("group", g.ID), zap.String("reason", out.Reason))
			return nil
		}
		if !l.pause(ctx, l.delays.BetweenItems) {
			return ctx.Err()
		}
	}
	return nil
}

// send posts one ad, retrying after a flood wait up to MaxRetries times.
func (p *publish) send(ctx context.Context, l *loop, conn tele.Conn, g model.Group, ad model.Ad) sender.Outcome {
	content := ad.Content()
	for attempt := 0; ; attempt++ {
		out := l.exec.Execute(ctx, model.KindPublish, func(ctx context.Context) error {
			return conn.Send(ctx, g.Link, content)
		})
		if out.Kind != sender.Retryable || attempt >= l.delays.MaxRetries {
			return out
		}
	}
}
