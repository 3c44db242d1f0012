package scheduler

import (
	"cmp"
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"go.uber.org/zap"

	"tgpromote/internal/model"
	"tgpromote/internal/sender"
	"tgpromote/internal/tele"
)

const (
	recentDialogs = 30
	recentPerChat = 10
)

type cursorKey struct {
	account int64
	chat    string
}

// replier answers inbound messages. It remembers, per account and chat, the
// last message it dealt with so nothing is answered twice. Chats it has not
// seen yet only count messages newer than since.
//
// In groups several accounts can see the same message; answered keeps the
// messages one of them already dealt with so the others leave them alone.
// Entries are dropped once no account returns the message any more.
type replier struct {
	kind       model.Kind
	private    bool
	newestOnly bool
	since      time.Time
	cursor     map[cursorKey]int
	answered   map[string]bool
	seen       map[string]bool

	load func(ctx context.Context, l *loop) (bool, error)
	pick func(msg model.Message) (model.Content, bool)
}

func newReplier(kind model.Kind, since time.Time) *replier {
	r := &replier{kind: kind, since: since, cursor: make(map[cursorKey]int), answered: make(map[string]bool)}
	switch kind {
	case model.KindPrivateReply:
		var replies []model.PrivateReply
		r.private, r.newestOnly = true, true
		r.answered = nil
		r.load = func(ctx context.Context, l *loop) (bool, error) {
			var err error
			replies, err = l.store.PrivateReplies(ctx, l.adminID)
			return len(replies) > 0, err
		}
		r.pick = func(model.Message) (model.Content, bool) {
			return model.Content{Text: replies[0].Text}, true
		}
	case model.KindGroupReply:
		var replies []model.KeywordReply
		r.load = func(ctx context.Context, l *loop) (bool, error) {
			var err error
			replies, err = l.store.KeywordReplies(ctx, l.adminID)
			return len(replies) > 0, err
		}
		r.pick = func(msg model.Message) (model.Content, bool) {
			for _, kr := range replies {
				if kr.Matches(msg.Text) {
					return kr.Content(), true
				}
			}
			return model.Content{}, false
		}
	case model.KindRandomReply:
		var replies []model.RandomReply
		r.load = func(ctx context.Context, l *loop) (bool, error) {
			var err error
			replies, err = l.store.RandomReplies(ctx, l.adminID)
			return len(replies) > 0, err
		}
		r.pick = func(model.Message) (model.Content, bool) {
			return replies[rand.IntN(len(replies))].Content(), true
		}
	}
	return r
}

func (r *replier) prepare(ctx context.Context, l *loop) (bool, error) {
	ok, err := r.load(ctx, l)
	if err != nil {
		return false, fmt.Errorf("%s replies: %w", r.kind, err)
	}
	return ok, nil
}

func (r *replier) cycle(ctx context.Context, l *loop, accounts []model.Account) {
	r.seen = make(map[string]bool)
	l.forEachAccount(ctx, accounts, func(ctx context.Context, acc model.Account, conn tele.Conn) error {
		return r.answer(ctx, l, acc, conn)
	})
	if ctx.Err() != nil {
		return
	}
	for k := range r.answered {
		if !r.seen[k] {
			delete(r.answered, k)
		}
	}
}

func (r *replier) answer(ctx context.Context, l *loop, acc model.Account, conn tele.Conn) error {
	msgs, err := conn.RecentMessages(ctx, model.MessageFilter{
		Private: r.private,
		Dialogs: recentDialogs,
		PerChat: recentPerChat,
	})
	if err != nil {
		if wait, ok := tele.AsFloodWait(err); ok {
			l.logger.Warn("flood wait reading messages", zap.Int64("account", acc.ID), zap.Duration("wait", wait))
			if !l.pause(ctx, wait+l.floodMargin) {
				return ctx.Err()
			}
			return nil
		}
		return fmt.Errorf("recent messages: %w", err)
	}

	for _, chat := range byChat(msgs) {
		if err := r.answerChat(ctx, l, acc, conn, chat); err != nil {
			return err
		}
	}
	return nil
}

func (r *replier) answerChat(ctx context.Context, l *loop, acc model.Account, conn tele.Conn, msgs []model.Message) error {
	key := cursorKey{account: acc.ID, chat: msgs[0].Chat}
	last, seen := r.cursor[key]
	defer func() {
		if last > 0 {
			r.cursor[key] = last
		}
	}()

	var fresh []model.Message
	for _, m := range msgs {
		if r.answered != nil {
			r.seen[m.Key()] = true
		}
		switch {
		case m.ID <= last:
		case r.answered[m.Key()]:
			last = m.ID
		case !seen && m.Date.Before(r.since):
			last = m.ID
		default:
			fresh = append(fresh, m)
		}
	}
	if r.newestOnly && len(fresh) > 1 {
		fresh = fresh[len(fresh)-1:]
	}

	for _, m := range fresh {
		content, ok := r.pick(m)
		if ok {
			out := l.exec.Execute(ctx, r.kind, func(ctx context.Context) error {
				return conn.Reply(ctx, m, content)
			})
			switch {
			case out.Canceled():
				return ctx.Err()
			case out.Kind == sender.Retryable:
				// Leave the cursor before m so the next cycle answers it.
				return nil
			case out.Reason == sender.ReasonUnauthorized:
				return errSessionRevoked
			}
			if r.answered != nil {
				r.answered[m.Key()] = true
			}
			if !l.pause(ctx, l.delays.BetweenItems) {
				last = m.ID
				return ctx.Err()
			}
		}
		last = m.ID
	}
	return nil
}

// byChat splits messages per chat, each sorted by ascending ID.
func byChat(msgs []model.Message) [][]model.Message {
	index := make(map[string]int)
	var out [][]model.Message
	for _, m := range msgs {
		i, ok := index[m.Chat]
		if !ok {
			i = len(out)
			index[m.Chat] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], m)
	}
	for _, chat := range out {
		slices.SortStableFunc(chat, func(a, b model.Message) int { return cmp.Compare(a.ID, b.ID) })
	}
	return out
}
