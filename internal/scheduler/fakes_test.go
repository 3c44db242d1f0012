package scheduler

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"tgpromote/internal/config"
	"tgpromote/internal/model"
	"tgpromote/internal/sender"
	"tgpromote/internal/tele"
)

var errStoreDown = errors.New("store down")

type fakeStore struct {
	mu             sync.Mutex
	accounts       []model.Account
	ads            []model.Ad
	groups         []*model.Group
	private        []model.PrivateReply
	keyword        []model.KeywordReply
	random         []model.RandomReply
	accountsErrors int
	groupsPanics   int
	statusPanics   int
	touched        map[int64]int
	actions        []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{touched: make(map[int64]int)}
}

func (s *fakeStore) addAccount(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = append(s.accounts, model.Account{ID: id, Session: sessionFor(id), Active: true})
}

func (s *fakeStore) addGroup(id int64, link string, status model.GroupStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = append(s.groups, &model.Group{ID: id, Link: link, Status: status})
}

func (s *fakeStore) status(id int64) model.GroupStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g.ID == id {
			return g.Status
		}
	}
	return ""
}

func (s *fakeStore) ActiveAccounts(context.Context, int64) ([]model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accountsErrors > 0 {
		s.accountsErrors--
		return nil, errStoreDown
	}
	return append([]model.Account(nil), s.accounts...), nil
}

func (s *fakeStore) Ads(context.Context, int64) ([]model.Ad, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Ad(nil), s.ads...), nil
}

func (s *fakeStore) Groups(_ context.Context, _ int64, status model.GroupStatus) ([]model.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groupsPanics > 0 {
		s.groupsPanics--
		panic("groups query exploded")
	}
	var out []model.Group
	for _, g := range s.groups {
		if g.Status == status {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (s *fakeStore) SetGroupStatus(_ context.Context, id int64, status model.GroupStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusPanics > 0 {
		s.statusPanics--
		panic("status write exploded")
	}
	for _, g := range s.groups {
		if g.ID == id {
			g.Status = status
			return nil
		}
	}
	return errors.New("no such group")
}

func (s *fakeStore) PrivateReplies(context.Context, int64) ([]model.PrivateReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.private, nil
}

func (s *fakeStore) KeywordReplies(context.Context, int64) ([]model.KeywordReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyword, nil
}

func (s *fakeStore) RandomReplies(context.Context, int64) ([]model.RandomReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.random, nil
}

func (s *fakeStore) TouchAccount(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched[id]++
	return nil
}

func (s *fakeStore) LogAction(_ context.Context, _ int64, action, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, action)
	return nil
}

func sessionFor(id int64) string {
	return "session-" + strconv.FormatInt(id, 10)
}

type sent struct {
	account int64
	target  string
	text    string
	at      time.Time
}

// fakeConn records every action. Scripted errors are consumed in order per
// target (or message ID for replies); once exhausted actions succeed.
type fakeConn struct {
	account int64
	world   *fakeWorld
}

func (c *fakeConn) Send(_ context.Context, target string, content model.Content) error {
	return c.world.record(c.account, "send", target, content.Text)
}

func (c *fakeConn) Join(_ context.Context, link string) error {
	return c.world.record(c.account, "join", link, "")
}

func (c *fakeConn) Reply(_ context.Context, msg model.Message, content model.Content) error {
	return c.world.record(c.account, "reply", msg.Chat+"#"+strconv.Itoa(msg.ID), content.Text)
}

func (c *fakeConn) RecentMessages(_ context.Context, f model.MessageFilter) ([]model.Message, error) {
	c.world.mu.Lock()
	defer c.world.mu.Unlock()
	var out []model.Message
	for _, m := range c.world.inbox[c.account] {
		if m.Private == f.Private {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *fakeConn) Close() error { return nil }

type fakeWorld struct {
	mu     sync.Mutex
	clock  *fakeClock
	script map[string][]error
	panics map[int64]bool
	inbox  map[int64][]model.Message
	log    map[string][]sent
}

func newFakeWorld(clock *fakeClock) *fakeWorld {
	return &fakeWorld{
		clock:  clock,
		script: make(map[string][]error),
		panics: make(map[int64]bool),
		inbox:  make(map[int64][]model.Message),
		log:    make(map[string][]sent),
	}
}

func (w *fakeWorld) fail(op, target string, errs ...error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.script[op+" "+target] = append(w.script[op+" "+target], errs...)
}

func (w *fakeWorld) deliver(account int64, msgs ...model.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inbox[account] = append(w.inbox[account], msgs...)
}

func (w *fakeWorld) record(account int64, op, target, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.panics[account] {
		panic("connection exploded")
	}
	w.log[op] = append(w.log[op], sent{account: account, target: target, text: text, at: w.clock.Now()})
	key := op + " " + target
	if errs := w.script[key]; len(errs) > 0 {
		w.script[key] = errs[1:]
		return errs[0]
	}
	return nil
}

func (w *fakeWorld) calls(op string) []sent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]sent(nil), w.log[op]...)
}

type fakePool struct {
	mu       sync.Mutex
	world    *fakeWorld
	down     map[string]bool
	acquires int
	released []string
	all      int
}

func (p *fakePool) Acquire(_ context.Context, credential string) (tele.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquires++
	if p.down[credential] {
		return nil, tele.ErrUnauthorized
	}
	id, _ := strconv.ParseInt(strings.TrimPrefix(credential, "session-"), 10, 64)
	return &fakeConn{account: id, world: p.world}, nil
}

func (p *fakePool) Release(credential string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, credential)
}

func (p *fakePool) ReleaseAll(context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.all++
}

// fakeClock is virtual time: sleeping only advances it.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	slept   []time.Duration
	onSleep func(d time.Duration)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) count(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.slept {
		if s == d {
			n++
		}
	}
	return n
}

// Distinct values make sleeps recognizable in assertions.
const (
	dItems    = 1 * time.Millisecond
	dTargets  = 2 * time.Millisecond
	dAccounts = 3 * time.Millisecond
	dAfter    = 4 * time.Millisecond
	dCycle    = time.Hour
	dBackoff  = 5 * time.Second
)

func testDelays() config.DelayTable {
	d := config.Delays{
		BetweenItems:    dItems,
		BetweenTargets:  dTargets,
		BetweenAccounts: dAccounts,
		BetweenCycles:   dCycle,
		AfterTarget:     dAfter,
		MaxRetries:      1,
	}
	t := config.DelayTable{}
	for _, k := range model.Kinds {
		t[k] = d
	}
	return t
}

type harness struct {
	store *fakeStore
	pool  *fakePool
	world *fakeWorld
	clock *fakeClock
	stats *sender.Stats
	sup   *Supervisor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	world := newFakeWorld(clock)
	h := &harness{
		store: newFakeStore(),
		pool:  &fakePool{world: world, down: make(map[string]bool)},
		world: world,
		clock: clock,
		stats: &sender.Stats{},
	}
	logger := zaptest.NewLogger(t)
	exec := sender.NewExecutor(h.stats, time.Second, logger).WithSleep(clock.Sleep)
	h.sup = NewSupervisor(Options{
		Store:        h.store,
		Pool:         h.pool,
		Executor:     exec,
		Delays:       testDelays(),
		Logger:       logger,
		Sleep:        clock.Sleep,
		ErrorBackoff: dBackoff,
		ReplyWindow:  10 * time.Minute,
		Now:          clock.Now,
	})
	return h
}

// runCycles starts kind for admin and stops it when it begins its n-th
// between-cycle sleep; between is called at every earlier one.
func (h *harness) runCycles(t *testing.T, kind model.Kind, admin int64, n int, between func(cycle int)) {
	t.Helper()
	seen := 0
	h.clock.mu.Lock()
	h.clock.onSleep = func(d time.Duration) {
		if d != dCycle {
			return
		}
		seen++
		if seen >= n {
			h.sup.Stop(kind, admin)
			return
		}
		if between != nil {
			between(seen)
		}
	}
	h.clock.mu.Unlock()

	reg, ok := h.sup.start(kind, admin)
	if !ok {
		t.Fatalf("start %s refused", kind)
	}
	select {
	case <-reg.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s loop did not stop", kind)
	}
}
