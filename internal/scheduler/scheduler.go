package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tgpromote/internal/config"
	"tgpromote/internal/model"
	"tgpromote/internal/sender"
)

const (
	defaultErrorBackoff = 5 * time.Second
	defaultReplyWindow  = 10 * time.Minute
	auditTimeout        = 5 * time.Second
)

// Options wires a Supervisor. Store, Pool and Executor are required.
type Options struct {
	Store    Store
	Pool     Pool
	Executor *sender.Executor
	Delays   config.DelayTable
	Logger   *zap.Logger

	// Sleep defaults to wall-clock sleeping.
	Sleep sender.SleepFunc
	// ErrorBackoff is the pause after a failed store read.
	ErrorBackoff time.Duration
	// ReplyWindow limits replies in chats a loop has not seen yet to
	// messages this recent.
	ReplyWindow time.Duration
	// FloodMargin is added to throttles hit outside the executor.
	FloodMargin time.Duration
	Now         func() time.Time
}

type campaignKey struct {
	kind    model.Kind
	adminID int64
}

type registration struct {
	runID   uuid.UUID
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

// Campaign describes one running loop.
type Campaign struct {
	RunID   string     `json:"run_id"`
	Kind    model.Kind `json:"kind"`
	AdminID int64      `json:"admin_id"`
	Started time.Time  `json:"started"`
}

// Statistics is a display snapshot; counters and registry are read separately.
type Statistics struct {
	sender.Counts
	Active map[model.Kind]int `json:"active"`
}

// Supervisor starts and stops campaign loops, at most one per kind and admin.
type Supervisor struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	running map[campaignKey]*registration
	closed  bool
}

func NewSupervisor(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sleep == nil {
		opts.Sleep = sender.Sleep
	}
	if opts.Delays == nil {
		opts.Delays = config.DefaultDelays()
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = defaultErrorBackoff
	}
	if opts.ReplyWindow <= 0 {
		opts.ReplyWindow = defaultReplyWindow
	}
	if opts.FloodMargin <= 0 {
		opts.FloodMargin = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Supervisor{
		opts:    opts,
		logger:  opts.Logger.Named("campaign"),
		running: make(map[campaignKey]*registration),
	}
}

// Start launches the kind's loop for adminID. It returns false when that
// loop is already running, the kind is unknown, or the supervisor is shut down.
func (s *Supervisor) Start(kind model.Kind, adminID int64) bool {
	_, ok := s.start(kind, adminID)
	return ok
}

func (s *Supervisor) start(kind model.Kind, adminID int64) (*registration, bool) {
	strat := s.newStrategy(kind)
	if strat == nil {
		return nil, false
	}
	key := campaignKey{kind: kind, adminID: adminID}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false
	}
	if _, ok := s.running[key]; ok {
		s.mu.Unlock()
		return nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	reg := &registration{runID: uuid.New(), cancel: cancel, done: make(chan struct{}), started: s.opts.Now()}
	s.running[key] = reg
	s.mu.Unlock()

	l := s.newLoop(kind, adminID, reg.runID)
	go func() {
		defer close(reg.done)
		defer s.finish(key, reg.runID)
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("campaign crashed", zap.Any("panic", r))
			}
		}()
		l.run(ctx, strat)
	}()

	s.audit(adminID, "start_"+string(kind), reg.runID)
	return reg, true
}

// Stop cancels the kind's loop for adminID. The loop winds down on its own;
// Stop does not wait for it.
func (s *Supervisor) Stop(kind model.Kind, adminID int64) bool {
	key := campaignKey{kind: kind, adminID: adminID}
	s.mu.Lock()
	reg, ok := s.running[key]
	if ok {
		delete(s.running, key)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	reg.cancel()
	s.audit(adminID, "stop_"+string(kind), reg.runID)
	return true
}

func (s *Supervisor) Running(kind model.Kind, adminID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[campaignKey{kind: kind, adminID: adminID}]
	return ok
}

// Done returns a channel closed when the current loop for (kind, adminID)
// exits, or nil when none is registered.
func (s *Supervisor) Done(kind model.Kind, adminID int64) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg, ok := s.running[campaignKey{kind: kind, adminID: adminID}]; ok {
		return reg.done
	}
	return nil
}

// Campaigns lists running loops, optionally only those of one admin (adminID > 0).
func (s *Supervisor) Campaigns(adminID int64) []Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Campaign
	for k, reg := range s.running {
		if adminID > 0 && k.adminID != adminID {
			continue
		}
		out = append(out, Campaign{RunID: reg.runID.String(), Kind: k.kind, AdminID: k.adminID, Started: reg.started})
	}
	return out
}

func (s *Supervisor) Statistics() Statistics {
	st := Statistics{Counts: s.opts.Executor.Stats().Snapshot(), Active: make(map[model.Kind]int)}
	s.mu.Lock()
	for k := range s.running {
		st.Active[k.kind]++
	}
	s.mu.Unlock()
	return st
}

// ResetStatistics zeroes the shared counters.
func (s *Supervisor) ResetStatistics() {
	s.opts.Executor.Stats().Reset()
}

// Shutdown stops every loop, waits for them until ctx ends, then closes
// every pooled connection. Start fails afterwards.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	regs := make([]*registration, 0, len(s.running))
	for k, reg := range s.running {
		regs = append(regs, reg)
		delete(s.running, k)
	}
	s.mu.Unlock()

	for _, reg := range regs {
		reg.cancel()
	}
	var err error
	for _, reg := range regs {
		select {
		case <-reg.done:
		case <-ctx.Done():
			err = fmt.Errorf("waiting for campaigns: %w", ctx.Err())
		}
		if err != nil {
			break
		}
	}
	s.logger.Info("campaigns stopped", zap.Int("count", len(regs)))
	s.opts.Pool.ReleaseAll(ctx)
	return err
}

// finish drops the registration of a loop that ended by itself, unless it
// has already been replaced by a newer run.
func (s *Supervisor) finish(key campaignKey, runID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg, ok := s.running[key]; ok && reg.runID == runID {
		delete(s.running, key)
	}
}

func (s *Supervisor) newStrategy(kind model.Kind) strategy {
	switch kind {
	case model.KindPublish:
		return &publish{}
	case model.KindJoin:
		return &join{}
	case model.KindPrivateReply, model.KindGroupReply, model.KindRandomReply:
		return newReplier(kind, s.opts.Now().Add(-s.opts.ReplyWindow))
	}
	return nil
}

func (s *Supervisor) newLoop(kind model.Kind, adminID int64, runID uuid.UUID) *loop {
	return &loop{
		kind:         kind,
		adminID:      adminID,
		store:        s.opts.Store,
		pool:         s.opts.Pool,
		exec:         s.opts.Executor,
		delays:       s.opts.Delays.For(kind),
		sleep:        s.opts.Sleep,
		errorBackoff: s.opts.ErrorBackoff,
		floodMargin:  s.opts.FloodMargin,
		logger: s.logger.With(
			zap.String("kind", string(kind)),
			zap.Int64("admin", adminID),
			zap.String("run", runID.String()),
		),
	}
}

func (s *Supervisor) audit(adminID int64, action string, runID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := s.opts.Store.LogAction(ctx, adminID, action, "run "+runID.String()); err != nil {
		s.logger.Debug("audit log failed", zap.String("action", action), zap.Error(err))
	}
}
