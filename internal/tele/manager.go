package tele

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"tgpromote/internal/model"
)

// Conn is one live, authorized platform session.
type Conn interface {
	// Send posts content into the target identified by an invite link or handle.
	Send(ctx context.Context, target string, content model.Content) error
	// Join joins the target behind an invite link or handle.
	Join(ctx context.Context, link string) error
	// RecentMessages lists recent inbound messages, oldest first per chat.
	RecentMessages(ctx context.Context, filter model.MessageFilter) ([]model.Message, error)
	// Reply answers msg with content, quoting it.
	Reply(ctx context.Context, msg model.Message, content model.Content) error
	Close() error
}

// Dialer establishes an authorized connection for a session credential.
// A Dialer must not return a half-open Conn together with an error.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, credential string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, credential string) (Conn, error) {
	return f(ctx, credential)
}

const defaultConnectTimeout = 30 * time.Second

// Manager caches one connection per session credential and shares it
// across every campaign using that account. Entries are keyed by a
// fingerprint of the credential; the credential itself only lives in the Conn.
type Manager struct {
	dialer         Dialer
	logger         *zap.Logger
	connectTimeout time.Duration

	mu      sync.Mutex
	clients map[string]Conn
	dials   singleflight.Group
}

// NewManager creates an empty pool. connectTimeout bounds each dial.
func NewManager(dialer Dialer, connectTimeout time.Duration, logger *zap.Logger) *Manager {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dialer:         dialer,
		logger:         logger.Named("pool"),
		connectTimeout: connectTimeout,
		clients:        make(map[string]Conn),
	}
}

// Fingerprint is the opaque identifier used for a credential in logs and map keys.
func Fingerprint(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:6])
}

// Acquire returns the cached connection for credential or dials a new one.
// Concurrent calls for the same credential share a single dial. Failures are
// never cached, so the next call retries.
func (m *Manager) Acquire(ctx context.Context, credential string) (Conn, error) {
	key := Fingerprint(credential)
	if c, ok := m.lookup(key); ok {
		return c, nil
	}

	ch := m.dials.DoChan(key, func() (any, error) {
		if c, ok := m.lookup(key); ok {
			return c, nil
		}
		// The dial outlives any single caller so a stopping campaign does
		// not abort a connection another campaign is waiting for.
		dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.connectTimeout)
		defer cancel()

		start := time.Now()
		c, err := m.dialer.Dial(dialCtx, credential)
		if err != nil {
			m.logger.Warn("connect failed", zap.String("session", key), zap.Error(err))
			return nil, err
		}
		m.mu.Lock()
		m.clients[key] = c
		m.mu.Unlock()
		m.logger.Info("connected", zap.String("session", key), zap.Duration("took", time.Since(start)))
		if d, ok := c.(interface{ Done() <-chan struct{} }); ok {
			go m.evictOnDisconnect(key, c, d.Done())
		}
		return c, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("acquire session %s: %w", key, res.Err)
		}
		return res.Val.(Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) lookup(key string) (Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[key]
	return c, ok
}

// evictOnDisconnect drops c from the pool once its client stops running, so
// the next Acquire dials a fresh connection.
func (m *Manager) evictOnDisconnect(key string, c Conn, done <-chan struct{}) {
	<-done
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.clients[key]; ok && cur == c {
		m.logger.Warn("connection lost", zap.String("session", key))
		delete(m.clients, key)
	}
}

// Release closes and evicts the connection for credential, if any.
func (m *Manager) Release(credential string) {
	m.release(Fingerprint(credential))
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	c, ok := m.clients[key]
	delete(m.clients, key)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		m.logger.Warn("close failed", zap.String("session", key), zap.Error(err))
		return
	}
	m.logger.Info("released", zap.String("session", key))
}

// ReleaseAll closes every cached connection, continuing past failures.
func (m *Manager) ReleaseAll(ctx context.Context) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.clients))
	for k := range m.clients {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, k := range keys {
		g.Go(func() error {
			m.release(k)
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("all sessions released", zap.Int("count", len(keys)))
	case <-ctx.Done():
		m.logger.Warn("release all interrupted", zap.Error(ctx.Err()))
	}
}

// Len reports how many connections are live.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}
