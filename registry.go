package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tutortoise/plate-checkin-service/logger"
	"github.com/Tutortoise/plate-checkin-service/overlay"
	"github.com/Tutortoise/plate-checkin-service/pipeline"
)

var ErrSessionNotFound = errors.New("session not found")

type sessionEntry struct {
	session   *pipeline.Session
	presenter *overlay.Presenter
	createdAt time.Time
	endedAt   time.Time
}

// Registry owns the live plate sessions. Each session gets its own overlay
// presenter, closed once the session is done. Live sessions with no client
// activity for ttl are cancelled; finished sessions stay queryable for ttl
// and are then dropped.
type Registry struct {
	ctx    context.Context
	cancel context.CancelFunc
	deps   pipeline.Dependencies
	base   pipeline.Config
	ttl    time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]*sessionEntry

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewRegistry starts the reaper. Sessions inherit deps and the zero fields
// of their config are taken from base.
func NewRegistry(deps pipeline.Dependencies, base pipeline.Config, ttl time.Duration) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		ctx:     ctx,
		cancel:  cancel,
		deps:    deps,
		base:    base,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*sessionEntry),
		stopped: make(chan struct{}),
	}
	if ttl > 0 {
		go r.reapLoop()
	}
	return r
}

// Create registers a new session and starts it. A session whose engine is
// unavailable is registered in Failed so clients can read why.
func (r *Registry) Create(cfg pipeline.Config) (*pipeline.Session, error) {
	cfg.ID = uuid.NewString()
	if cfg.ViewWidth == 0 {
		cfg.ViewWidth = r.base.ViewWidth
	}
	if cfg.ViewHeight == 0 {
		cfg.ViewHeight = r.base.ViewHeight
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = r.base.Threshold
	}
	if cfg.InputSize == 0 {
		cfg.InputSize = r.base.InputSize
	}
	if cfg.CycleTimeout == 0 {
		cfg.CycleTimeout = r.base.CycleTimeout
	}

	presenter := overlay.NewPresenter()
	deps := r.deps
	deps.Overlay = presenter
	if deps.Logger == nil {
		deps.Logger = logger.For("session")
	}
	deps.Now = func() time.Time { return r.now() }

	session := pipeline.NewSession(cfg, deps)
	entry := &sessionEntry{session: session, presenter: presenter, createdAt: r.now()}

	r.mu.Lock()
	r.entries[cfg.ID] = entry
	r.mu.Unlock()

	go r.watch(entry)

	if session.State() == pipeline.StateFailed {
		return session, nil
	}
	if err := session.Start(r.ctx); err != nil {
		return session, err
	}
	return session, nil
}

func (r *Registry) watch(e *sessionEntry) {
	<-e.session.Done()
	e.presenter.Close()

	r.mu.Lock()
	e.endedAt = r.now()
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*pipeline.Session, *overlay.Presenter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, nil, ErrSessionNotFound
	}
	return e.session, e.presenter, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) reapLoop() {
	period := r.ttl / 2
	if period < time.Second {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopped:
			return
		case <-ticker.C:
			if n := r.Reap(); n > 0 {
				logger.For("registry").Debug("reaped finished sessions", zap.Int("count", n))
			}
		}
	}
}

// Reap cancels live sessions idle for ttl and drops sessions that finished
// more than ttl ago. It returns how many entries were dropped.
func (r *Registry) Reap() int {
	now := r.now()
	var idle []*pipeline.Session

	r.mu.Lock()
	n := 0
	for id, e := range r.entries {
		if e.endedAt.IsZero() {
			if !e.session.State().Terminal() && now.Sub(e.session.LastActive()) >= r.ttl {
				idle = append(idle, e.session)
			}
			continue
		}
		if now.Sub(e.endedAt) < r.ttl {
			continue
		}
		delete(r.entries, id)
		n++
	}
	r.mu.Unlock()

	for _, s := range idle {
		if s.Cancel() {
			logger.For("registry").Info("cancelled idle session", zap.String("session", s.ID()))
		}
	}
	return n
}

// Close cancels every running session and stops the reaper.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		close(r.stopped)
		r.cancel()
	})

	r.mu.RLock()
	sessions := make([]*pipeline.Session, 0, len(r.entries))
	for _, e := range r.entries {
		sessions = append(sessions, e.session)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Cancel()
	}
}
