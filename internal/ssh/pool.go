package ssh

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/kbuilder/internal/logging"
	"github.com/tOgg1/kbuilder/internal/models"
)

// EventSink receives session lifecycle events from a Pool.
type EventSink interface {
	Create(ctx context.Context, event *models.Event) error
}

// SessionFactory builds the Session for a new pool entry.
type SessionFactory func(cfg Config) (*Session, error)

// Pool is a bounded, keyed set of sessions. The pool owns every session it
// holds; callers reach them through a Handle.
//
// The pool lock guards only the maps. Connects, disconnects and probes run
// unlocked, so one slow host never stalls commands on the others. A key
// being connected is reserved and counts toward capacity until the connect
// settles.
type Pool struct {
	mu       sync.Mutex
	capacity int
	sessions map[string]*Session
	pending  map[string]chan struct{}

	factory SessionFactory
	states  *stateTracker
	sink    EventSink
	logger  zerolog.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithSessionFactory replaces NewSession for new entries.
func WithSessionFactory(factory SessionFactory) PoolOption {
	return func(p *Pool) { p.factory = factory }
}

// WithSessionOptions applies opts to every session built by the default
// factory.
func WithSessionOptions(opts ...SessionOption) PoolOption {
	return func(p *Pool) {
		p.factory = func(cfg Config) (*Session, error) {
			return NewSession(cfg, opts...)
		}
	}
}

// WithEventSink records lifecycle events to sink.
func WithEventSink(sink EventSink) PoolOption {
	return func(p *Pool) { p.sink = sink }
}

// WithPoolLogger sets the pool logger.
func WithPoolLogger(logger zerolog.Logger) PoolOption {
	return func(p *Pool) { p.logger = logger }
}

// NewPool creates a pool holding at most capacity sessions. A capacity of
// zero or less means unbounded.
func NewPool(capacity int, opts ...PoolOption) *Pool {
	p := &Pool{
		capacity: capacity,
		sessions: make(map[string]*Session),
		pending:  make(map[string]chan struct{}),
		states:   newStateTracker(time.Now),
		logger:   logging.Component("ssh-pool"),
	}
	p.factory = func(cfg Config) (*Session, error) {
		return NewSession(cfg)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// GetOrCreate returns a handle to the session stored under key, connecting
// a new one from cfg if there is none. cfg is ignored when key already
// exists. A caller asking for a key that is still connecting waits for that
// connect instead of dialing again. When the pool is full no I/O is
// attempted. A failed connect leaves the pool unchanged.
func (p *Pool) GetOrCreate(ctx context.Context, key string, cfg Config) (*Handle, error) {
	p.mu.Lock()
	for {
		if _, ok := p.sessions[key]; ok {
			p.mu.Unlock()
			return &Handle{key: key, pool: p}, nil
		}
		wait, ok := p.pending[key]
		if !ok {
			break
		}
		p.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, &Error{Kind: KindTimeout, Host: cfg.Host, Msg: "waiting for pending connect", Err: ctx.Err()}
		}
		p.mu.Lock()
	}
	if p.capacity > 0 && len(p.sessions)+len(p.pending) >= p.capacity {
		p.mu.Unlock()
		return nil, &Error{
			Kind: KindConnectionFailed,
			Host: cfg.Host,
			Msg:  "maximum connections reached",
		}
	}
	done := make(chan struct{})
	p.pending[key] = done
	p.mu.Unlock()

	session, err := p.connect(ctx, key, cfg)

	p.mu.Lock()
	delete(p.pending, key)
	if err == nil {
		p.sessions[key] = session
	}
	size := len(p.sessions)
	p.mu.Unlock()
	close(done)

	if err != nil {
		return nil, err
	}
	p.logger.Debug().Str("key", key).Int("size", size).Msg("session added to pool")
	return &Handle{key: key, pool: p}, nil
}

// connect builds and connects the session for a reserved key.
func (p *Pool) connect(ctx context.Context, key string, cfg Config) (*Session, error) {
	session, err := p.factory(cfg)
	if err != nil {
		return nil, err
	}

	p.states.set(key, StateConnecting, "get_or_create")
	if err := session.Connect(ctx); err != nil {
		p.states.set(key, StateFailed, err.Error())
		p.emit(ctx, models.EventTypeSessionConnectFailed, key, cfg, session.Metrics().ConnectAttempts, err)
		return nil, err
	}
	p.states.set(key, StateConnected, "connected")
	p.emit(ctx, models.EventTypeSessionConnected, key, cfg, session.Metrics().ConnectAttempts, nil)
	return session, nil
}

// Remove disconnects and drops the session stored under key. Removing an
// absent key, or one that is still connecting, is a no-op. A disconnect
// failure is returned after the entry has been dropped.
func (p *Pool) Remove(key string) error {
	p.mu.Lock()
	session, ok := p.sessions[key]
	if ok {
		delete(p.sessions, key)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	err := p.disconnect(key, session)
	p.emit(context.Background(), models.EventTypeSessionRemoved, key, session.Config(), 0, nil)
	p.states.remove(key)
	return err
}

// CloseAll disconnects every session and empties the pool. Failures are
// logged and do not stop the remaining disconnects.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	keys := p.sortedKeys()
	sessions := p.sessions
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for _, key := range keys {
		if err := p.disconnect(key, sessions[key]); err != nil {
			p.logger.Error().Err(err).Str("key", key).Msg("failed to close session")
		}
		p.states.remove(key)
	}
}

func (p *Pool) disconnect(key string, session *Session) error {
	cfg := session.Config()
	if err := session.Disconnect(); err != nil {
		p.states.set(key, StateFailed, err.Error())
		p.emit(context.Background(), models.EventTypeSessionDisconnectFailed, key, cfg, 0, err)
		return err
	}
	p.states.set(key, StateDisconnected, "disconnected")
	p.emit(context.Background(), models.EventTypeSessionDisconnected, key, cfg, 0, nil)
	return nil
}

// CheckAll probes every session and returns liveness by key. Sessions that
// fail the probe are marked failed but stay in the pool. Probes run
// concurrently and outside the pool lock.
func (p *Pool) CheckAll(ctx context.Context) map[string]bool {
	p.mu.Lock()
	snapshot := make(map[string]*Session, len(p.sessions))
	for key, session := range p.sessions {
		snapshot[key] = session
	}
	p.mu.Unlock()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]bool, len(snapshot))
	)
	for key, session := range snapshot {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alive := session.IsConnected(ctx)
			mu.Lock()
			out[key] = alive
			mu.Unlock()
		}()
	}
	wg.Wait()

	p.mu.Lock()
	current := make(map[string]bool, len(out))
	for key := range out {
		current[key] = p.sessions[key] == snapshot[key]
	}
	p.mu.Unlock()

	for key, alive := range out {
		if !current[key] {
			continue
		}
		if alive {
			p.states.set(key, StateConnected, "probe ok")
		} else {
			p.states.set(key, StateFailed, "probe failed")
		}
	}
	return out
}

// Len returns the number of sessions held.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Keys returns the keys of all held sessions in sorted order.
func (p *Pool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sortedKeys()
}

// Capacity returns the configured bound; zero or less means unbounded.
func (p *Pool) Capacity() int {
	return p.capacity
}

// State returns the tracked state for key.
func (p *Pool) State(key string) ConnectionState {
	return p.states.get(key)
}

// Transitions returns recent state changes for key, oldest first.
func (p *Pool) Transitions(key string) []StateTransition {
	return p.states.transitions(key)
}

// OnStateChange registers a callback for every state change.
func (p *Pool) OnStateChange(cb StateChangeCallback) {
	p.states.onChange(cb)
}

func (p *Pool) sortedKeys() []string {
	keys := make([]string, 0, len(p.sessions))
	for key := range p.sessions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (p *Pool) lookup(key string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	session, ok := p.sessions[key]
	if !ok {
		return nil, &Error{Kind: KindClientNotInitialized, Msg: "no pooled session for key " + key}
	}
	return session, nil
}

func (p *Pool) emit(ctx context.Context, eventType models.EventType, key string, cfg Config, attempts int, cause error) {
	if p.sink == nil {
		return
	}
	payload := models.SessionPayload{Host: cfg.Host, Port: cfg.Port, User: cfg.User, Attempts: attempts}
	if cause != nil {
		payload.Error = cause.Error()
	}
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := p.sink.Create(ctx, models.NewSessionEvent(eventType, key, payload)); err != nil {
		p.logger.Warn().Err(err).Str("key", key).Str("event", string(eventType)).Msg("failed to record session event")
	}
}

// Handle is a caller's capability to use one pooled session. Each call looks
// the session up again, so a handle to a removed entry fails with
// ErrClientNotInitialized instead of reaching a closed session.
type Handle struct {
	key  string
	pool *Pool
}

// Key returns the pool key the handle refers to.
func (h *Handle) Key() string {
	return h.key
}

// Execute runs cmd on the pooled session.
func (h *Handle) Execute(ctx context.Context, cmd string) (*Result, error) {
	session, err := h.pool.lookup(h.key)
	if err != nil {
		return nil, err
	}
	return session.Execute(ctx, cmd)
}

// ExecuteBatch runs cmds in order on the pooled session.
func (h *Handle) ExecuteBatch(ctx context.Context, cmds []string) ([]*Result, error) {
	session, err := h.pool.lookup(h.key)
	if err != nil {
		return nil, err
	}
	return session.ExecuteBatch(ctx, cmds)
}

// IsConnected probes the pooled session; a missing entry reads as false.
func (h *Handle) IsConnected(ctx context.Context) bool {
	session, err := h.pool.lookup(h.key)
	if err != nil {
		return false
	}
	return session.IsConnected(ctx)
}

// Info returns the pooled session's connection snapshot.
func (h *Handle) Info() (ConnectionInfo, bool) {
	session, err := h.pool.lookup(h.key)
	if err != nil {
		return ConnectionInfo{}, false
	}
	return session.Info()
}

// Metrics returns the pooled session's counters.
func (h *Handle) Metrics() (Metrics, bool) {
	session, err := h.pool.lookup(h.key)
	if err != nil {
		return Metrics{}, false
	}
	return session.Metrics(), true
}
