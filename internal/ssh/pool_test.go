package ssh

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/kbuilder/internal/models"
)

type memorySink struct {
	mu     sync.Mutex
	events []*models.Event
	err    error
}

func (s *memorySink) Create(ctx context.Context, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *memorySink) Types() []models.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestPool(t *testing.T, capacity int, transport Transport, opts ...PoolOption) *Pool {
	t.Helper()
	base := []PoolOption{
		WithPoolLogger(zerolog.Nop()),
		WithSessionOptions(
			WithTransport(transport),
			WithLogger(zerolog.Nop()),
			WithBackoffJitter(zeroJitter),
			WithSleeper((&recordingSleeper{}).Sleep),
		),
	}
	return NewPool(capacity, append(base, opts...)...)
}

func TestPoolCapacity(t *testing.T) {
	transport := &fakeTransport{}
	pool := newTestPool(t, 2, transport)
	cfg := testConfig(t)
	ctx := context.Background()

	_, err := pool.GetOrCreate(ctx, "vm-1", cfg)
	require.NoError(t, err)
	_, err = pool.GetOrCreate(ctx, "vm-2", cfg)
	require.NoError(t, err)

	handle, err := pool.GetOrCreate(ctx, "vm-3", cfg)
	require.Nil(t, handle)
	require.ErrorIs(t, err, ErrConnectionFailed)
	require.Contains(t, err.Error(), "maximum connections reached")

	require.Equal(t, 2, pool.Len())
	require.Equal(t, []string{"vm-1", "vm-2"}, pool.Keys())
	require.Equal(t, 2, transport.Dials())
}

func TestPoolCapacityOneSecondKeyFails(t *testing.T) {
	transport := &fakeTransport{}
	pool := newTestPool(t, 1, transport)
	cfg := testConfig(t)

	_, err := pool.GetOrCreate(context.Background(), "a", cfg)
	require.NoError(t, err)
	_, err = pool.GetOrCreate(context.Background(), "b", cfg)
	require.ErrorIs(t, err, ErrConnectionFailed)
	require.Equal(t, 1, transport.Dials())
}

func TestPoolExistingKeyReturnsSameSession(t *testing.T) {
	transport := &fakeTransport{}
	pool := newTestPool(t, 1, transport)
	cfg := testConfig(t)
	ctx := context.Background()

	first, err := pool.GetOrCreate(ctx, "vm-1", cfg)
	require.NoError(t, err)

	other := cfg
	other.Host = "ignored.test"
	second, err := pool.GetOrCreate(ctx, "vm-1", other)
	require.NoError(t, err)

	require.Equal(t, first.Key(), second.Key())
	require.Equal(t, 1, pool.Len())
	require.Equal(t, 1, transport.Dials())

	info, ok := second.Info()
	require.True(t, ok)
	require.Equal(t, "vm.test", info.Host)

	_, err = first.Execute(ctx, "uptime")
	require.NoError(t, err)
	_, err = second.Execute(ctx, "uptime")
	require.NoError(t, err)
	require.Len(t, transport.Conn(0).Commands(), 2)
}

func TestPoolFailedConnectDoesNotConsumeCapacity(t *testing.T) {
	transport := &fakeTransport{failures: []error{
		errors.New("refused"), errors.New("refused"), errors.New("refused"),
	}}
	pool := newTestPool(t, 1, transport)
	cfg := testConfig(t)

	_, err := pool.GetOrCreate(context.Background(), "vm-1", cfg)
	require.ErrorIs(t, err, ErrConnectionFailed)
	require.Zero(t, pool.Len())
	require.Equal(t, StateFailed, pool.State("vm-1"))

	_, err = pool.GetOrCreate(context.Background(), "vm-2", cfg)
	require.NoError(t, err)
	require.Equal(t, 1, pool.Len())
}

func TestPoolRemove(t *testing.T) {
	transport := &fakeTransport{}
	pool := newTestPool(t, 0, transport)
	cfg := testConfig(t)
	ctx := context.Background()

	handle, err := pool.GetOrCreate(ctx, "vm-1", cfg)
	require.NoError(t, err)

	require.NoError(t, pool.Remove("vm-1"))
	require.NoError(t, pool.Remove("vm-1"))
	require.NoError(t, pool.Remove("never-added"))
	require.Zero(t, pool.Len())
	require.Equal(t, 1, transport.Conn(0).Closes())

	_, err = handle.Execute(ctx, "true")
	require.ErrorIs(t, err, ErrClientNotInitialized)
	_, err = handle.ExecuteBatch(ctx, []string{"true"})
	require.ErrorIs(t, err, ErrClientNotInitialized)
	require.False(t, handle.IsConnected(ctx))
	_, ok := handle.Info()
	require.False(t, ok)
}

func TestPoolRemoveSurfacesDisconnectError(t *testing.T) {
	transport := &fakeTransport{newConn: func() *fakeConn {
		return &fakeConn{closeErr: errors.New("master gone")}
	}}
	pool := newTestPool(t, 0, transport)

	_, err := pool.GetOrCreate(context.Background(), "vm-1", testConfig(t))
	require.NoError(t, err)

	err = pool.Remove("vm-1")
	require.ErrorIs(t, err, ErrSessionFailed)
	require.Zero(t, pool.Len())
}

func TestPoolCloseAllAttemptsEveryEntry(t *testing.T) {
	var (
		mu    sync.Mutex
		count int
	)
	transport := &fakeTransport{newConn: func() *fakeConn {
		mu.Lock()
		defer mu.Unlock()
		count++
		conn := &fakeConn{}
		if count == 2 {
			conn.closeErr = errors.New("close failed")
		}
		return conn
	}}
	pool := newTestPool(t, 0, transport)
	cfg := testConfig(t)

	for _, key := range []string{"a", "b", "c", "d"} {
		_, err := pool.GetOrCreate(context.Background(), key, cfg)
		require.NoError(t, err)
	}

	pool.CloseAll()

	require.Zero(t, pool.Len())
	for i := 0; i < 4; i++ {
		require.Equal(t, 1, transport.Conn(i).Closes(), "conn %d", i)
	}
}

func TestPoolEventsAndStates(t *testing.T) {
	sink := &memorySink{}
	transport := &fakeTransport{failures: []error{
		errors.New("refused"), errors.New("refused"), errors.New("refused"),
	}}
	pool := newTestPool(t, 0, transport, WithEventSink(sink))
	cfg := testConfig(t)

	var changes []string
	pool.OnStateChange(func(key string, from, to ConnectionState) {
		changes = append(changes, key+":"+from.String()+"->"+to.String())
	})

	_, err := pool.GetOrCreate(context.Background(), "vm-1", cfg)
	require.Error(t, err)
	_, err = pool.GetOrCreate(context.Background(), "vm-1", cfg)
	require.NoError(t, err)
	require.NoError(t, pool.Remove("vm-1"))

	require.Equal(t, []models.EventType{
		models.EventTypeSessionConnectFailed,
		models.EventTypeSessionConnected,
		models.EventTypeSessionDisconnected,
		models.EventTypeSessionRemoved,
	}, sink.Types())

	var payload models.SessionPayload
	require.NoError(t, json.Unmarshal(sink.events[0].Payload, &payload))
	require.Equal(t, "vm.test", payload.Host)
	require.Equal(t, 3, payload.Attempts)
	require.NotEmpty(t, payload.Error)

	require.Equal(t, []string{
		"vm-1:disconnected->connecting",
		"vm-1:connecting->failed",
		"vm-1:failed->connecting",
		"vm-1:connecting->connected",
		"vm-1:connected->disconnected",
	}, changes)
	require.Empty(t, pool.Transitions("vm-1"))
}

func TestPoolSinkFailureDoesNotFailOperation(t *testing.T) {
	sink := &memorySink{err: errors.New("database locked")}
	pool := newTestPool(t, 0, &fakeTransport{}, WithEventSink(sink))

	_, err := pool.GetOrCreate(context.Background(), "vm-1", testConfig(t))
	require.NoError(t, err)
	require.Len(t, sink.Types(), 1)
}

func TestPoolCheckAll(t *testing.T) {
	transport := &fakeTransport{}
	pool := newTestPool(t, 0, transport)
	cfg := testConfig(t)

	_, err := pool.GetOrCreate(context.Background(), "vm-1", cfg)
	require.NoError(t, err)
	_, err = pool.GetOrCreate(context.Background(), "vm-2", cfg)
	require.NoError(t, err)

	transport.Conn(1).run = func(ctx context.Context, cmd string) ([]byte, []byte, int, error) {
		return nil, nil, -1, errors.New("eof")
	}

	status := pool.CheckAll(context.Background())
	require.Equal(t, map[string]bool{"vm-1": true, "vm-2": false}, status)
	require.Equal(t, StateConnected, pool.State("vm-1"))
	require.Equal(t, StateFailed, pool.State("vm-2"))
}

func TestHandleMetrics(t *testing.T) {
	pool := newTestPool(t, 0, &fakeTransport{})
	handle, err := pool.GetOrCreate(context.Background(), "vm-1", testConfig(t))
	require.NoError(t, err)

	_, err = handle.ExecuteBatch(context.Background(), []string{"true", "true"})
	require.NoError(t, err)

	metrics, ok := handle.Metrics()
	require.True(t, ok)
	require.EqualValues(t, 2, metrics.CommandsRun)
	require.Equal(t, 1, metrics.ConnectAttempts)
	require.True(t, handle.IsConnected(context.Background()))
}

// gatedTransport holds every dial until release is closed.
type gatedTransport struct {
	release chan struct{}
	entered chan struct{}
	once    sync.Once
	mu      sync.Mutex
	dials   int
}

func newGatedTransport() *gatedTransport {
	return &gatedTransport{release: make(chan struct{}), entered: make(chan struct{})}
}

func (t *gatedTransport) Dial(ctx context.Context, cfg Config, keyPath string) (Conn, error) {
	t.mu.Lock()
	t.dials++
	t.mu.Unlock()
	t.once.Do(func() { close(t.entered) })
	select {
	case <-t.release:
		return &fakeConn{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *gatedTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// newSplitPool routes sessions for host "stuck.test" to gated and every
// other host to healthy.
func newSplitPool(capacity int, healthy Transport, gated *gatedTransport) *Pool {
	return NewPool(capacity,
		WithPoolLogger(zerolog.Nop()),
		WithSessionFactory(func(cfg Config) (*Session, error) {
			transport := healthy
			if cfg.Host == "stuck.test" {
				transport = gated
			}
			return NewSession(cfg,
				WithTransport(transport),
				WithLogger(zerolog.Nop()),
				WithBackoffJitter(zeroJitter),
				WithSleeper((&recordingSleeper{}).Sleep),
			)
		}),
	)
}

func TestPoolSlowConnectDoesNotBlockOtherKeys(t *testing.T) {
	gated := newGatedTransport()
	pool := newSplitPool(0, &fakeTransport{}, gated)
	cfg := testConfig(t)
	cfg.Timeout = time.Minute
	ctx := context.Background()

	healthy, err := pool.GetOrCreate(ctx, "a", cfg)
	require.NoError(t, err)

	stuckCfg := cfg
	stuckCfg.Host = "stuck.test"
	errs := make(chan error, 1)
	go func() {
		_, err := pool.GetOrCreate(ctx, "b", stuckCfg)
		errs <- err
	}()
	<-gated.entered

	start := time.Now()
	_, err = healthy.Execute(ctx, "true")
	require.NoError(t, err)
	require.True(t, healthy.IsConnected(ctx))
	require.Equal(t, map[string]bool{"a": true}, pool.CheckAll(ctx))
	require.Equal(t, []string{"a"}, pool.Keys())
	require.Less(t, time.Since(start), time.Second)

	close(gated.release)
	require.NoError(t, <-errs)
	require.Equal(t, []string{"a", "b"}, pool.Keys())
}

func TestPoolPendingConnectCountsTowardCapacity(t *testing.T) {
	gated := newGatedTransport()
	transport := &fakeTransport{}
	pool := newSplitPool(1, transport, gated)
	cfg := testConfig(t)
	cfg.Timeout = time.Minute
	ctx := context.Background()

	stuckCfg := cfg
	stuckCfg.Host = "stuck.test"
	errs := make(chan error, 1)
	go func() {
		_, err := pool.GetOrCreate(ctx, "b", stuckCfg)
		errs <- err
	}()
	<-gated.entered

	_, err := pool.GetOrCreate(ctx, "a", cfg)
	require.ErrorIs(t, err, ErrConnectionFailed)
	require.Contains(t, err.Error(), "maximum connections reached")
	require.Zero(t, transport.Dials())

	close(gated.release)
	require.NoError(t, <-errs)
	require.Equal(t, 1, pool.Len())
}

func TestPoolConcurrentCallersShareOneConnect(t *testing.T) {
	gated := newGatedTransport()
	pool := newSplitPool(0, &fakeTransport{}, gated)
	cfg := testConfig(t)
	cfg.Host = "stuck.test"
	cfg.Timeout = time.Minute
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.GetOrCreate(ctx, "b", cfg)
			errs <- err
		}()
	}
	<-gated.entered
	close(gated.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, gated.Dials())
	require.Equal(t, 1, pool.Len())
}
