package shutdown

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestManager_ShutdownRunsInReverseOrder(t *testing.T) {
	m := NewManager(zap.NewNop(), time.Second)

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}

	m.RegisterNoErr("database", record("database"))
	m.RegisterNoErr("recovery", record("recovery"))
	m.RegisterNoErr("http", record("http"))

	require.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"http", "recovery", "database"}, order)
}

func TestManager_ShutdownJoinsErrorsAndContinues(t *testing.T) {
	m := NewManager(zap.NewNop(), time.Second)

	closed := false
	m.RegisterNoErr("database", func() { closed = true })
	m.Register("http", func(context.Context) error { return errors.New("listener stuck") })

	err := m.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http: listener stuck")
	assert.True(t, closed)
}

func TestManager_ShutdownOnce(t *testing.T) {
	m := NewManager(zap.NewNop(), time.Second)
	calls := 0
	m.RegisterNoErr("worker", func() { calls++ })

	require.NoError(t, m.Shutdown())
	require.NoError(t, m.Shutdown())
	assert.Equal(t, 1, calls)
}

func TestManager_WaitForShutdownOnContextCancel(t *testing.T) {
	m := NewManager(zap.NewNop(), time.Second)
	stopped := make(chan struct{})
	m.RegisterNoErr("worker", func() { close(stopped) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, m.WaitForShutdown(ctx))
	<-stopped
}

func TestInFlightTracker_WaitsForWork(t *testing.T) {
	tracker := NewInFlightTracker("recovery", zap.NewNop())

	started := make(chan struct{})
	release := make(chan struct{})
	go tracker.Run(func() {
		close(started)
		<-release
	})
	<-started

	done := make(chan error, 1)
	go func() { done <- tracker.Shutdown(context.Background()) }()

	assert.Eventually(t, tracker.IsShuttingDown, time.Second, time.Millisecond)
	assert.False(t, tracker.Run(func() { t.Error("ran after shutdown") }))

	close(release)
	require.NoError(t, <-done)
}

func TestInFlightTracker_ShutdownTimeout(t *testing.T) {
	tracker := NewInFlightTracker("recovery", zap.NewNop())
	require.True(t, tracker.Add())
	defer tracker.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tracker.Shutdown(ctx), context.DeadlineExceeded)
}

func TestInFlightTracker_Middleware(t *testing.T) {
	tracker := NewInFlightTracker("cron", zap.NewNop())
	h := tracker.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cron/recover", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	require.NoError(t, tracker.Shutdown(context.Background()))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cron/recover", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
