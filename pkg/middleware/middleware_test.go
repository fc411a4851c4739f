package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func requestFrom(remote string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/payments/pi_1/refunds", nil)
	r.RemoteAddr = remote
	return r
}

func TestRateLimiter_PerClientIP(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	defer rl.Shutdown()
	h := rl.Middleware(okHandler)

	got := make([]int, 0, 3)
	for _, port := range []string{"1000", "1001", "1002"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, requestFrom("10.0.0.1:"+port))
		got = append(got, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, got)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, requestFrom("10.0.0.2:1000"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiter_RejectionBody(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	defer rl.Shutdown()
	h := rl.Middleware(okHandler)

	h.ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.1:1"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, requestFrom("10.0.0.1:1"))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
}

func TestRateLimiter_CleanupAndEviction(t *testing.T) {
	rl := NewRateLimiter(10, 10)
	defer rl.Shutdown()
	rl.maxSize = 2

	rl.getLimiter("a")
	rl.getLimiter("b")
	rl.getLimiter("c")
	assert.Len(t, rl.limiters, 2)
	assert.NotContains(t, rl.limiters, "a")

	removed := rl.cleanup(time.Now().Add(2 * rl.cleanupInterval))
	assert.Equal(t, 2, removed)
	assert.Empty(t, rl.limiters)
}

func TestClientIP(t *testing.T) {
	assert.Equal(t, "192.168.1.5", clientIP(requestFrom("192.168.1.5:5555")))
	assert.Equal(t, "::1", clientIP(requestFrom("[::1]:80")))
	assert.Equal(t, "pipe", clientIP(requestFrom("pipe")))
}

func TestLoggingAndRecovery(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	h := Chain(panicking, Logging(logger), Recovery(logger))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, requestFrom("10.0.0.1:1"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL")

	require.Equal(t, 1, logs.FilterMessage("Panic recovered in HTTP handler").Len())
	reqLogs := logs.FilterMessage("HTTP request").All()
	require.Len(t, reqLogs, 1)
	assert.Equal(t, int64(http.StatusInternalServerError), reqLogs[0].ContextMap()["status"])
}

func TestLogging_DefaultStatus(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := Logging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	h.ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.1:1"))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, int64(http.StatusOK), logs.All()[0].ContextMap()["status"])
}

func TestGRPCInterceptors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err := RecoveryInterceptor(logger)(context.Background(), nil, info,
		func(context.Context, interface{}) (interface{}, error) { panic("boom") })
	assert.Equal(t, codes.Internal, status.Code(err))

	resp, err := LoggingInterceptor(logger)(context.Background(), nil, info,
		func(context.Context, interface{}) (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	_, err = LoggingInterceptor(logger)(context.Background(), nil, info,
		func(context.Context, interface{}) (interface{}, error) {
			return nil, status.Error(codes.Unavailable, "not ready")
		})
	assert.Equal(t, codes.Unavailable, status.Code(err))

	errLogs := logs.FilterMessage("RPC error").All()
	require.Len(t, errLogs, 1)
	assert.Equal(t, "Unavailable", errLogs[0].ContextMap()["code"])
}
