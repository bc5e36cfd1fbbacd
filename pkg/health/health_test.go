package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type statusResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func passingCheck() CheckFunc {
	return func(context.Context) error { return nil }
}

func failingCheck(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func runN(c *check, n int) {
	for range n {
		c.run(context.Background())
	}
}

func probe(t *testing.T, endpoint http.HandlerFunc) (int, statusResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	endpoint(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var body statusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return w.Code, body
}

func TestLiveEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		runs       int
		check      CheckFunc
		wantStatus int
		wantChecks map[string]string
	}{
		{name: "no runs yet", runs: 0, check: failingCheck("down"), wantStatus: http.StatusOK},
		{name: "passing", runs: 3, check: passingCheck(), wantStatus: http.StatusOK},
		{name: "below threshold", runs: 2, check: failingCheck("temporary"), wantStatus: http.StatusOK},
		{
			name:       "past threshold",
			runs:       3,
			check:      failingCheck("connection refused"),
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"store": "connection refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			h.AddLivenessCheck("store", time.Second, tt.check)
			runN(h.livenessChecks[0], tt.runs)

			status, body := probe(t, h.LiveEndpoint)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantChecks, body.Checks)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "ok", body.Status)
			} else {
				assert.Equal(t, "unhealthy", body.Status)
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.AddReadinessCheck("store", time.Second, passingCheck())
	h.AddReadinessCheck("coupons", time.Second, failingCheck("circuit open"))

	status, body := probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, body.Checks, "_readiness")

	h.SetReady(true)
	status, _ = probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, status)

	runN(h.readinessChecks[1], 3)
	status, body = probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, map[string]string{"coupons": "circuit open"}, body.Checks)

	h.SetReady(false)
	_, body = probe(t, h.ReadyEndpoint)
	assert.Len(t, body.Checks, 2)
}

func TestIsReady(t *testing.T) {
	h := New()
	h.AddReadinessCheck("store", time.Second, passingCheck())

	assert.False(t, h.IsReady(), "should not be ready before SetReady")
	h.SetReady(true)
	assert.True(t, h.IsReady())
	h.SetReady(false)
	assert.False(t, h.IsReady())
}

func TestThresholdsAndTransitions(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	failing := true
	h := New(WithLogger(zap.New(core)), WithThresholds(2, 2))
	h.AddLivenessCheck("flaky", time.Second, func(context.Context) error {
		if failing {
			return errors.New("down")
		}
		return nil
	})
	c := h.livenessChecks[0]

	runN(c, 1)
	assert.True(t, c.isHealthy())
	runN(c, 2)
	assert.False(t, c.isHealthy())
	assert.EqualError(t, c.getLastError(), "down")

	failing = false
	runN(c, 1)
	assert.False(t, c.isHealthy(), "one success is below the success threshold")
	runN(c, 1)
	assert.True(t, c.isHealthy())
	assert.NoError(t, c.getLastError())

	// One log line per transition, not per run.
	require.Len(t, logs.All(), 2)
	assert.Equal(t, "Health check failing", logs.All()[0].Message)
	assert.Equal(t, "Health check recovered", logs.All()[1].Message)
}

func TestCheckTimeout(t *testing.T) {
	h := New(WithThresholds(1, 1))
	h.AddReadinessCheck("slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c := h.readinessChecks[0]

	runN(c, 1)
	assert.False(t, c.isHealthy())
	assert.ErrorIs(t, c.getLastError(), context.DeadlineExceeded)
}

func TestConcurrentAccess(t *testing.T) {
	h := New()
	h.AddLivenessCheck("concurrent", time.Second, failingCheck("err"))
	h.AddReadinessCheck("concurrent", time.Second, passingCheck())
	h.SetReady(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx, 10*time.Millisecond)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				h.IsReady()
				h.LiveEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/livez", nil))
				h.ReadyEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		}()
	}
	wg.Wait()
	h.Stop()
	h.Stop()
}

func TestGoroutineCountCheck(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(100000)(context.Background()))

	err := GoroutineCountCheck(0)(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds threshold")
}

func TestGCMaxPauseCheck(t *testing.T) {
	check := GCMaxPauseCheck(time.Hour)
	runtime.GC()
	assert.NoError(t, check(context.Background()))
	// No collections since the previous run.
	assert.NoError(t, check(context.Background()))
}

func TestHeapCheck(t *testing.T) {
	assert.NoError(t, HeapCheck(1<<40)(context.Background()))

	err := HeapCheck(1)(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds threshold")
}
