package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticChecker struct {
	name   string
	status Status
	delay  time.Duration
}

func (c staticChecker) Name() string { return c.name }

func (c staticChecker) Check(ctx context.Context) CheckResult {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
		}
	}
	return CheckResult{Status: c.status, Timestamp: time.Now()}
}

func TestRegistry_Check(t *testing.T) {
	t.Run("worst status wins", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker{name: "a", status: StatusHealthy})
		registry.Register(staticChecker{name: "b", status: StatusDegraded})

		health := registry.Check(context.Background())
		assert.Equal(t, StatusDegraded, health.Status)
		assert.Len(t, health.Checks, 2)
		assert.Equal(t, "b", health.Checks["b"].Name)
		assert.Equal(t, []string{"a", "b"}, registry.Names())

		registry.Register(staticChecker{name: "c", status: StatusUnhealthy})
		assert.Equal(t, StatusUnhealthy, registry.Check(context.Background()).Status)
	})

	t.Run("empty registry is healthy", func(t *testing.T) {
		assert.Equal(t, StatusHealthy, NewRegistry().Check(context.Background()).Status)
	})

	t.Run("slow check times out", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker{name: "slow", status: StatusHealthy, delay: time.Second})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		health := registry.Check(ctx)
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Contains(t, health.Checks["slow"].Message, "timed out")
	})
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		status     Status
		wantStatus int
	}{
		{"healthy", StatusHealthy, http.StatusOK},
		{"degraded", StatusDegraded, http.StatusOK},
		{"unhealthy", StatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			registry.Register(staticChecker{name: "x", status: tt.status})

			rec := httptest.NewRecorder()
			HealthHandler(registry, time.Second)(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body OverallHealth
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body.Status)
		})
	}
}
