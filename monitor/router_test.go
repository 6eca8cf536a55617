package monitor

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/glimte/mmate-bus/broker"
	"github.com/glimte/mmate-bus/topology"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *broker.Broker, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg, "mmate_bus")
	require.NoError(t, err)

	b := newTodoBroker(t, broker.WithMetrics(collector))
	inspector := NewQueueInspector(b, WithDeadLetterQueues(topology.DeadLetterQueue))
	requests := NewRequestCounter("mmate_bus")
	require.NoError(t, reg.Register(requests))

	srv := httptest.NewServer(NewServer(b, inspector,
		WithGatherer(reg),
		WithRequestCounter(requests),
	).Routes())
	t.Cleanup(srv.Close)
	return srv, b, reg
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestServer_Queues(t *testing.T) {
	srv, b, _ := newTestServer(t)
	publishN(t, b, "todo.created", 1)

	resp, err := http.Get(srv.URL + "/queues/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Queues []queueView `json:"queues"`
	}
	decodeBody(t, resp, &list)
	assert.Len(t, list.Queues, 5)

	resp, err = http.Get(srv.URL + "/queues/" + topology.TodoCreatedQueue)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var view queueView
	decodeBody(t, resp, &view)
	assert.Equal(t, topology.TodoCreatedQueue, view.Name)
	assert.Equal(t, 1, view.Ready)
	assert.Equal(t, StatusDegraded, view.Health.Status)

	resp, err = http.Get(srv.URL + "/queues/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var apiErr apiError
	decodeBody(t, resp, &apiErr)
	assert.Equal(t, "QUEUE_NOT_FOUND", apiErr.Code)
}

func TestServer_Exchanges(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/exchanges/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Exchanges []exchangeView `json:"exchanges"`
	}
	decodeBody(t, resp, &list)
	require.Len(t, list.Exchanges, 4)

	byName := make(map[string]exchangeView)
	for _, ex := range list.Exchanges {
		byName[ex.Name] = ex
	}
	assert.Equal(t, "topic", byName[topology.TodoEventExchange].Kind)
	assert.Len(t, byName[topology.TodoEventExchange].Bindings, 3)
	assert.Empty(t, byName[topology.BroadcastExchange].Bindings)
}

func TestServer_Publish(t *testing.T) {
	tests := []struct {
		name       string
		exchange   string
		body       string
		wantStatus int
		wantRouted bool
		wantCode   string
	}{
		{
			name:       "routed",
			exchange:   topology.TodoEventExchange,
			body:       `{"routingKey":"todo.updated","body":"{}","messageId":"m-1","headers":{"x-event-type":"updated"}}`,
			wantStatus: http.StatusAccepted,
			wantRouted: true,
		},
		{
			name:       "unrouted",
			exchange:   topology.TodoEventExchange,
			body:       `{"routingKey":"user.created","body":"{}"}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "unknown exchange",
			exchange:   "missing",
			body:       `{"routingKey":"x"}`,
			wantStatus: http.StatusNotFound,
			wantCode:   "EXCHANGE_NOT_FOUND",
		},
		{
			name:       "unknown field",
			exchange:   topology.TodoEventExchange,
			body:       `{"routingKey":"x","priority":1}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, b, _ := newTestServer(t)

			resp, err := http.Post(srv.URL+"/exchanges/"+tt.exchange+"/publish", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			if tt.wantCode != "" {
				var apiErr apiError
				decodeBody(t, resp, &apiErr)
				assert.Equal(t, tt.wantCode, apiErr.Code)
				return
			}

			var out publishResponse
			decodeBody(t, resp, &out)
			assert.Equal(t, tt.wantRouted, out.Routed)
			assert.NotEmpty(t, out.MessageID)
			if tt.wantRouted {
				assert.ElementsMatch(t, []string{topology.TodoUpdatedQueue, topology.UserNotificationQueue}, out.TargetQueues)
				assert.Equal(t, "m-1", out.MessageID)

				q, ok := b.Queue(topology.TodoUpdatedQueue)
				require.True(t, ok)
				env, ok := q.PeekNext()
				require.True(t, ok)
				assert.Equal(t, "updated", env.Headers["x-event-type"])
			} else {
				assert.Empty(t, out.TargetQueues)
			}
		})
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	srv, b, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/livez")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var health OverallHealth
	decodeBody(t, resp, &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatusHealthy, health.Status)
	assert.Contains(t, health.Checks, "queues")

	publishN(t, b, "todo.created", 1)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `mmate_bus_messages_published_total{exchange="todo.event.exchange",routed="true"} 1`)
	assert.Contains(t, string(body), `mmate_bus_http_requests_total{method="GET",route="/healthz",status="200"} 1`)

	require.NoError(t, b.Close())
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
