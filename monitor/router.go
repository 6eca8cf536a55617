package monitor

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/glimte/mmate-bus/broker"
	"github.com/glimte/mmate-bus/routing"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Admin is the broker surface used by the HTTP API. *broker.Broker
// implements it.
type Admin interface {
	StatsSource
	broker.Publisher
	Router() *routing.Router
}

// Server holds the dependencies of the admin HTTP API
type Server struct {
	admin         Admin
	inspector     *QueueInspector
	health        *Registry
	gatherer      prometheus.Gatherer
	logger        *slog.Logger
	healthTimeout time.Duration
	maxBodyBytes  int64
	requests      *prometheus.CounterVec
}

// ServerOption configures the Server
type ServerOption func(*Server)

// WithServerLogger sets the logger
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGatherer sets the registry served on /metrics
func WithGatherer(gatherer prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = gatherer
	}
}

// WithHealthRegistry replaces the default health registry
func WithHealthRegistry(registry *Registry) ServerOption {
	return func(s *Server) {
		s.health = registry
	}
}

// WithRequestCounter counts HTTP requests by route and status
func WithRequestCounter(counter *prometheus.CounterVec) ServerOption {
	return func(s *Server) {
		s.requests = counter
	}
}

// NewServer creates the admin API. Unless a registry is given, the health
// registry contains the queue inspector.
func NewServer(admin Admin, inspector *QueueInspector, options ...ServerOption) *Server {
	s := &Server{
		admin:         admin,
		inspector:     inspector,
		gatherer:      prometheus.DefaultGatherer,
		logger:        slog.Default(),
		healthTimeout: 5 * time.Second,
		maxBodyBytes:  1 << 20,
	}

	for _, opt := range options {
		opt(s)
	}

	if s.health == nil {
		s.health = NewRegistry()
		s.health.Register(inspector)
	}
	return s
}

// NewRequestCounter creates the counter used by WithRequestCounter
func NewRequestCounter(namespace string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of admin HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
}

// Routes registers the admin endpoints
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/livez", LivenessHandler())
	r.Get("/healthz", HealthHandler(s.health, s.healthTimeout))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/queues", func(r chi.Router) {
		r.Get("/", s.listQueues)
		r.Get("/{name}", s.getQueue)
	})

	r.Route("/exchanges", func(r chi.Router) {
		r.Get("/", s.listExchanges)
		r.Post("/{name}/publish", s.publish)
	})

	return r
}

type queueView struct {
	broker.QueueStats
	Health QueueHealth `json:"health"`
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	stats := s.admin.Stats()
	out := make([]queueView, 0, len(stats))
	for _, st := range stats {
		health, _ := s.inspector.QueueHealth(st.Name)
		out = append(out, queueView{QueueStats: st, Health: health})
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": out})
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	stats, ok := s.admin.QueueStats(name)
	if !ok {
		writeError(w, http.StatusNotFound, "QUEUE_NOT_FOUND", "queue "+name+" is not declared")
		return
	}
	health, _ := s.inspector.QueueHealth(name)
	writeJSON(w, http.StatusOK, queueView{QueueStats: stats, Health: health})
}

type bindingView struct {
	Queue   string `json:"queue"`
	Pattern string `json:"pattern"`
}

type exchangeView struct {
	Name     string        `json:"name"`
	Kind     string        `json:"kind"`
	Durable  bool          `json:"durable"`
	Bindings []bindingView `json:"bindings"`
}

func (s *Server) listExchanges(w http.ResponseWriter, r *http.Request) {
	router := s.admin.Router()
	exchanges := router.Exchanges()
	out := make([]exchangeView, 0, len(exchanges))
	for _, ex := range exchanges {
		view := exchangeView{Name: ex.Name, Kind: string(ex.Kind), Durable: ex.Durable, Bindings: []bindingView{}}
		for _, b := range router.Bindings(ex.Name) {
			view.Bindings = append(view.Bindings, bindingView{Queue: b.Queue, Pattern: b.Pattern})
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"exchanges": out})
}

type publishRequest struct {
	RoutingKey  string         `json:"routingKey"`
	Body        string         `json:"body"`
	ContentType string         `json:"contentType"`
	MessageID   string         `json:"messageId"`
	Headers     map[string]any `json:"headers"`
}

type publishResponse struct {
	Routed       bool     `json:"routed"`
	TargetQueues []string `json:"targetQueues"`
	MessageID    string   `json:"messageId"`
}

// publish injects a message by hand, for testing bindings and consumers
func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	exchange := chi.URLParam(r, "name")

	var req publishRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	msg := broker.Message{
		MessageID:   req.MessageID,
		Body:        []byte(req.Body),
		ContentType: req.ContentType,
	}
	if len(req.Headers) > 0 {
		msg.Headers = amqp.Table(req.Headers)
	}

	outcome, err := s.admin.Publish(r.Context(), exchange, req.RoutingKey, msg)
	if err != nil {
		status, code := http.StatusInternalServerError, "PUBLISH_FAILED"
		switch {
		case broker.IsUnknownExchange(err):
			status, code = http.StatusNotFound, "EXCHANGE_NOT_FOUND"
		case errors.Is(err, broker.ErrQueueFull):
			status, code = http.StatusServiceUnavailable, "QUEUE_FULL"
		}
		s.logger.Warn("admin publish failed", "exchange", exchange, "routingKey", req.RoutingKey, "error", err)
		writeError(w, status, code, err.Error())
		return
	}

	targets := outcome.TargetQueues
	if targets == nil {
		targets = []string{}
	}
	writeJSON(w, http.StatusAccepted, publishResponse{
		Routed:       outcome.Routed,
		TargetQueues: targets,
		MessageID:    outcome.MessageID,
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		if s.requests != nil {
			s.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		}
		s.logger.Debug("admin request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", time.Since(start),
			"requestId", middleware.GetReqID(r.Context()),
		)
	})
}

type apiError struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, apiError{Status: "error", Code: code, Message: message})
}
