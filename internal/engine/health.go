package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"geyser-indexer-go/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/sugawarayuuta/sonnet"
)

const (
	healthyStatus   = "healthy"
	degradedStatus  = "degraded"
	unhealthyStatus = "unhealthy"

	// 队列超过容量 90% 视为 degraded
	queueDegradedRatio = 0.9
)

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status    string           `json:"status"`
	State     string           `json:"state"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
}

// Check 单个检查项
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthSource is what the health endpoints inspect.
type HealthSource interface {
	State() State
	PoolHealthy() bool
	QueueDepth(kind models.Kind) (depth, capacity int)
	LastSeenSlot() uint64
	HighestRootedSlot() uint64
	IngestRate() float64
}

// HealthServer serves liveness, readiness and Prometheus metrics.
type HealthServer struct {
	source   HealthSource
	registry *prometheus.Registry
	log      zerolog.Logger
	srv      *http.Server
}

func NewHealthServer(source HealthSource, registry *prometheus.Registry, log zerolog.Logger) *HealthServer {
	return &HealthServer{
		source:   source,
		registry: registry,
		log:      log.With().Str("component", "health").Logger(),
	}
}

// RegisterRoutes 注册健康检查路由
func (h *HealthServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.Healthz)
	mux.HandleFunc("/healthz/ready", h.Ready)
	mux.HandleFunc("/healthz/live", h.Live)
	if h.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{Registry: h.registry}))
	}
}

// Start binds addr and serves in the background. Bind errors are returned
// so a bad metrics_addr fails the load.
func (h *HealthServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health server listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	h.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error().Err(err).Msg("health_server_failed")
		}
	}()
	h.log.Info().Str("addr", ln.Addr().String()).Msg("health_server_started")
	return nil
}

func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.srv == nil {
		return nil
	}
	return h.srv.Shutdown(ctx)
}

// Healthz 完整健康检查
func (h *HealthServer) Healthz(w http.ResponseWriter, _ *http.Request) {
	status := h.snapshot()
	code := http.StatusOK
	if status.Status == unhealthyStatus {
		code = http.StatusServiceUnavailable
	}
	h.write(w, code, status)
}

// Ready 就绪检查: 插件在运行且连接池健康
func (h *HealthServer) Ready(w http.ResponseWriter, _ *http.Request) {
	state := h.source.State()
	if state == StateRunning && h.source.PoolHealthy() {
		h.write(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	h.write(w, http.StatusServiceUnavailable, map[string]string{
		"status": "not_ready",
		"state":  state.String(),
	})
}

// Live 存活检查
func (h *HealthServer) Live(w http.ResponseWriter, _ *http.Request) {
	h.write(w, http.StatusOK, map[string]interface{}{
		"status":         "alive",
		"last_seen_slot": h.source.LastSeenSlot(),
		"ingest_rate":    h.source.IngestRate(),
	})
}

func (h *HealthServer) snapshot() HealthStatus {
	state := h.source.State()
	status := HealthStatus{
		State:     state.String(),
		Timestamp: time.Now(),
		Checks:    make(map[string]Check),
	}

	pool := Check{Status: healthyStatus}
	if !h.source.PoolHealthy() {
		pool = Check{Status: unhealthyStatus, Message: "reconnect budget exhausted"}
	}
	status.Checks["database"] = pool

	for _, k := range models.AllKinds {
		depth, capacity := h.source.QueueDepth(k)
		c := Check{Status: healthyStatus, Message: fmt.Sprintf("depth %d/%d", depth, capacity)}
		if capacity > 0 && float64(depth) >= queueDegradedRatio*float64(capacity) {
			c.Status = degradedStatus
		}
		status.Checks["queue_"+k.String()] = c
	}
	status.Checks["slots"] = Check{
		Status:  healthyStatus,
		Message: fmt.Sprintf("last_seen %d, highest_rooted %d", h.source.LastSeenSlot(), h.source.HighestRootedSlot()),
	}

	status.Status = healthyStatus
	for _, c := range status.Checks {
		switch c.Status {
		case unhealthyStatus:
			status.Status = unhealthyStatus
		case degradedStatus:
			if status.Status == healthyStatus {
				status.Status = degradedStatus
			}
		}
	}
	if state != StateRunning {
		status.Status = unhealthyStatus
	}
	return status
}

func (h *HealthServer) write(w http.ResponseWriter, code int, v interface{}) {
	body, err := sonnet.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Msg("failed_to_encode_health_response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
