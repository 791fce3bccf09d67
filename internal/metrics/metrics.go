package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	queueEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "msync_queue_enqueued_total",
			Help: "Total number of outgoing messages written to the durable queue.",
		},
	)
	sendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msync_send_total",
			Help: "Queue delivery attempts by outcome.",
		},
		[]string{"result"},
	)
	flushRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "msync_flush_runs_total",
			Help: "Total number of queue replay passes.",
		},
	)
	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "msync_connection_state",
			Help: "1 for the current connection state, 0 otherwise.",
		},
		[]string{"state"},
	)
	reconnectAttempts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "msync_reconnect_attempts",
			Help: "Consecutive failed connection attempts.",
		},
	)
	realtimeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msync_realtime_events_total",
			Help: "Inbound realtime events by kind.",
		},
		[]string{"kind"},
	)
	dedupTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "msync_dedup_total",
			Help: "Inbound messages collapsed onto an existing entry.",
		},
	)
	notifyPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "msync_notify_publish_errors_total",
			Help: "Total number of outward event publish errors.",
		},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msync_grpc_server_handled_total",
			Help: "Total number of control API calls handled.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
)

var knownStates = []string{"disconnected", "connecting", "connected", "reconnecting"}

func init() {
	prometheus.MustRegister(
		queueEnqueuedTotal,
		sendTotal,
		flushRunsTotal,
		connectionState,
		reconnectAttempts,
		realtimeEventsTotal,
		dedupTotal,
		notifyPublishErrorsTotal,
		grpcServerHandledTotal,
	)
}

func IncEnqueued() {
	queueEnqueuedTotal.Inc()
}

// IncSend records one delivery attempt. result is sent, retry or failed.
func IncSend(result string) {
	sendTotal.WithLabelValues(result).Inc()
}

func IncFlushRun() {
	flushRunsTotal.Inc()
}

// SetConnection flips the state gauge to state and records the attempt counter.
func SetConnection(state string, attempts int) {
	for _, s := range knownStates {
		v := 0.0
		if s == state {
			v = 1
		}
		connectionState.WithLabelValues(s).Set(v)
	}
	reconnectAttempts.Set(float64(attempts))
}

func IncRealtimeEvent(kind string) {
	realtimeEventsTotal.WithLabelValues(kind).Inc()
}

func IncDedup() {
	dedupTotal.Inc()
}

func IncNotifyPublishError() {
	notifyPublishErrorsTotal.Inc()
}

// UnaryInterceptor counts control API calls by method and status code.
func UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, status.Convert(err).Code().String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

// Server exposes /metrics over HTTP.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Serve starts serving /metrics on addr. An empty addr disables the endpoint
// and returns a nil *Server, whose methods are no-ops.
func Serve(addr string) (*Server, error) {
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s := &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}
	go func() { _ = s.srv.Serve(ln) }()
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops the endpoint.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
