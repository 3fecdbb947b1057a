package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"turnip/internal/registry"
)

// AdminServer serves health, metrics and a registry dump over HTTP.
type AdminServer struct {
	server   *http.Server
	logger   *slog.Logger
	id       uuid.UUID
	registry *registry.Registry
	now      func() time.Time
}

// NewAdminServer creates the admin server for srv. Metrics are served
// from gatherer.
func NewAdminServer(addr string, srv *Server, gatherer prometheus.Gatherer, logger *slog.Logger) *AdminServer {
	a := &AdminServer{
		logger:   logger,
		id:       srv.ID,
		registry: srv.registry,
		now:      srv.clock.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/clients", a.handleClients)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	a.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return a
}

// Handler returns the admin routes.
func (a *AdminServer) Handler() http.Handler {
	return a.server.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (a *AdminServer) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		a.logger.Info("Admin server started", slog.String("address", a.server.Addr))
		errc <- a.server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

func (a *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok\n"))
}

func (a *AdminServer) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot, err := clientsSnapshot(a.id, a.registry.Snapshot(), a.now())
	if err != nil {
		a.logger.Error("Failed to build clients snapshot", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out, err := protojson.MarshalOptions{Multiline: true}.Marshal(snapshot)
	if err != nil {
		a.logger.Error("Failed to marshal clients snapshot", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

// clientsSnapshot renders registry entries as a protobuf Struct.
func clientsSnapshot(id uuid.UUID, entries []registry.Entry, now time.Time) (*structpb.Struct, error) {
	clients := make([]any, 0, len(entries))
	for _, e := range entries {
		ports := make([]any, 0, len(e.Ports))
		for _, port := range slices.Sorted(maps.Keys(e.Ports)) {
			seen := e.Ports[port]
			ports = append(ports, map[string]any{
				"port":        int(port),
				"last_seen":   seen.UTC().Format(time.RFC3339Nano),
				"age_seconds": now.Sub(seen).Seconds(),
			})
		}
		clients = append(clients, map[string]any{
			"ip":    e.Key.IP.String(),
			"port":  int(e.Key.Port),
			"ports": ports,
		})
	}

	return structpb.NewStruct(map[string]any{
		"instance": id.String(),
		"time":     now.UTC().Format(time.RFC3339Nano),
		"clients":  clients,
	})
}
