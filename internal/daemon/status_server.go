package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"headless/internal/config"
	"headless/internal/logging"
	"headless/internal/metrics"
)

// statusServer exports /metrics and a read-only /api/status. It never
// touches key material or prompts.
type statusServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newStatusServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *statusServer {
	if cfg == nil || d == nil || cfg.Metrics.Bind == "" {
		return nil
	}
	srv := &statusServer{
		bind:   cfg.Metrics.Bind,
		logger: logging.NewComponentLogger(logger, "status-api"),
		daemon: d,
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", authMiddleware(cfg.Metrics.Token, metrics.Handler(d.Registry()).ServeHTTP))
	mux.HandleFunc("/api/status", authMiddleware(cfg.Metrics.Token, srv.handleStatus))
	mux.HandleFunc("/api/wallets", authMiddleware(cfg.Metrics.Token, srv.handleWallets))

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *statusServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("status listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "status_server_error"),
			)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("status endpoint listening",
		logging.String("address", listener.Addr().String()),
		logging.String(logging.FieldEventType, "status_server_listening"),
	)
	return nil
}

func (s *statusServer) stop() {
	if s == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// Addr is the bound address; empty before start.
func (s *statusServer) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

type walletView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Encrypted    bool   `json:"encrypted"`
	WatchingOnly bool   `json:"watching_only"`
	Primary      bool   `json:"primary"`
}

func (s *statusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.daemon.Status())
}

func (s *statusServer) handleWallets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	roots := s.daemon.Wallets()
	views := make([]walletView, 0, len(roots))
	for _, info := range roots {
		views = append(views, walletView{
			ID:           info.ID,
			Name:         info.Name,
			Description:  info.Description,
			Encrypted:    info.Encrypted(),
			WatchingOnly: info.WatchingOnly,
			Primary:      info.Primary,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"wallets": views})
}

func (s *statusServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("status response write failed", logging.Error(err))
	}
}

func (s *statusServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
