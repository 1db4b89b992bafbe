package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ============================================================================
// Status Server
// ============================================================================
// HTTP surface for observers, separate from the command listener:
//
//   GET  /ws/state   state websocket (see state_ws.go)
//   GET  /healthz    JSON snapshot plus observer count
//   POST /sim/input  drive a simulated input (sim backend only)
//
// ============================================================================

const statusShutdownTimeout = 3 * time.Second

// newStatusMux registers the status handlers. sim may be nil.
func newStatusMux(state *StateServer, hub *Hub, snapshots SnapshotSource, sim map[string]*memLine, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /ws/state", state)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), snapshotWait)
		defer cancel()

		snap, err := snapshots.Snapshot(ctx)
		if err != nil {
			http.Error(w, "snapshot unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, logger, struct {
			Status    string        `json:"status"`
			Version   string        `json:"version"`
			Observers int           `json:"observers"`
			State     StateSnapshot `json:"state"`
		}{"ok", version, hub.ClientCount(), snap})
	})
	if len(sim) > 0 {
		mux.HandleFunc("POST /sim/input", simInputHandler(sim, logger))
	}
	return mux
}

// simInputHandler drives a simulated line:
//
//	/sim/input?line=button&level=1
//	/sim/input?line=encoder_a&pulse=1
func simInputHandler(sim map[string]*memLine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		name := q.Get("line")
		line, ok := sim[name]
		if !ok {
			http.Error(w, fmt.Sprintf("unknown line %q", name), http.StatusNotFound)
			return
		}

		if q.Get("pulse") != "" {
			line.Pulse()
			logger.Debug("sim input pulsed", "line", name)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		level, err := strconv.ParseBool(q.Get("level"))
		if err != nil {
			http.Error(w, "level must be a boolean", http.StatusBadRequest)
			return
		}
		line.Set(level)
		logger.Debug("sim input set", "line", name, "level", level)
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("status response write failed", "error", err)
	}
}

// runStatusServer serves handler on addr and shuts it down gracefully when
// ctx is canceled. The server is optional: if addr cannot be bound the error
// is logged and the server is skipped so the control tasks keep running.
func runStatusServer(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("status server disabled", "addr", addr, "error", err)
		return nil
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("status server listening", "addr", ln.Addr().String())
		// Serve returns http.ErrServerClosed on Shutdown; treat that as clean exit.
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("status server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), statusShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown", "error", err)
		}
		// Wait for the Serve goroutine to return.
		<-errCh
		return nil

	case err := <-errCh:
		// Serving stopped on its own; observers are lost but control continues.
		logger.Error("status server stopped", "error", err)
		return nil
	}
}
