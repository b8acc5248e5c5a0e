package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fisaks/algodomo/internal/config"
	"github.com/fisaks/algodomo/internal/dispatch"
	"github.com/fisaks/algodomo/internal/domo"
	"github.com/fisaks/algodomo/internal/errcode"
	"github.com/fisaks/algodomo/internal/gateway"
	"github.com/fisaks/algodomo/internal/logging"
	"github.com/fisaks/algodomo/internal/program"
	"github.com/fisaks/algodomo/internal/protocol"
	"github.com/fisaks/algodomo/internal/state"
)

// Core is what the API needs from gateway.Gateway.
type Core interface {
	Dispatch(ctx context.Context, entityID, action string, params domo.Params) (state.EntityState, error)
	PollOne(ctx context.Context, address byte) (protocol.PollStatus, error)
	ProgramAddress(ctx context.Context, newAddress byte) (program.Result, error)
	ReadCache(entityID string) (state.EntityState, bool)
	ResolveEntity(kind domo.Kind, address byte, channel int) (string, error)
	ApplyInputs(ctx context.Context, boardID string, address *byte) ([]dispatch.InputResult, error)
	Status(ctx context.Context, refresh bool) gateway.StatusView
	SystemInfo() gateway.SystemInfo
	Config() *config.GatewayConfig
	Cache() *state.Cache
}

type Server struct {
	core  Core
	token string
	mux   *http.ServeMux
}

func NewServer(core Core, token string) *Server {
	s := &Server{core: core, token: token, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /health", s.health)

	s.mux.HandleFunc("GET /api/status", s.auth(s.status))
	s.mux.HandleFunc("GET /api/system", s.auth(s.system))
	s.mux.HandleFunc("GET /api/config", s.auth(s.config))
	s.mux.HandleFunc("GET /api/entities/{id}", s.auth(s.entity))

	s.mux.HandleFunc("GET /api/cmd/light", s.auth(s.light))
	s.mux.HandleFunc("GET /api/cmd/shutter", s.auth(s.shutter))
	s.mux.HandleFunc("GET /api/cmd/thermostat", s.auth(s.thermostat))
	s.mux.HandleFunc("GET /api/cmd/poll", s.auth(s.poll))
	s.mux.HandleFunc("GET /api/cmd/apply-inputs", s.auth(s.applyInputs))
	s.mux.HandleFunc("GET /api/cmd/program-address", s.auth(s.programAddress))

	s.mux.HandleFunc("GET /api/ws", s.auth(s.stream))

	s.mux.HandleFunc("/api/", s.auth(func(w http.ResponseWriter, r *http.Request) {
		fail(w, http.StatusNotFound, "endpoint not found")
	}))
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          logging.WrapSlog("component", "http"),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logging.Info("HTTP API listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// auth accepts the token as ?token= or as a bearer token. An empty
// configured token rejects everything.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); got == "" && strings.HasPrefix(h, "Bearer ") {
			got = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
		if s.token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			fail(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

/* ------------------------ helpers: json & errors ------------------------ */

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, fields map[string]any) {
	out := map[string]any{"ok": true}
	for k, v := range fields {
		out[k] = v
	}
	writeJSON(w, http.StatusOK, out)
}

func fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

// failErr maps an error code to its HTTP status.
func failErr(w http.ResponseWriter, err error) {
	code := errcode.Of(err)
	writeJSON(w, statusOf(code), map[string]any{"ok": false, "error": err.Error(), "code": code})
}

func statusOf(c errcode.Code) int {
	switch c {
	case errcode.InvalidParams, errcode.UnsupportedAction:
		return http.StatusBadRequest
	case errcode.UnknownEntity:
		return http.StatusNotFound
	case errcode.DeviceUnreachable, errcode.Timeout, errcode.InvalidReply:
		return http.StatusGatewayTimeout
	case errcode.ProgramInProgress:
		return http.StatusConflict
	case errcode.BusClosed:
		return http.StatusServiceUnavailable
	case errcode.Unsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
