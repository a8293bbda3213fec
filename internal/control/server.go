// Package control exposes the command dispatcher over HTTP and WebSocket.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sheerbytes/panelcast/internal/dispatch"
	"github.com/sheerbytes/panelcast/internal/logging"
	"github.com/sheerbytes/panelcast/internal/metrics"
	"github.com/sheerbytes/panelcast/internal/registry"
	"github.com/sheerbytes/panelcast/pkg/protocol"
)

const (
	maxCommandBytes = 4 * 1024
	maxMessageBytes = 64 * 1024
	wsWriteTimeout  = 10 * time.Second
)

// Executor runs one command line.
type Executor interface {
	Execute(ctx context.Context, line string) (dispatch.Result, error)
}

// StatusSource reports slot occupancy.
type StatusSource interface {
	Status() []registry.SlotStatus
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// Server serves the control endpoints.
type Server struct {
	exec    Executor
	slots   StatusSource
	limiter *rate.Limiter
	logger  *slog.Logger
	mux     *http.ServeMux
}

// New creates a server. Commands from every client share one limiter of
// ratePerSec with the given burst.
func New(exec Executor, slots StatusSource, ratePerSec float64, burst int, logger *slog.Logger) *Server {
	if burst < 1 {
		burst = 1
	}
	s := &Server{
		exec:    exec,
		slots:   slots,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		logger:  logging.Component(logger, "control"),
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/slots", s.handleSlots)
	s.mux.HandleFunc("/command", s.handleCommand)
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.Handle("/metrics", metrics.Handler())
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("control server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.slots.Status())
}

// handleCommand accepts the command line as a text body, or as
// {"line": "..."} when the body is JSON.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes+1))
	if err != nil {
		sendError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxCommandBytes {
		sendError(w, http.StatusRequestEntityTooLarge, "command too large")
		return
	}
	line := strings.TrimSpace(string(body))
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var cmd protocol.Command
		if err := json.Unmarshal(body, &cmd); err != nil {
			sendError(w, http.StatusBadRequest, "invalid JSON command")
			return
		}
		line = cmd.Line
	}
	if !s.limiter.Allow() {
		s.logger.Warn("command rate limit exceeded", "remote", r.RemoteAddr)
		sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	// A command runs to completion even if the caller goes away.
	res, err := s.exec.Execute(context.WithoutCancel(r.Context()), line)
	var resolveErr *dispatch.ResolveError
	switch {
	case errors.As(err, &resolveErr):
		sendError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		s.logger.Error("command failed", "line", line, "error", err)
		sendError(w, http.StatusInternalServerError, err.Error())
	case res.Command == "":
		writeJSON(w, http.StatusBadRequest, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageBytes)

	var writeMu sync.Mutex
	send := func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(env)
	}
	reply := func(req protocol.Envelope, msgType string, payload any) {
		env, err := protocol.NewReply(req, msgType, payload)
		if err != nil {
			s.logger.Error("failed to create reply", "error", err)
			return
		}
		if err := send(env); err != nil {
			s.logger.Warn("failed to send reply", "error", err)
		}
	}
	replyError := func(req protocol.Envelope, code, message string) {
		reply(req, protocol.TypeError, protocol.Error{Code: code, Message: message})
	}

	s.logger.Info("control client connected", "remote", r.RemoteAddr)
	defer s.logger.Info("control client disconnected", "remote", r.RemoteAddr)

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.logger.Warn("invalid JSON envelope", "error", err)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			replyError(env, protocol.CodeBadRequest, err.Error())
			continue
		}
		if env.Type != protocol.TypeCommand {
			replyError(env, protocol.CodeBadRequest, "unsupported message type: "+env.Type)
			continue
		}
		var cmd protocol.Command
		if err := env.DecodePayload(&cmd); err != nil {
			replyError(env, protocol.CodeBadRequest, err.Error())
			continue
		}
		if !s.limiter.Allow() {
			replyError(env, protocol.CodeRateLimited, "rate limit exceeded")
			continue
		}

		res, err := s.exec.Execute(context.WithoutCancel(r.Context()), cmd.Line)
		var resolveErr *dispatch.ResolveError
		switch {
		case errors.As(err, &resolveErr):
			replyError(env, protocol.CodeResolve, err.Error())
		case err != nil:
			replyError(env, protocol.CodeInternal, err.Error())
		case res.Command == "":
			replyError(env, protocol.CodeUsage, res.Message)
		default:
			reply(env, protocol.TypeResult, toProtocol(res))
		}
	}
}

func toProtocol(res dispatch.Result) protocol.Result {
	out := protocol.Result{
		Command: res.Command,
		OK:      res.OK,
		Message: res.Message,
		Images:  res.Images,
	}
	if detail, err := json.Marshal(res); err == nil {
		out.Detail = detail
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
