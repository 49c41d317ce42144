package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/hivemind/internal/auth"
	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

// Dispatcher executes one tool call. The tool registry implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, principal *auth.Principal, sess *Session, req *protocol.RequestFrame) (json.RawMessage, *protocol.Error)
}

// HealthSource supplies the /health gauges.
type HealthSource interface {
	AgentCount() int
	MemoryCount(ctx context.Context) (int64, error)
	SyncLagSeconds() float64
}

// Options tunes the server.
type Options struct {
	Addr           string
	PerCallTimeout time.Duration // default 60s
	PingInterval   time.Duration // SSE keepalive, default 15s
}

// Server is the HTTP front: POST /messages in, SSE /sse out, /health,
// and the sync fabric's websocket on /sync.
type Server struct {
	manager  *Manager
	authn    auth.Authenticator
	dispatch Dispatcher
	health   HealthSource
	syncH    http.Handler
	opts     Options

	started time.Time
	httpSrv *http.Server
}

// NewServer wires the transport.
func NewServer(manager *Manager, authn auth.Authenticator, dispatch Dispatcher, health HealthSource, syncH http.Handler, opts Options) *Server {
	if opts.PerCallTimeout <= 0 {
		opts.PerCallTimeout = 60 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 15 * time.Second
	}
	return &Server{
		manager:  manager,
		authn:    authn,
		dispatch: dispatch,
		health:   health,
		syncH:    syncH,
		opts:     opts,
		started:  time.Now().UTC(),
	}
}

// BuildMux assembles the route table. Separated from Start so an
// optional overlay listener can serve the same routes.
func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages", s.handleMessages)
	mux.HandleFunc("GET /sse", s.handleSSE)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.syncH != nil {
		mux.Handle("/sync", s.syncH)
	}
	return mux
}

// Start begins serving until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	slog.Info("transport listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutCtx)
	}()
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleMessages accepts one request frame. Session-management tools
// answer synchronously in the POST body; everything else is accepted
// and answered on the session's SSE stream.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authn.Validate(r.Context(), bearerToken(r), "tools")
	if err != nil {
		writeError(w, http.StatusUnauthorized, protocol.AsError(err))
		return
	}

	var req protocol.RequestFrame
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, protocol.MaxRecordBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.Errf(protocol.KindInvalidParameters, "bad request frame: %v", err))
		return
	}

	switch req.Tool {
	case protocol.ToolOpenSession:
		s.openSession(w, principal, &req)
		return
	case protocol.ToolRecoverSession:
		s.recoverSession(w, &req)
		return
	case protocol.ToolPing:
		writeResponse(w, &protocol.ResponseFrame{
			SessionID: req.SessionID, RequestID: req.RequestID, OK: true,
			Result: json.RawMessage(`{"pong":true}`),
		})
		return
	}

	sess, perr := s.manager.Get(req.SessionID)
	if perr != nil {
		writeError(w, statusFor(perr), perr)
		return
	}
	if !sess.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, protocol.Errf(protocol.KindTimeout, "session rate limit exceeded"))
		return
	}
	sess.touch()
	sess.pending.Add(1)

	go s.run(principal, sess, &req)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"accepted": true, "request_id": req.RequestID})
}

// dispatchOutcome carries one finished call off its worker goroutine.
type dispatchOutcome struct {
	result json.RawMessage
	perr   *protocol.Error
}

// run executes the call under its effective deadline and pushes the
// response onto the session stream. A session expiring mid-call
// resolves the call with SessionExpired instead of leaving the caller
// waiting on a stream that will never deliver.
func (s *Server) run(principal *auth.Principal, sess *Session, req *protocol.RequestFrame) {
	defer sess.pending.Add(-1)

	timeout := s.opts.PerCallTimeout
	if req.Deadline > 0 {
		if d := time.Until(time.UnixMilli(req.Deadline)); d > 0 && d < timeout {
			timeout = d
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan dispatchOutcome, 1)
	go func() {
		result, perr := s.dispatch.Dispatch(ctx, principal, sess, req)
		done <- dispatchOutcome{result: result, perr: perr}
	}()

	resp := &protocol.ResponseFrame{SessionID: sess.ID, RequestID: req.RequestID}
	select {
	case out := <-done:
		switch {
		case out.perr != nil:
			resp.Error = out.perr
		case ctx.Err() != nil:
			resp.Error = protocol.Errf(protocol.KindCallTimeout, "call exceeded %s", timeout)
		default:
			resp.OK = true
			resp.Result = out.result
		}
	case <-sess.expireCh():
		cancel()
		resp.Error = protocol.Errf(protocol.KindSessionExpired, "session %s expired", sess.ID)
	}
	sess.push(protocol.EventFrame{Kind: protocol.EventResponse, Response: resp})
}

func (s *Server) openSession(w http.ResponseWriter, principal *auth.Principal, req *protocol.RequestFrame) {
	var params struct {
		AgentID string `json:"agent_id"`
	}
	json.Unmarshal(req.Params, &params)
	if params.AgentID == "" {
		params.AgentID = principal.ID
	}
	sess := s.manager.Open(params.AgentID)
	slog.Info("session opened", "session_id", sess.ID, "agent_id", params.AgentID)
	result, _ := json.Marshal(protocol.OpenResult{SessionID: sess.ID, RecoveryToken: sess.RecoveryToken})
	writeResponse(w, &protocol.ResponseFrame{
		SessionID: sess.ID, RequestID: req.RequestID, OK: true, Result: result,
	})
}

func (s *Server) recoverSession(w http.ResponseWriter, req *protocol.RequestFrame) {
	var params struct {
		RecoveryToken string `json:"recovery_token"`
	}
	json.Unmarshal(req.Params, &params)
	sess, perr := s.manager.Recover(params.RecoveryToken)
	if perr != nil {
		writeError(w, http.StatusGone, perr)
		return
	}
	slog.Info("session recovered", "session_id", sess.ID)
	result, _ := json.Marshal(protocol.OpenResult{
		SessionID: sess.ID, RecoveryToken: sess.RecoveryToken, Recovered: true,
	})
	writeResponse(w, &protocol.ResponseFrame{
		SessionID: sess.ID, RequestID: req.RequestID, OK: true, Result: result,
	})
}

// handleSSE attaches the outbound stream for one session, replaying
// buffered frames newer than the client's last seen seq.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authn.Validate(r.Context(), bearerToken(r), "tools"); err != nil {
		writeError(w, http.StatusUnauthorized, protocol.AsError(err))
		return
	}
	sess, perr := s.manager.Get(r.URL.Query().Get("session_id"))
	if perr != nil {
		writeError(w, statusFor(perr), perr)
		return
	}
	afterSeq, _ := strconv.ParseUint(r.URL.Query().Get("after_seq"), 10, 64)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch, replay := sess.attach(afterSeq)
	defer sess.detach(ch)

	writeFrame(w, protocol.EventFrame{Kind: protocol.EventOpened, SessionID: sess.ID})
	for _, f := range replay {
		writeFrame(w, f)
	}
	flusher.Flush()

	ping := time.NewTicker(s.opts.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case f := <-ch:
			writeFrame(w, f)
			flusher.Flush()
		case <-ping.C:
			sess.push(protocol.EventFrame{Kind: protocol.EventPing})
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	memCount := int64(-1)
	status := "ok"
	if n, err := s.health.MemoryCount(r.Context()); err == nil {
		memCount = n
	} else {
		status = "degraded"
	}
	body := protocol.HealthStatus{
		Status:      status,
		UptimeS:     int64(time.Since(s.started).Seconds()),
		AgentCount:  s.health.AgentCount(),
		MemoryCount: memCount,
		SyncLagS:    s.health.SyncLagSeconds(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

// writeFrame emits one newline-delimited JSON frame in SSE data form.
func writeFrame(w http.ResponseWriter, f protocol.EventFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeResponse(w http.ResponseWriter, resp *protocol.ResponseFrame) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, status int, perr *protocol.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": perr})
}

func statusFor(perr *protocol.Error) int {
	switch perr.Kind {
	case protocol.KindNotFound:
		return http.StatusNotFound
	case protocol.KindSessionExpired:
		return http.StatusGone
	case protocol.KindUnauthorized:
		return http.StatusUnauthorized
	}
	return http.StatusBadRequest
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
		return tok
	}
	return r.URL.Query().Get("token")
}
