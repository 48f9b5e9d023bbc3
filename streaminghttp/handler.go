package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/up2itnow0822/clawpay-mcp/auth"
	"github.com/up2itnow0822/clawpay-mcp/internal/engine"
	"github.com/up2itnow0822/clawpay-mcp/internal/jsonrpc"
	"github.com/up2itnow0822/clawpay-mcp/internal/logctx"
	"github.com/up2itnow0822/clawpay-mcp/mcp"
	"github.com/up2itnow0822/clawpay-mcp/mcpservice"
	"github.com/up2itnow0822/clawpay-mcp/sessions"
)

var _ http.Handler = (*StreamingHTTPHandler)(nil)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	responseMediaTypes   = []contenttype.MediaType{eventStreamMediaType, jsonMediaType}
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"

	// AnonymousUserID is the principal used when no Authenticator is configured.
	AnonymousUserID = "anonymous"

	defaultMaxBodyBytes = 4 << 20
)

// writeJSONError emits a transport-level rejection before any JSON-RPC
// exchange is possible. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger       *slog.Logger
	realm        string
	maxBodyBytes int64
}

// WithLogger sets the logger used by the handler and its engine.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges. Empty
// omits the attribute.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithMaxBodyBytes bounds inbound POST bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// StreamingHTTPHandler implements the streamable HTTP transport of the Model
// Context Protocol on a single endpoint path.
type StreamingHTTPHandler struct {
	mux          *http.ServeMux
	log          *slog.Logger
	auth         auth.Authenticator
	eng          *engine.Engine
	realm        string
	maxBodyBytes int64
}

// lockedWriteFlusher serializes writes and flushes to a streaming response
// and refuses to write once ctx is done.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ctx.Err(); err != nil {
		return 0, err
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a StreamingHTTPHandler serving publicEndpoint's path.
// A nil authenticator accepts every request as AnonymousUserID; only use
// that on loopback listeners.
func New(publicEndpoint string, server mcpservice.ServerCapabilities, authenticator auth.Authenticator, opts ...Option) (*StreamingHTTPHandler, error) {
	if server == nil {
		return nil, fmt.Errorf("server is required")
	}
	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}

	cfg := &newConfig{logger: slog.Default(), maxBodyBytes: defaultMaxBodyBytes}
	for _, opt := range opts {
		opt(cfg)
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})
	h := &StreamingHTTPHandler{
		log:          log,
		auth:         authenticator,
		eng:          engine.NewEngine(server, engine.WithLogger(log)),
		realm:        cfg.realm,
		maxBodyBytes: cfg.maxBodyBytes,
	}

	path := mcpURL.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+path, h.handlePostMCP)
	mux.HandleFunc("GET "+path, h.handleGetMCP)
	mux.HandleFunc("DELETE "+path, h.handleDeleteMCP)
	h.mux = mux
	return h, nil
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handlePostMCP accepts one JSON-RPC message per request. initialize opens
// a connection session; requests are answered on an SSE stream (or plain
// JSON when the client does not accept event streams); notifications get 202.
func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if int64(len(raw)) > h.maxBodyBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if trimmed := strings.TrimSpace(string(raw)); strings.HasPrefix(trimmed, "[") {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are not supported")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.initialize(ctx, w, userInfo, &msg, start)
		return
	}

	sess, err := h.eng.LoadSession(ctx, sessID, userInfo.UserID())
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{SessionID: sess.SessionID(), UserID: sess.UserID(), ProtocolVersion: sess.ProtocolVersion()})

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && pv != sess.ProtocolVersion() {
		writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		return
	}
	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion())

	switch msg.Type() {
	case "notification":
		if err := h.eng.HandleNotification(ctx, sess, msg.AsRequest()); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	case "response":
		// The server never issues client requests.
		w.WriteHeader(http.StatusAccepted)
	default:
		req := msg.AsRequest()
		if req.Method == string(mcp.InitializeMethod) {
			writeJSONError(w, http.StatusConflict, "session already initialized")
			return
		}
		res, err := h.eng.HandleRequest(ctx, sess, req)
		if err != nil {
			h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
		}
		h.writeResponse(ctx, w, r, res)
		h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	}
}

func (h *StreamingHTTPHandler) initialize(ctx context.Context, w http.ResponseWriter, userInfo auth.UserInfo, msg *jsonrpc.AnyMessage, start time.Time) {
	req := msg.AsRequest()
	if req == nil || req.Method != string(mcp.InitializeMethod) || req.ID.IsNil() {
		writeJSONError(w, http.StatusBadRequest, "expected initialize request")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}
	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &initReq); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid initialize params")
		return
	}
	sess, initRes, err := h.eng.InitializeSession(ctx, userInfo.UserID(), &initReq)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, initRes)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode initialize response")
		return
	}
	w.Header().Set(mcpSessionIDHeader, sess.SessionID())
	w.Header().Set(mcpProtocolVersionHeader, initRes.ProtocolVersion)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

// writeResponse answers on an SSE stream when the client accepts one and
// with a plain JSON body otherwise.
func (h *StreamingHTTPHandler) writeResponse(ctx context.Context, w http.ResponseWriter, r *http.Request, res *jsonrpc.Response) {
	b, err := json.Marshal(res)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	useSSE := false
	if r.Header.Get("Accept") != "" {
		mt, _, err := contenttype.GetAcceptableMediaType(r, responseMediaTypes)
		if err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "client must accept application/json or text/event-stream")
			return
		}
		useSSE = mt.Matches(eventStreamMediaType)
	}
	f, canFlush := w.(http.Flusher)
	if !useSSE || !canFlush {
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
		return
	}
	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	if err := writeSSEEvent(wf, "", b); err != nil {
		h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
	}
}

// handleGetMCP opens the standalone server-to-client stream. The server has
// nothing to push, so the stream stays idle until the client disconnects.
func (h *StreamingHTTPHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{eventStreamMediaType}); err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}
	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	sess, err := h.eng.LoadSession(ctx, sessID, userInfo.UserID())
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion())
	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	f.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")
	<-ctx.Done()
	h.log.InfoContext(ctx, "sse.stream.end")
}

// handleDeleteMCP terminates a connection session.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}
	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	sess, err := h.eng.LoadSession(ctx, sessID, userInfo.UserID())
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.eng.DeleteSession(ctx, sess)
	w.WriteHeader(http.StatusNoContent)
}

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

type anonymousUser struct{}

func (anonymousUser) UserID() string       { return AnonymousUserID }
func (anonymousUser) Claims(ref any) error { return nil }

func (h *StreamingHTTPHandler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	if h.auth == nil {
		return anonymousUser{}
	}
	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, "", ""))
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}
	const bearerPrefix = "Bearer "
	tok := ""
	if len(authHeader) > len(bearerPrefix) && strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		tok = strings.TrimSpace(authHeader[len(bearerPrefix):])
	}
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, "invalid_request", "malformed bearer authorization header"))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, "invalid_token", "token rejected"))
			w.WriteHeader(http.StatusUnauthorized)
			return nil
		}
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}
	return userInfo
}

// buildBearerChallenge builds an RFC 6750 Bearer challenge.
func buildBearerChallenge(realm, code, description string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace
	var pieces []string
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if code != "" {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(code)))
	}
	if description != "" {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(description)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// writeSSEEvent writes one Server-Sent Event carrying payload and flushes.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := fmt.Fprintf(wf, "event: message\ndata: %s\n\n", payload); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	wf.Flush()
	return nil
}
