package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/up2itnow0822/clawpay-mcp/internal/jsonrpc"
	"github.com/up2itnow0822/clawpay-mcp/internal/logctx"
	"github.com/up2itnow0822/clawpay-mcp/mcp"
	"github.com/up2itnow0822/clawpay-mcp/mcpservice"
	"github.com/up2itnow0822/clawpay-mcp/sessions"
)

var (
	ErrInvalidUserID = errors.New("invalid user id")
	ErrNilRequest    = errors.New("initialize request required")
)

// Engine is the transport-agnostic core of the MCP server. It answers
// initialize, ping, tools/list and tools/call and tracks in-flight tool calls
// so that notifications/cancelled can stop them. Transports own framing and
// authentication and hand decoded messages to the engine.
type Engine struct {
	srv   mcpservice.ServerCapabilities
	table *sessions.Table
	log   *slog.Logger

	toolCtxMu      sync.Mutex
	toolCtxCancels map[string]context.CancelCauseFunc // sessionID/reqID -> cancel
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithSessionTable shares a connection table between engines or with tests.
func WithSessionTable(t *sessions.Table) EngineOption {
	return func(e *Engine) {
		if t != nil {
			e.table = t
		}
	}
}

func NewEngine(srv mcpservice.ServerCapabilities, opts ...EngineOption) *Engine {
	e := &Engine{
		srv:            srv,
		table:          sessions.NewTable(),
		log:            slog.Default(),
		toolCtxCancels: make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// InitializeSession handles the initialize handshake: it negotiates the
// protocol version, opens a connection session and reports the server's
// capabilities.
func (e *Engine) InitializeSession(ctx context.Context, userID string, req *mcp.InitializeRequest) (sessions.Session, *mcp.InitializeResult, error) {
	if req == nil {
		return nil, nil, ErrNilRequest
	}
	if userID == "" {
		return nil, nil, ErrInvalidUserID
	}

	version := mcp.LatestProtocolVersion
	if mcp.IsSupportedProtocolVersion(req.ProtocolVersion) {
		version = req.ProtocolVersion
	}

	sess := e.table.Open(userID, version, req.ClientInfo)
	ok := false
	defer func() {
		if !ok {
			e.table.Close(sess.SessionID())
		}
	}()

	info, err := e.srv.GetServerInfo(ctx, sess)
	if err != nil {
		return nil, nil, fmt.Errorf("get server info: %w", err)
	}
	res := &mcp.InitializeResult{ProtocolVersion: version, ServerInfo: info}

	if instr, has, err := e.srv.GetInstructions(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("get instructions: %w", err)
	} else if has {
		res.Instructions = instr
	}

	if tc, has, err := e.srv.GetToolsCapability(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("get tools capability: %w", err)
	} else if has && tc != nil {
		res.Capabilities.Tools = &mcp.ToolsCapability{}
	}

	ok = true
	e.log.InfoContext(ctx, "engine.create_session.ok",
		slog.String("session_id", sess.SessionID()),
		slog.String("protocol_version", version),
		slog.String("client", req.ClientInfo.Name))
	return sess, res, nil
}

// LoadSession resolves a previously initialized connection for userID.
func (e *Engine) LoadSession(ctx context.Context, sessID, userID string) (sessions.Session, error) {
	sess, err := e.table.Load(sessID, userID)
	if err != nil {
		e.log.InfoContext(ctx, "engine.load_session.fail", slog.String("err", err.Error()))
		return nil, err
	}
	return sess, nil
}

// DeleteSession closes a connection and cancels its in-flight tool calls.
func (e *Engine) DeleteSession(ctx context.Context, sess sessions.Session) {
	prefix := sess.SessionID() + "/"
	e.toolCtxMu.Lock()
	for key, cancel := range e.toolCtxCancels {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			cancel(errors.New("session closed"))
		}
	}
	e.toolCtxMu.Unlock()
	e.table.Close(sess.SessionID())
	e.log.InfoContext(ctx, "engine.delete_session.ok", slog.String("session_id", sess.SessionID()))
}

// HandleRequest answers a JSON-RPC request on an initialized connection.
// Protocol failures are reported as error responses; the returned error is
// reserved for failures to build a response at all.
func (e *Engine) HandleRequest(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})
	switch mcp.Method(req.Method) {
	case mcp.PingMethod:
		return jsonrpc.NewResultResponse(req.ID, mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		return e.handleToolsList(ctx, sess, req)
	case mcp.ToolsCallMethod:
		return e.handleToolCall(ctx, sess, req)
	case mcp.InitializeMethod:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil), nil
	}
	e.log.InfoContext(ctx, "engine.handle_request.unknown_method")
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil), nil
}

func (e *Engine) handleToolsList(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	tc, ok, err := e.srv.GetToolsCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	if !ok || tc == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools not supported", nil), nil
	}

	var cursor *string
	if params.Cursor != "" {
		cursor = &params.Cursor
	}
	page, err := tc.ListTools(ctx, sess, cursor)
	if err != nil {
		log.InfoContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil), nil
	}

	res := mcp.ListToolsResult{Tools: page.Items}
	if res.Tools == nil {
		res.Tools = []mcp.Tool{}
	}
	if page.NextCursor != nil {
		res.NextCursor = *page.NextCursor
	}
	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("tool_count", len(res.Tools)))
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handleToolCall(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	tc, ok, err := e.srv.GetToolsCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	if !ok || tc == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools not supported", nil), nil
	}

	key := sess.SessionID() + "/" + req.ID.String()
	toolCtx, toolCancel := context.WithCancelCause(ctx)
	defer toolCancel(context.Canceled)

	e.toolCtxMu.Lock()
	if _, exists := e.toolCtxCancels[key]; exists {
		e.toolCtxMu.Unlock()
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "duplicate request ID"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "duplicate request id", nil), nil
	}
	e.toolCtxCancels[key] = toolCancel
	e.toolCtxMu.Unlock()
	defer func() {
		e.toolCtxMu.Lock()
		delete(e.toolCtxCancels, key)
		e.toolCtxMu.Unlock()
	}()

	res, err := tc.CallTool(toolCtx, sess, &params)
	if err != nil {
		if errors.Is(err, mcpservice.ErrToolNotFound) {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil), nil
		}
		if toolCtx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			log.InfoContext(ctx, "engine.handle_request.cancelled",
				slog.String("cause", context.Cause(toolCtx).Error()),
				slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeRequestCancelled, "cancelled", nil), nil
		}
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	if res == nil {
		res = &mcp.CallToolResult{Content: []mcp.ContentBlock{}}
	}

	log.InfoContext(ctx, "engine.handle_request.ok",
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
		slog.Bool("is_error", res.IsError))
	return jsonrpc.NewResultResponse(req.ID, res)
}

// HandleNotification processes a client notification. Unknown
// notifications are ignored.
func (e *Engine) HandleNotification(ctx context.Context, sess sessions.Session, note *jsonrpc.Request) error {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: note.Method, Type: "notification"})
	switch mcp.Method(note.Method) {
	case mcp.InitializedNotificationMethod:
		e.log.InfoContext(ctx, "engine.session.initialized")
		return nil
	case mcp.CancelledNotificationMethod:
		var params struct {
			RequestID *jsonrpc.RequestID `json:"requestId"`
			Reason    string             `json:"reason"`
		}
		if err := json.Unmarshal(note.Params, &params); err != nil {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("err", err.Error()))
			return fmt.Errorf("decode cancelled notification: %w", err)
		}
		had := e.cancelInFlightRequest(sess.SessionID(), params.RequestID.String(), params.Reason)
		e.log.InfoContext(ctx, "engine.handle_notification.cancel",
			slog.String("request_id", params.RequestID.String()),
			slog.Bool("had_cancel", had))
		return nil
	}
	e.log.DebugContext(ctx, "engine.handle_notification.ignored")
	return nil
}

func (e *Engine) cancelInFlightRequest(sessID, reqID, reason string) bool {
	if reqID == "" {
		return false
	}
	e.toolCtxMu.Lock()
	cancel, exists := e.toolCtxCancels[sessID+"/"+reqID]
	e.toolCtxMu.Unlock()
	if !exists {
		return false
	}
	if reason == "" {
		reason = "cancelled"
	}
	cancel(errors.New(reason))
	return true
}
