// Package logctx carries request-scoped logging attributes through a
// context and attaches them to every record emitted with that context.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and adds groups for whatever request,
// connection, RPC, tool and paid-session data the context carries.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.SessionID),
			slog.String("user_id", cd.UserID),
			slog.String("protocol_version", cd.ProtocolVersion),
		))
	}

	if msg, ok := ctx.Value(rpcMsgKey{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	if td, ok := ctx.Value(toolCallDataKey{}).(*ToolCallData); ok {
		r.AddAttrs(slog.Group("tool",
			slog.String("name", td.ToolName),
		))
	}

	if pd, ok := ctx.Value(paySessionDataKey{}).(*PaySessionData); ok {
		r.AddAttrs(slog.Group("paysession",
			slog.String("id", pd.SessionID),
			slog.String("endpoint", pd.Endpoint),
		))
	}

	return h.Handler.Handle(ctx, r)
}

// WithAttrs keeps the context-aware wrapper in place when loggers are derived.
func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup keeps the context-aware wrapper in place when loggers are derived.
func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type rpcMsgKey struct{}

type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsgKey{}, msg)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type connDataKey struct{}

// ConnData describes the MCP connection session a message arrived on.
type ConnData struct {
	SessionID       string
	UserID          string
	ProtocolVersion string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type toolCallDataKey struct{}

type ToolCallData struct {
	ToolName string
}

func WithToolCallData(ctx context.Context, data *ToolCallData) context.Context {
	return context.WithValue(ctx, toolCallDataKey{}, data)
}

type paySessionDataKey struct{}

// PaySessionData identifies the paid access session a log line concerns.
// The session token itself is never logged.
type PaySessionData struct {
	SessionID string
	Endpoint  string
}

func WithPaySessionData(ctx context.Context, data *PaySessionData) context.Context {
	return context.WithValue(ctx, paySessionDataKey{}, data)
}
