package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/up2itnow0822/clawpay-mcp/internal/jsonrpc"
	"github.com/up2itnow0822/clawpay-mcp/mcp"
	"github.com/up2itnow0822/clawpay-mcp/mcpservice"
	"github.com/up2itnow0822/clawpay-mcp/sessions"
)

type noArgs struct{}

func newTestEngine(t *testing.T, started chan<- struct{}) *Engine {
	t.Helper()
	block := mcpservice.NewTool[noArgs]("block", func(ctx context.Context, s sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[noArgs]) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	echo := mcpservice.NewTool[noArgs]("echo", func(ctx context.Context, s sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[noArgs]) error {
		return w.AppendText("hi")
	})
	srv := mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "test", Version: "1"}),
		mcpservice.WithToolsCapability(mcpservice.NewToolsContainer(block, echo)),
	)
	return NewEngine(srv, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func initSession(t *testing.T, e *Engine, version string) (sessions.Session, *mcp.InitializeResult) {
	t.Helper()
	sess, res, err := e.InitializeSession(context.Background(), "user", &mcp.InitializeRequest{
		ProtocolVersion: version,
		ClientInfo:      mcp.ImplementationInfo{Name: "client", Version: "1"},
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return sess, res
}

func TestInitializeNegotiatesVersion(t *testing.T) {
	e := newTestEngine(t, make(chan struct{}))
	_, res := initSession(t, e, "2025-03-26")
	if res.ProtocolVersion != "2025-03-26" {
		t.Fatalf("expected echoed version, got %q", res.ProtocolVersion)
	}
	if res.Capabilities.Tools == nil {
		t.Fatalf("expected tools capability")
	}
	_, res = initSession(t, e, "1999-01-01")
	if res.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("expected latest version, got %q", res.ProtocolVersion)
	}
	if _, _, err := e.InitializeSession(context.Background(), "", &mcp.InitializeRequest{}); err == nil {
		t.Fatalf("expected error for empty user")
	}
}

func TestHandleRequestPingAndUnknown(t *testing.T) {
	e := newTestEngine(t, make(chan struct{}))
	sess, _ := initSession(t, e, mcp.LatestProtocolVersion)

	res, err := e.HandleRequest(context.Background(), sess, &jsonrpc.Request{JSONRPCVersion: "2.0", Method: "ping", ID: jsonrpc.NewRequestID(1)})
	if err != nil || res.Error != nil || string(res.Result) != "{}" {
		t.Fatalf("unexpected ping response: %+v err=%v", res, err)
	}
	res, err = e.HandleRequest(context.Background(), sess, &jsonrpc.Request{JSONRPCVersion: "2.0", Method: "resources/list", ID: jsonrpc.NewRequestID(2)})
	if err != nil || res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("expected method not found: %+v err=%v", res, err)
	}
}

func TestToolsListAndCall(t *testing.T) {
	e := newTestEngine(t, make(chan struct{}))
	sess, _ := initSession(t, e, mcp.LatestProtocolVersion)

	res, err := e.HandleRequest(context.Background(), sess, &jsonrpc.Request{JSONRPCVersion: "2.0", Method: "tools/list", ID: jsonrpc.NewRequestID(1)})
	if err != nil || res.Error != nil {
		t.Fatalf("tools/list: %+v err=%v", res, err)
	}
	var list mcp.ListToolsResult
	if err := json.Unmarshal(res.Result, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(list.Tools))
	}

	res, err = e.HandleRequest(context.Background(), sess, &jsonrpc.Request{
		JSONRPCVersion: "2.0", Method: "tools/call", ID: jsonrpc.NewRequestID(2),
		Params: json.RawMessage(`{"name":"echo","arguments":{}}`),
	})
	if err != nil || res.Error != nil {
		t.Fatalf("tools/call: %+v err=%v", res, err)
	}
	var call mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &call); err != nil {
		t.Fatalf("decode call: %v", err)
	}
	if len(call.Content) != 1 || call.Content[0].Text != "hi" {
		t.Fatalf("unexpected call result: %+v", call)
	}

	res, _ = e.HandleRequest(context.Background(), sess, &jsonrpc.Request{
		JSONRPCVersion: "2.0", Method: "tools/call", ID: jsonrpc.NewRequestID(3),
		Params: json.RawMessage(`{"name":"missing"}`),
	})
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("expected invalid params for unknown tool: %+v", res)
	}
}

func TestCancelledNotificationStopsToolCall(t *testing.T) {
	started := make(chan struct{})
	e := newTestEngine(t, started)
	sess, _ := initSession(t, e, mcp.LatestProtocolVersion)

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		res, _ := e.HandleRequest(context.Background(), sess, &jsonrpc.Request{
			JSONRPCVersion: "2.0", Method: "tools/call", ID: jsonrpc.NewRequestID("req-1"),
			Params: json.RawMessage(`{"name":"block"}`),
		})
		done <- res
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("tool did not start")
	}

	err := e.HandleNotification(context.Background(), sess, &jsonrpc.Request{
		JSONRPCVersion: "2.0", Method: "notifications/cancelled",
		Params: json.RawMessage(`{"requestId":"req-1","reason":"user abort"}`),
	})
	if err != nil {
		t.Fatalf("notification: %v", err)
	}

	select {
	case res := <-done:
		if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeRequestCancelled {
			t.Fatalf("expected cancelled error, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("tool call was not cancelled")
	}
}
