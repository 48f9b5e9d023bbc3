package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/up2itnow0822/clawpay-mcp/internal/jsonrpc"
	"github.com/up2itnow0822/clawpay-mcp/mcp"
	"github.com/up2itnow0822/clawpay-mcp/mcpservice"
	"github.com/up2itnow0822/clawpay-mcp/sessions"
)

// testHarness wires a Handler to in-memory pipes and collects its output.
type testHarness struct {
	t      *testing.T
	stdinW io.Writer
	outMu  sync.Mutex
	lines  []string
	done   chan error
}

func defaultInitializeRequest() mcp.InitializeRequest {
	return mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "client", Version: "0.0.1"},
	}
}

func newHarness(t *testing.T, srv mcpservice.ServerCapabilities) *testHarness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	h := NewHandler(srv,
		WithIO(inR, outW),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithUserProvider(StaticUserProvider("tester")),
	)

	ctx, cancel := context.WithCancel(context.Background())
	th := &testHarness{t: t, stdinW: inW, done: make(chan error, 1)}

	go func() { th.done <- h.Serve(ctx) }()

	go func() {
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			th.outMu.Lock()
			th.lines = append(th.lines, line)
			th.outMu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outW.Close()
	})
	return th
}

func (th *testHarness) sendRaw(s string) {
	th.t.Helper()
	if _, err := th.stdinW.Write([]byte(s + "\n")); err != nil {
		th.t.Fatalf("write stdin: %v", err)
	}
}

func (th *testHarness) send(req *jsonrpc.Request) {
	th.t.Helper()
	b, err := json.Marshal(req)
	if err != nil {
		th.t.Fatalf("marshal: %v", err)
	}
	th.sendRaw(string(b))
}

func (th *testHarness) nextLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		th.outMu.Lock()
		if len(th.lines) > 0 {
			s := th.lines[0]
			th.lines = th.lines[1:]
			th.outMu.Unlock()
			return s, nil
		}
		th.outMu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return "", fmt.Errorf("timeout waiting for output line")
}

func (th *testHarness) expectResponse(timeout time.Duration) *jsonrpc.Response {
	th.t.Helper()
	line, err := th.nextLine(timeout)
	if err != nil {
		th.t.Fatalf("expect response: %v", err)
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		th.t.Fatalf("decode %q: %v", line, err)
	}
	if msg.Type() != "response" {
		th.t.Fatalf("expected response, got %s", msg.Type())
	}
	return msg.AsResponse()
}

func (th *testHarness) initialize(id string) *mcp.InitializeResult {
	th.t.Helper()
	th.send(&jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializeMethod),
		ID:             jsonrpc.NewRequestID(id),
		Params:         mustJSON(th.t, defaultInitializeRequest()),
	})
	res := th.expectResponse(time.Second)
	if res.Error != nil {
		th.t.Fatalf("initialize failed: %+v", res.Error)
	}
	var initRes mcp.InitializeResult
	if err := json.Unmarshal(res.Result, &initRes); err != nil {
		th.t.Fatalf("decode initialize result: %v", err)
	}
	th.send(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.InitializedNotificationMethod)})
	return &initRes
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

type echoArgs struct {
	Text string `json:"text"`
}

func echoServer(started chan struct{}) mcpservice.ServerCapabilities {
	echo := mcpservice.NewTool[echoArgs]("echo", func(ctx context.Context, s sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[echoArgs]) error {
		return w.AppendText(r.Args().Text)
	})
	wait := mcpservice.NewTool[struct{}]("wait", func(ctx context.Context, s sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[struct{}]) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	return mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "test", Version: "1.0.0"}),
		mcpservice.WithInstructions("Have fun!"),
		mcpservice.WithToolsCapability(mcpservice.NewToolsContainer(echo, wait)),
	)
}

func TestInitialize_HappyPath(t *testing.T) {
	th := newHarness(t, echoServer(make(chan struct{})))
	initRes := th.initialize("init-1")
	if initRes.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("server protocol version mismatch: %s", initRes.ProtocolVersion)
	}
	if initRes.ServerInfo.Name != "test" || initRes.Instructions != "Have fun!" {
		t.Fatalf("unexpected initialize result: %+v", initRes)
	}
	if initRes.Capabilities.Tools == nil {
		t.Fatalf("tools capability not advertised")
	}
}

func TestRequestBeforeInitializeRejected(t *testing.T) {
	th := newHarness(t, echoServer(make(chan struct{})))

	th.send(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.PingMethod), ID: jsonrpc.NewRequestID(1)})
	if res := th.expectResponse(time.Second); res.Error != nil {
		t.Fatalf("ping before initialize should succeed: %+v", res.Error)
	}

	th.send(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.ToolsListMethod), ID: jsonrpc.NewRequestID(2)})
	res := th.expectResponse(time.Second)
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", res)
	}
}

func TestMalformedLineYieldsParseError(t *testing.T) {
	th := newHarness(t, echoServer(make(chan struct{})))
	th.sendRaw(`{"jsonrpc":"1.0","method":"ping","id":1}`)
	res := th.expectResponse(time.Second)
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("expected parse error, got %+v", res)
	}
}

func TestTools_ListAndCall(t *testing.T) {
	th := newHarness(t, echoServer(make(chan struct{})))
	th.initialize("init-1")

	th.send(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.ToolsListMethod), ID: jsonrpc.NewRequestID("1")})
	res := th.expectResponse(time.Second)
	if res.Error != nil {
		t.Fatalf("list error: %+v", res.Error)
	}
	var list mcp.ListToolsResult
	if err := json.Unmarshal(res.Result, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Tools) != 2 || list.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", list.Tools)
	}

	th.send(&jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.ToolsCallMethod),
		ID:             jsonrpc.NewRequestID("2"),
		Params:         json.RawMessage(`{"name":"echo","arguments":{"text":"hi"}}`),
	})
	res = th.expectResponse(time.Second)
	if res.Error != nil {
		t.Fatalf("call error: %+v", res.Error)
	}
	var call mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &call); err != nil {
		t.Fatal(err)
	}
	if len(call.Content) != 1 || call.Content[0].Text != "hi" {
		t.Fatalf("unexpected call result: %+v", call)
	}
}

func TestCancelledNotification(t *testing.T) {
	started := make(chan struct{})
	th := newHarness(t, echoServer(started))
	th.initialize("init-1")

	th.send(&jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.ToolsCallMethod),
		ID:             jsonrpc.NewRequestID(7),
		Params:         json.RawMessage(`{"name":"wait"}`),
	})
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("tool did not start")
	}
	th.send(&jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.CancelledNotificationMethod),
		Params:         json.RawMessage(`{"requestId":7}`),
	})
	res := th.expectResponse(time.Second)
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeRequestCancelled {
		t.Fatalf("expected cancelled error, got %+v", res)
	}
}

func TestServeReturnsOnEOF(t *testing.T) {
	inR, inW := io.Pipe()
	h := NewHandler(echoServer(make(chan struct{})),
		WithIO(inR, io.Discard),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithUserProvider(StaticUserProvider("tester")),
	)
	done := make(chan error, 1)
	go func() { done <- h.Serve(context.Background()) }()
	_ = inW.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on EOF, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Serve did not return on EOF")
	}
}
