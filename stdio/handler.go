package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/up2itnow0822/clawpay-mcp/internal/engine"
	"github.com/up2itnow0822/clawpay-mcp/internal/jsonrpc"
	"github.com/up2itnow0822/clawpay-mcp/internal/logctx"
	"github.com/up2itnow0822/clawpay-mcp/mcp"
	"github.com/up2itnow0822/clawpay-mcp/mcpservice"
	"github.com/up2itnow0822/clawpay-mcp/sessions"
)

// maxLineBytes bounds a single inbound JSON-RPC message.
const maxLineBytes = 8 << 20

// Handler is a single-connection stdio transport that reads newline
// delimited JSON-RPC messages from an io.Reader and writes responses to an
// io.Writer. By default it uses os.Stdin and os.Stdout and identifies the
// peer with the current OS user.
//
// The handler is transport-only; MCP semantics live in the engine and the
// supplied mcpservice.ServerCapabilities.
type Handler struct {
	r            io.Reader
	w            io.Writer
	l            *slog.Logger
	userProvider UserProvider
	srv          mcpservice.ServerCapabilities

	writeMu sync.Mutex
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(srv mcpservice.ServerCapabilities, opts ...Option) *Handler {
	h := &Handler{
		r:            os.Stdin,
		w:            os.Stdout,
		l:            slog.Default(),
		userProvider: OSUserProvider{},
		srv:          srv,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs the stdio event loop until EOF on the reader or the context is
// canceled. It is safe to call at most once per Handler.
//
// Requests other than initialize and ping are rejected until the session is
// initialized. Tool calls run concurrently so that a later
// notifications/cancelled can reach them; responses may therefore arrive out
// of order, correlated by id.
func (h *Handler) Serve(ctx context.Context) error {
	userID, err := h.userProvider.CurrentUserID()
	if err != nil {
		return fmt.Errorf("resolve stdio user: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eng := engine.NewEngine(h.srv, engine.WithLogger(h.l))
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go h.readLoop(ctx, lines, readErr)

	var (
		wg   sync.WaitGroup
		sess sessions.Session
	)
	defer func() {
		cancel()
		wg.Wait()
		if sess != nil {
			eng.DeleteSession(context.Background(), sess)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				h.l.InfoContext(ctx, "stdio.serve.eof")
				return nil
			}
			return fmt.Errorf("read stdin: %w", err)
		case line := <-lines:
			var msg jsonrpc.AnyMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				h.l.InfoContext(ctx, "stdio.message.invalid", slog.String("err", err.Error()))
				h.writeResponse(ctx, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "invalid message", nil))
				continue
			}
			switch msg.Type() {
			case "response":
				// The server issues no client requests, so responses are unexpected.
				h.l.DebugContext(ctx, "stdio.message.unexpected_response")
			case "notification":
				if sess == nil {
					continue
				}
				if err := eng.HandleNotification(ctx, sess, msg.AsRequest()); err != nil {
					h.l.InfoContext(ctx, "stdio.notification.fail", slog.String("err", err.Error()))
				}
			case "request":
				req := msg.AsRequest()
				if req.Method == string(mcp.InitializeMethod) {
					if sess != nil {
						h.writeResponse(ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil))
						continue
					}
					sess = h.initialize(ctx, eng, userID, req)
					continue
				}
				if sess == nil && req.Method != string(mcp.PingMethod) {
					h.writeResponse(ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session not initialized", nil))
					continue
				}
				if sess == nil {
					res, _ := jsonrpc.NewResultResponse(req.ID, mcp.EmptyResult{})
					h.writeResponse(ctx, res)
					continue
				}
				wg.Add(1)
				go func(s sessions.Session) {
					defer wg.Done()
					res, err := eng.HandleRequest(ctx, s, req)
					if err != nil {
						h.l.ErrorContext(ctx, "stdio.request.fail", slog.String("err", err.Error()))
						res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
					}
					h.writeResponse(ctx, res)
				}(sess)
			}
		}
	}
}

func (h *Handler) initialize(ctx context.Context, eng *engine.Engine, userID string, req *jsonrpc.Request) sessions.Session {
	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.writeResponse(ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil))
		return nil
	}
	sess, initRes, err := eng.InitializeSession(ctx, userID, &params)
	if err != nil {
		h.l.ErrorContext(ctx, "stdio.initialize.fail", slog.String("err", err.Error()))
		h.writeResponse(ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "initialize failed", nil))
		return nil
	}
	res, err := jsonrpc.NewResultResponse(req.ID, initRes)
	if err != nil {
		h.writeResponse(ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil))
		eng.DeleteSession(ctx, sess)
		return nil
	}
	h.writeResponse(logctx.WithConnData(ctx, &logctx.ConnData{
		SessionID:       sess.SessionID(),
		UserID:          sess.UserID(),
		ProtocolVersion: sess.ProtocolVersion(),
	}), res)
	return sess
}

func (h *Handler) readLoop(ctx context.Context, out chan<- []byte, errc chan<- error) {
	br := bufio.NewReaderSize(h.r, 64<<10)
	for {
		line, err := readLine(br)
		if len(line) > 0 {
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			errc <- err
			return
		}
	}
}

// readLine returns the next non-empty line without its terminator.
func readLine(br *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := br.ReadLine()
		buf = append(buf, chunk...)
		if len(buf) > maxLineBytes {
			return nil, fmt.Errorf("message exceeds %d bytes", maxLineBytes)
		}
		if err != nil {
			return bytes.TrimSpace(buf), err
		}
		if !isPrefix {
			if trimmed := bytes.TrimSpace(buf); len(trimmed) > 0 {
				return trimmed, nil
			}
			buf = buf[:0]
		}
	}
}

func (h *Handler) writeResponse(ctx context.Context, res *jsonrpc.Response) {
	b, err := json.Marshal(res)
	if err != nil {
		h.l.ErrorContext(ctx, "stdio.write.encode_fail", slog.String("err", err.Error()))
		return
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.w.Write(append(b, '\n')); err != nil {
		h.l.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}
