package mcpservice

import (
	"context"
	"errors"
	"sync"

	"github.com/up2itnow0822/clawpay-mcp/mcp"
)

// ErrFinalized is returned by writes that arrive after the result was taken.
var ErrFinalized = errors.New("result already finalized")

// ToolResponseWriter accumulates the text of a tool result. A tool that
// fails in a way the caller should read marks the result with SetError and
// returns nil; returning an error instead becomes a JSON-RPC internal error.
type ToolResponseWriter interface {
	AppendText(text string) error
	SetError(isError bool)
	Result() *mcp.CallToolResult
}

type toolResponseWriter struct {
	ctx context.Context

	mu      sync.Mutex
	done    bool
	isError bool
	blocks  []mcp.ContentBlock
}

func newToolResponseWriter(ctx context.Context) *toolResponseWriter {
	return &toolResponseWriter{ctx: ctx, blocks: []mcp.ContentBlock{}}
}

// AppendText adds a text block. Empty strings are dropped. A cancelled call
// reports the context error so handlers stop producing output.
func (w *toolResponseWriter) AppendText(text string) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return ErrFinalized
	}
	w.blocks = append(w.blocks, mcp.ContentBlock{Type: mcp.ContentTypeText, Text: text})
	return nil
}

func (w *toolResponseWriter) SetError(isError bool) {
	w.mu.Lock()
	w.isError = isError
	w.mu.Unlock()
}

// Result may be called more than once; later writes fail.
func (w *toolResponseWriter) Result() *mcp.CallToolResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done = true
	content := make([]mcp.ContentBlock, len(w.blocks))
	copy(content, w.blocks)
	return &mcp.CallToolResult{Content: content, IsError: w.isError}
}
