// Package tools exposes paid sessions to agents as MCP tools:
//
//	x402_session_start   pay once and open a session on an endpoint
//	x402_session_fetch   call a URL with an existing session
//	x402_session_status  list active sessions or inspect one
//	x402_session_end     end a session early
//	x402_pay             fetch a URL, reusing a session or paying per call
//
// Every failure is reported as an isError result whose structured content
// carries errorKind; nothing here returns a protocol error for domain
// failures.
package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/holiman/uint256"
	"github.com/up2itnow0822/clawpay-mcp/internal/logctx"
	"github.com/up2itnow0822/clawpay-mcp/mcpservice"
	"github.com/up2itnow0822/clawpay-mcp/paysession"
	"github.com/up2itnow0822/clawpay-mcp/router"
	"github.com/up2itnow0822/clawpay-mcp/sessions"
)

const defaultDisplayLimit = 8000

// Option configures a Set.
type Option func(*Set)

// WithClock overrides the time source used for remaining-TTL display.
func WithClock(c paysession.Clock) Option {
	return func(s *Set) {
		if c != nil {
			s.now = c
		}
	}
}

// WithDefaultMaxPayment caps payments when the caller passes no maxPayment.
func WithDefaultMaxPayment(v *uint256.Int) Option {
	return func(s *Set) { s.defaultMax = v }
}

// WithDisplayLimit bounds response bodies echoed back to the agent.
func WithDisplayLimit(n int) Option {
	return func(s *Set) {
		if n > 0 {
			s.displayLimit = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Set) {
		if l != nil {
			s.log = l
		}
	}
}

// Set holds the dependencies shared by the tools.
type Set struct {
	router       *router.Router
	store        paysession.Store
	now          paysession.Clock
	defaultMax   *uint256.Int
	displayLimit int
	log          *slog.Logger
}

// New builds the tool set over r and its store.
func New(r *router.Router, opts ...Option) *Set {
	s := &Set{
		router:       r,
		store:        r.Store(),
		now:          time.Now,
		displayLimit: defaultDisplayLimit,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tools returns the tool definitions.
func (s *Set) Tools() []mcpservice.StaticTool {
	return []mcpservice.StaticTool{
		s.startTool(),
		s.fetchTool(),
		s.statusTool(),
		s.endTool(),
		s.payTool(),
	}
}

// Container returns the tools ready to hand to mcpservice.WithToolsCapability.
func (s *Set) Container() *mcpservice.ToolsContainer {
	return mcpservice.NewToolsContainer(s.Tools()...)
}

// Failure is embedded in every tool output and populated on error.
type Failure struct {
	ErrorKind string `json:"errorKind,omitempty" jsonschema:"description=Failure category when isError is set"`
	Error     string `json:"error,omitempty"`
}

func (f *Failure) setFailure(v Failure) { *f = v }

type failable interface{ setFailure(Failure) }

// handlerFunc returns the structured output, the human-readable text and
// an error. On error the output is still sent with the failure filled in.
type handlerFunc[A, O any] func(ctx context.Context, args A) (O, string, error)

func newTool[A, O any](s *Set, name string, fn handlerFunc[A, O], opts ...mcpservice.ToolOption) mcpservice.StaticTool {
	return mcpservice.NewToolWithOutput[A, O](name,
		func(ctx context.Context, _ sessions.Session, w mcpservice.ToolResponseWriterTyped[O], r *mcpservice.ToolRequest[A]) error {
			ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: name})
			start := time.Now()
			out, text, err := fn(ctx, r.Args())
			if err != nil {
				kind := paysession.KindOf(err)
				msg := err.Error()
				if kind == "" {
					kind = "Internal"
					msg = "Internal: " + msg
				}
				if f, ok := any(&out).(failable); ok {
					f.setFailure(Failure{ErrorKind: string(kind), Error: msg})
				}
				w.SetError(true)
				w.SetStructured(out)
				s.log.WarnContext(ctx, "tool.call.fail",
					slog.String("kind", string(kind)),
					slog.String("err", err.Error()),
					slog.Int64("dur_ms", time.Since(start).Milliseconds()),
				)
				return w.AppendText(msg)
			}
			w.SetStructured(out)
			s.log.InfoContext(ctx, "tool.call.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return w.AppendText(text)
		}, opts...)
}

func (s *Set) maxPayment(raw string) (*uint256.Int, error) {
	if raw == "" {
		return s.defaultMax, nil
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, paysession.Wrap(paysession.InvalidInput, err, "maxPayment must be a decimal amount in base units, got %q", raw)
	}
	return v, nil
}
