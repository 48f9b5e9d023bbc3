package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/up2itnow0822/clawpay-mcp/mcp"
	"github.com/up2itnow0822/clawpay-mcp/sessions"
)

// ToolHandler handles one tool invocation.
type ToolHandler func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// StaticTool pairs an MCP tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolRequest carries the decoded arguments of a typed tool call.
type ToolRequest[A any] struct {
	name string
	raw  json.RawMessage
	args A
}

func (r *ToolRequest[A]) Name() string                  { return r.name }
func (r *ToolRequest[A]) RawArguments() json.RawMessage { return r.raw }
func (r *ToolRequest[A]) Args() A                       { return r.args }

// ToolResponseWriterTyped extends ToolResponseWriter with a structured
// result of type O.
type ToolResponseWriterTyped[O any] interface {
	ToolResponseWriter
	SetStructured(v O)
}

type toolResponseWriterTyped[O any] struct {
	ToolResponseWriter
	structured *O
}

func (tw *toolResponseWriterTyped[O]) SetStructured(v O) { tw.structured = &v }

// ToolOption configures NewTool and NewToolWithOutput.
type ToolOption func(*toolConfig)

type toolConfig struct {
	title                     string
	description               string
	annotations               *mcp.ToolAnnotations
	allowAdditionalProperties bool
}

// WithToolTitle sets the human-facing title.
func WithToolTitle(title string) ToolOption {
	return func(c *toolConfig) { c.title = title }
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAnnotations attaches behavioural hints to the descriptor.
func WithToolAnnotations(a mcp.ToolAnnotations) ToolOption {
	return func(c *toolConfig) { c.annotations = &a }
}

// WithToolAllowAdditionalProperties controls whether unknown argument fields
// are accepted. By default they are rejected at decode time and the schema
// sets additionalProperties=false.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool constructs a writer-based tool with typed input A.
func NewTool[A any](name string, fn func(ctx context.Context, session sessions.Session, w ToolResponseWriter, r *ToolRequest[A]) error, opts ...ToolOption) StaticTool {
	cfg := newToolConfig(opts)
	desc := cfg.descriptor(name, reflectToMCPInputSchema[A](cfg.allowAdditionalProperties))

	handler := func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		a, err := decodeArgs[A](req.Arguments, cfg.allowAdditionalProperties)
		if err != nil {
			return invalidArguments(err), nil
		}
		w := newToolResponseWriter(ctx)
		if err := fn(ctx, session, w, &ToolRequest[A]{name: req.Name, raw: req.Arguments, args: a}); err != nil {
			return nil, err
		}
		return w.Result(), nil
	}
	return StaticTool{Descriptor: desc, Handler: handler}
}

// NewToolWithOutput constructs a tool with typed input A and a typed
// structured result O whose schema is advertised as the tool's outputSchema.
func NewToolWithOutput[A, O any](name string, fn func(ctx context.Context, session sessions.Session, w ToolResponseWriterTyped[O], r *ToolRequest[A]) error, opts ...ToolOption) StaticTool {
	cfg := newToolConfig(opts)
	desc := cfg.descriptor(name, reflectToMCPInputSchema[A](cfg.allowAdditionalProperties))
	out := reflectToMCPOutputSchema[O]()
	desc.OutputSchema = &out

	handler := func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		a, err := decodeArgs[A](req.Arguments, cfg.allowAdditionalProperties)
		if err != nil {
			return invalidArguments(err), nil
		}
		tw := &toolResponseWriterTyped[O]{ToolResponseWriter: newToolResponseWriter(ctx)}
		if err := fn(ctx, session, tw, &ToolRequest[A]{name: req.Name, raw: req.Arguments, args: a}); err != nil {
			return nil, err
		}
		res := tw.Result()
		if tw.structured != nil {
			m, err := toObject(*tw.structured)
			if err != nil {
				return nil, fmt.Errorf("encode structured content: %w", err)
			}
			res.StructuredContent = m
		}
		return res, nil
	}
	return StaticTool{Descriptor: desc, Handler: handler}
}

func newToolConfig(opts []ToolOption) toolConfig {
	var cfg toolConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (c toolConfig) descriptor(name string, input mcp.ToolInputSchema) mcp.Tool {
	return mcp.Tool{
		Name:        name,
		Title:       c.title,
		Description: c.description,
		InputSchema: input,
		Annotations: c.annotations,
	}
}

func decodeArgs[A any](raw json.RawMessage, lenient bool) (A, error) {
	var a A
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return a, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if !lenient {
		dec.DisallowUnknownFields()
	}
	err := dec.Decode(&a)
	return a, err
}

func toObject(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// reflectToMCPInputSchema reflects A with invopop/jsonschema and converts it
// to the simplified MCP input schema. Non-object types become an empty
// object schema.
func reflectToMCPInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))
	props, required := objectProperties(s)
	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

func reflectToMCPOutputSchema[O any]() mcp.ToolOutputSchema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	props, required := objectProperties(r.Reflect(new(O)))
	return mcp.ToolOutputSchema{Type: "object", Properties: props, Required: required}
}

func objectProperties(s *jsonschema.Schema) (map[string]mcp.SchemaProperty, []string) {
	props := make(map[string]mcp.SchemaProperty)
	if s == nil || s.Type != "object" || s.Properties == nil {
		return props, nil
	}
	for el := s.Properties.Oldest(); el != nil; el = el.Next() {
		props[el.Key] = toMCPProperty(el.Value)
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}
	return props, required
}

// toMCPProperty recursively maps a jsonschema.Schema to an MCP SchemaProperty.
func toMCPProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
		Format:      s.Format,
		Default:     s.Default,
		Minimum:     numberPtr(s.Minimum),
		Maximum:     numberPtr(s.Maximum),
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toMCPProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" {
		if s.Properties != nil && s.Properties.Len() > 0 {
			m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
			for el := s.Properties.Oldest(); el != nil; el = el.Next() {
				m[el.Key] = toMCPProperty(el.Value)
			}
			p.Properties = m
		} else if s.AdditionalProperties != nil && s.AdditionalProperties.Type != "" {
			ap := toMCPProperty(s.AdditionalProperties)
			p.AdditionalProperties = &ap
		}
	}
	return p
}

func numberPtr(n json.Number) *float64 {
	if n == "" {
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil
	}
	return &f
}

// ToolsContainer is a threadsafe set of tools that implements
// ToolsCapability with offset-cursor pagination.
type ToolsContainer struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]ToolHandler
	pageSize int
}

var _ ToolsCapability = (*ToolsContainer)(nil)

// NewToolsContainer constructs a container from the given tools. On
// duplicate names the last definition wins.
func NewToolsContainer(defs ...StaticTool) *ToolsContainer {
	tc := &ToolsContainer{pageSize: 50, handlers: make(map[string]ToolHandler, len(defs))}
	for _, d := range defs {
		tc.put(d)
	}
	return tc
}

func (tc *ToolsContainer) put(d StaticTool) {
	name := d.Descriptor.Name
	if _, exists := tc.handlers[name]; exists {
		for i := range tc.tools {
			if tc.tools[i].Name == name {
				tc.tools[i] = d.Descriptor
			}
		}
	} else {
		tc.tools = append(tc.tools, d.Descriptor)
	}
	tc.handlers[name] = d.Handler
}

// Add registers a tool unless one with the same name exists. It reports
// whether the tool was added.
func (tc *ToolsContainer) Add(def StaticTool) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if _, exists := tc.handlers[def.Descriptor.Name]; exists {
		return false
	}
	tc.put(def)
	return true
}

// SetPageSize sets the ListTools page size. Non-positive values are ignored.
func (tc *ToolsContainer) SetPageSize(n int) {
	if n <= 0 {
		return
	}
	tc.mu.Lock()
	tc.pageSize = n
	tc.mu.Unlock()
}

// Snapshot returns a copy of the current descriptors.
func (tc *ToolsContainer) Snapshot() []mcp.Tool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make([]mcp.Tool, len(tc.tools))
	copy(out, tc.tools)
	return out
}

// ListTools implements ToolsCapability.
func (tc *ToolsContainer) ListTools(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Tool], error) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	start := 0
	if cursor != nil && *cursor != "" {
		n, err := strconv.Atoi(*cursor)
		if err != nil || n < 0 || n > len(tc.tools) {
			return Page[mcp.Tool]{}, fmt.Errorf("invalid cursor %q", *cursor)
		}
		start = n
	}
	end := min(start+tc.pageSize, len(tc.tools))
	items := make([]mcp.Tool, end-start)
	copy(items, tc.tools[start:end])
	if end < len(tc.tools) {
		return NewPage(items, WithNextCursor[mcp.Tool](strconv.Itoa(end))), nil
	}
	return NewPage(items), nil
}

// CallTool implements ToolsCapability.
func (tc *ToolsContainer) CallTool(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("invalid tool request: missing name")
	}
	tc.mu.RLock()
	h := tc.handlers[req.Name]
	tc.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, req.Name)
	}
	return h(ctx, session, req)
}

// invalidArguments is reported to the caller as a tool error.
func invalidArguments(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "invalid arguments: " + err.Error()}},
		IsError: true,
	}
}
