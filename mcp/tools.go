package mcp

import "encoding/json"

// ContentTypeText is the only content block kind tool results carry.
const ContentTypeText = "text"

// ContentBlock is one part of a tool result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitzero"`
}

type ListToolsRequest struct {
	Cursor string `json:"cursor,omitzero"`
}

type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitzero"`
}

// CallToolRequestReceived is a tools/call params object with the arguments
// left undecoded for the tool's own binder.
type CallToolRequestReceived struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is returned from tools/call. Failures the caller should see
// set IsError rather than producing a JSON-RPC error.
type CallToolResult struct {
	Content           []ContentBlock `json:"content"`
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitzero"`
}

// Tool is a tools/list entry.
type Tool struct {
	Name         string            `json:"name"`
	Title        string            `json:"title,omitzero"`
	Description  string            `json:"description,omitempty"`
	InputSchema  ToolInputSchema   `json:"inputSchema"`
	OutputSchema *ToolOutputSchema `json:"outputSchema,omitempty"`
	Annotations  *ToolAnnotations  `json:"annotations,omitempty"`
}

type ToolInputSchema struct {
	Type                 string                    `json:"type"`
	Properties           map[string]SchemaProperty `json:"properties,omitempty"`
	Required             []string                  `json:"required,omitempty"`
	AdditionalProperties bool                      `json:"additionalProperties"`
}

type ToolOutputSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty is the subset of JSON Schema that tool arguments and
// outputs use. AdditionalProperties describes map values such as headers.
type SchemaProperty struct {
	Type                 string                    `json:"type,omitempty"`
	Description          string                    `json:"description,omitzero"`
	Format               string                    `json:"format,omitzero"`
	Default              any                       `json:"default,omitempty"`
	Minimum              *float64                  `json:"minimum,omitempty"`
	Maximum              *float64                  `json:"maximum,omitempty"`
	Enum                 []any                     `json:"enum,omitempty"`
	Items                *SchemaProperty           `json:"items,omitempty"`
	Properties           map[string]SchemaProperty `json:"properties,omitempty"`
	AdditionalProperties *SchemaProperty           `json:"additionalProperties,omitempty"`
}

// ToolAnnotations are hints for clients, e.g. that x402_session_start spends
// funds and x402_session_status does not.
type ToolAnnotations struct {
	Title           string `json:"title,omitzero"`
	ReadOnlyHint    bool   `json:"readOnlyHint,omitzero"`
	DestructiveHint *bool  `json:"destructiveHint,omitempty"`
	IdempotentHint  bool   `json:"idempotentHint,omitzero"`
	OpenWorldHint   *bool  `json:"openWorldHint,omitempty"`
}
