package mcp

import "encoding/json"

// Method names a JSON-RPC request or notification.
type Method string

const (
	InitializeMethod              Method = "initialize"
	InitializedNotificationMethod Method = "notifications/initialized"
	PingMethod                    Method = "ping"
	CancelledNotificationMethod   Method = "notifications/cancelled"
	ToolsListMethod               Method = "tools/list"
	ToolsCallMethod               Method = "tools/call"
)

// LatestProtocolVersion is negotiated when a client asks for a version the
// server does not know.
const LatestProtocolVersion = "2025-06-18"

var supportedVersions = map[string]struct{}{
	LatestProtocolVersion: {},
	"2025-03-26":          {},
	"2024-11-05":          {},
}

// IsSupportedProtocolVersion reports whether the server can speak v as-is.
func IsSupportedProtocolVersion(v string) bool {
	_, ok := supportedVersions[v]
	return ok
}

// ImplementationInfo identifies a client or server build.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitzero"`
}

// InitializeRequest is the params object of an initialize call. Client
// capabilities are kept raw; this server never issues requests to the client.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    json.RawMessage    `json:"capabilities,omitempty"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// ToolsCapability is advertised in InitializeResult when tools are served.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ServerCapabilities lists what the server offers after initialize.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitzero"`
}

// EmptyResult answers ping.
type EmptyResult struct{}
