// Package mcp contains the Model Context Protocol data types used by the
// clawpay tool server. Only the slice of the protocol the server speaks is
// modelled: the initialize handshake, tool listing and invocation, ping and
// cancellation.
//
// The package is free of transport logic. The stdio and streaminghttp
// transports import these types and implement their own framing, while
// mcpservice builds results from them and hands them to the engine for
// JSON-RPC serialization.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "hello"}},
//	}
package mcp
