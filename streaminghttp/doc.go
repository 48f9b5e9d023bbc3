// Package streaminghttp implements the MCP streamable HTTP transport as a
// standard net/http handler mounted on one endpoint path.
//
//	POST   : one JSON-RPC message; initialize opens a connection session and
//	         returns its id in Mcp-Session-Id
//	GET    : the standalone SSE stream (idle; the server pushes nothing)
//	DELETE : close the connection session
//
// Requests are authenticated with bearer tokens through an
// auth.Authenticator. Transport failures map to HTTP status codes; MCP
// failures are JSON-RPC error responses.
//
// Example:
//
//	h, err := streaminghttp.New("http://127.0.0.1:8402/mcp", srv, authenticator)
//	if err != nil { return err }
//	http.ListenAndServe("127.0.0.1:8402", h)
package streaminghttp
