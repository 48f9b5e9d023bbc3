// Package stdio implements a single-connection MCP transport over
// stdin/stdout. It is how agent hosts usually launch the clawpay server: as a
// subprocess speaking newline-delimited JSON-RPC.
//
//	Connection model : 1 process <-> 1 client
//	Auth             : OS user (implicit principal)
//	Sessions         : ephemeral, memory only
//
// Logging must never go to stdout while Serve runs; the CLI routes slog to
// stderr.
//
// Example:
//
//	h := stdio.NewHandler(srv)
//	if err := h.Serve(ctx); err != nil { log.Fatal(err) }
package stdio
