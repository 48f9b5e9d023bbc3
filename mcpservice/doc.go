// Package mcpservice provides the server-side building blocks the protocol
// engine consumes: the ServerCapabilities a server advertises during
// initialize, and a tools capability built from typed Go handlers.
//
// Capability discovery methods return (cap, ok, err). A false ok means the
// capability is not offered for the session; err is reserved for internal
// failures while deciding.
//
// Typed tools reflect their input and output structs into JSON schemas with
// invopop/jsonschema, so argument documentation lives in struct tags:
//
//	type EchoArgs struct {
//	    Message string `json:"message" jsonschema:"description=Text to echo"`
//	}
//
//	echo := mcpservice.NewTool[EchoArgs]("echo",
//	    func(ctx context.Context, s sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[EchoArgs]) error {
//	        return w.AppendText(r.Args().Message)
//	    },
//	    mcpservice.WithToolDescription("Echo a message back"),
//	)
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "example", Version: "1.0.0"}),
//	    mcpservice.WithToolsCapability(mcpservice.NewToolsContainer(echo)),
//	)
package mcpservice
