// Command clawpay-mcp serves paid x402 sessions to agents as MCP tools over
// stdio (the default) or streamable HTTP.
//
// Configuration comes from CLAWPAY_* environment variables; flags override
// a few of them. Logs always go to stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

// Set via -ldflags at release time.
var version = "0.0.0-dev"

var (
	logLevelFlag = &cli.StringFlag{
		Name:    "log-level",
		Usage:   "debug, info, warn or error",
		EnvVars: []string{"CLAWPAY_LOG_LEVEL"},
	}
	logFormatFlag = &cli.StringFlag{
		Name:    "log-format",
		Usage:   "text (colourised) or json",
		EnvVars: []string{"CLAWPAY_LOG_FORMAT"},
	}
	addrFlag = &cli.StringFlag{
		Name:    "addr",
		Usage:   "listen address for the HTTP transport",
		EnvVars: []string{"CLAWPAY_HTTP_ADDR"},
	}
	publicEndpointFlag = &cli.StringFlag{
		Name:    "public-endpoint",
		Usage:   "externally visible MCP URL; its path is where the handler is mounted",
		EnvVars: []string{"CLAWPAY_PUBLIC_ENDPOINT"},
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:    "clawpay-mcp",
		Usage:   "pay once for an x402 resource and reuse the access as a session",
		Version: version,
		Flags:   []cli.Flag{logLevelFlag, logFormatFlag},
		Commands: []*cli.Command{
			commandStdio,
			commandHTTP,
			commandAddress,
		},
		Action: runStdio,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
