package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/up2itnow0822/clawpay-mcp/auth"
	"github.com/up2itnow0822/clawpay-mcp/config"
	"github.com/up2itnow0822/clawpay-mcp/signer"
	"github.com/up2itnow0822/clawpay-mcp/stdio"
	"github.com/up2itnow0822/clawpay-mcp/streaminghttp"
)

var commandStdio = &cli.Command{
	Name:   "stdio",
	Usage:  "serve MCP over stdin/stdout (default)",
	Action: runStdio,
}

var commandHTTP = &cli.Command{
	Name:  "http",
	Usage: "serve MCP over streamable HTTP",
	Description: `
Serves the MCP endpoint at the path of --public-endpoint. Bearer tokens are
required when CLAWPAY_AUTH_ISSUER or CLAWPAY_AUTH_SECRET is set; otherwise
only loopback listeners are allowed.`,
	Flags:  []cli.Flag{addrFlag, publicEndpointFlag},
	Action: runHTTP,
}

var commandAddress = &cli.Command{
	Name:  "address",
	Usage: "print the wallet address sessions are signed for",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		sig, err := signer.NewLocal(cfg.PrivateKey)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, sig.Address())
		return nil
	},
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if v := c.String(logLevelFlag.Name); v != "" {
		cfg.LogLevel = v
	}
	if v := c.String(logFormatFlag.Name); v != "" {
		cfg.LogFormat = v
	}
	if c.IsSet(addrFlag.Name) {
		cfg.HTTPAddr = c.String(addrFlag.Name)
	}
	if c.IsSet(publicEndpointFlag.Name) {
		cfg.PublicEndpoint = c.String(publicEndpointFlag.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runStdio(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log := newLogger(cfg, c.App.ErrWriter)
	srv, err := buildServer(cfg, log)
	if err != nil {
		return err
	}
	log.Info("stdio.serve.start", slog.String("version", version))
	h := stdio.NewHandler(srv, stdio.WithLogger(log))
	if err := h.Serve(c.Context); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runHTTP(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log := newLogger(cfg, c.App.ErrWriter)
	srv, err := buildServer(cfg, log)
	if err != nil {
		return err
	}

	endpoint := cfg.PublicEndpoint
	if endpoint == "" {
		endpoint = "http://" + cfg.HTTPAddr + "/mcp"
	}
	authenticator, err := buildAuthenticator(c.Context, cfg, endpoint)
	if err != nil {
		return err
	}
	if authenticator == nil && !isLoopback(cfg.HTTPAddr) {
		return fmt.Errorf("refusing to serve %s without authentication; set CLAWPAY_AUTH_ISSUER or CLAWPAY_AUTH_SECRET", cfg.HTTPAddr)
	}

	h, err := streaminghttp.New(endpoint, srv, authenticator, streaminghttp.WithLogger(log), streaminghttp.WithRealm("clawpay-mcp"))
	if err != nil {
		return err
	}
	hs := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	log.Info("http.serve.start", slog.String("addr", cfg.HTTPAddr), slog.String("endpoint", endpoint), slog.Bool("auth", authenticator != nil))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-c.Context.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info("http.serve.shutdown")
	return hs.Shutdown(shutdownCtx)
}

// buildAuthenticator picks shared-secret, static JWKS or OIDC discovery in
// that order. Nil means anonymous access.
func buildAuthenticator(ctx context.Context, cfg *config.Config, endpoint string) (auth.Authenticator, error) {
	if !cfg.AuthEnabled() {
		return nil, nil
	}
	ac := auth.DefaultConfig()
	ac.Issuer = cfg.AuthIssuer
	ac.ExpectedAudiences = []string{endpoint}
	if cfg.AuthAudience != "" {
		ac.ExpectedAudiences = []string{cfg.AuthAudience}
	}
	switch {
	case cfg.AuthSecret != "":
		return auth.NewSharedSecret(ac, []byte(cfg.AuthSecret))
	case cfg.AuthJWKSURL != "":
		return auth.NewStatic(ctx, ac, cfg.AuthJWKSURL)
	default:
		return auth.NewFromDiscovery(ctx, ac)
	}
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
