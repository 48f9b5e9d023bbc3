package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/up2itnow0822/clawpay-mcp/config"
	"github.com/up2itnow0822/clawpay-mcp/internal/logctx"
	"github.com/up2itnow0822/clawpay-mcp/mcp"
	"github.com/up2itnow0822/clawpay-mcp/mcpservice"
	"github.com/up2itnow0822/clawpay-mcp/payment/walletservice"
	"github.com/up2itnow0822/clawpay-mcp/payment/x402"
	"github.com/up2itnow0822/clawpay-mcp/paysession/memstore"
	"github.com/up2itnow0822/clawpay-mcp/router"
	"github.com/up2itnow0822/clawpay-mcp/signer"
	"github.com/up2itnow0822/clawpay-mcp/tools"
)

const instructions = `Use x402_session_start to pay once for an API and get a session id.
Pass that id to x402_session_fetch for further calls under the same endpoint;
those calls are not paid again until the session expires. x402_pay fetches any
URL and reuses a matching session automatically. Amounts are token base units.`

func buildServer(cfg *config.Config, log *slog.Logger) (mcpservice.ServerCapabilities, error) {
	if cfg.PrivateKey == "" {
		return nil, errors.New("CLAWPAY_PRIVATE_KEY is required")
	}
	sig, err := signer.NewLocal(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("loading signer: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout + 5*time.Second}
	store := memstore.New(sig, memstore.WithTTLPolicy(cfg.TTLPolicy()), memstore.WithLogger(log))
	payer := walletservice.New(cfg.WalletServiceURL,
		walletservice.WithAPIKey(cfg.WalletServiceAPIKey),
		walletservice.WithLogger(log),
	)
	payments := x402.New(payer, x402.WithHTTPClient(httpClient), x402.WithLogger(log))
	r := router.New(store, payments, sig.Address(),
		router.WithHTTPClient(httpClient),
		router.WithTimeout(cfg.RequestTimeout),
		router.WithMaxBodyBytes(cfg.MaxBodyBytes),
		router.WithLogger(log),
	)
	set := tools.New(r,
		tools.WithDefaultMaxPayment(cfg.DefaultMaxPayment()),
		tools.WithDisplayLimit(cfg.DisplayLimit),
		tools.WithLogger(log),
	)

	log.Info("server.build.ok", slog.String("wallet", sig.Address()), slog.String("wallet_service", cfg.WalletServiceURL))
	return mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "clawpay-mcp", Version: version, Title: "ClawPay x402 sessions"}),
		mcpservice.WithInstructions(instructions),
		mcpservice.WithToolsCapability(set.Container()),
	), nil
}

// newLogger writes to w (stderr in practice; stdout carries the stdio
// transport). Text output is colourised with tint.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, err := cfg.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		h = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	}
	return slog.New(logctx.Handler{Handler: h})
}
