// AgroLink RFQ - request-for-quote negotiation and escrow for produce trading
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/agrolink/rfq/internal/auth"
	"github.com/agrolink/rfq/internal/config"
	"github.com/agrolink/rfq/internal/logging"
	"github.com/agrolink/rfq/internal/market"
	"github.com/agrolink/rfq/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	issueFor := flag.String("issue-token", "", "print a bearer token for `role:id` (development only) and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if *issueFor != "" {
		if err := issueToken(cfg, *issueFor); err != nil {
			logger.Error("failed to issue token", "error", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("starting agrolink rfq",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// issueToken prints a token for "role:id". Identity is issued upstream
// in real deployments.
func issueToken(cfg *config.Config, subject string) error {
	if !cfg.IsDevelopment() {
		return fmt.Errorf("-issue-token is only available in development")
	}
	role, id, ok := strings.Cut(subject, ":")
	if !ok || role == "" || id == "" {
		return fmt.Errorf("expected role:id, got %q", subject)
	}
	tok, err := auth.NewTokens(cfg.JWTSecret).Issue(market.Actor{ID: id, Role: market.Role(role)})
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
