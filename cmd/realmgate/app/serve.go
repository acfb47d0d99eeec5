package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/realmgate/realmgate/pkg/auth"
	"github.com/realmgate/realmgate/pkg/config"
	"github.com/realmgate/realmgate/pkg/flow"
	"github.com/realmgate/realmgate/pkg/jwks"
	"github.com/realmgate/realmgate/pkg/logger"
	"github.com/realmgate/realmgate/pkg/networking"
	"github.com/realmgate/realmgate/pkg/oidc"
	"github.com/realmgate/realmgate/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authentication gateway",
	RunE:  serveCmdFunc,
}

var (
	serveAddress    string
	serveConfigFile string
)

func init() {
	serveCmd.Flags().StringVar(&serveAddress, "address", ":8080", "Address to listen on")
	serveCmd.Flags().StringVar(&serveConfigFile, "config", "", "Path to a config file (defaults to environment variables)")
}

func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(serveConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	client := networking.NewClient(cfg.HTTPTimeout)
	doc, err := oidc.Discover(ctx, cfg.Issuer(), client)
	if err != nil {
		return fmt.Errorf("OIDC discovery failed for %s: %w", cfg.Issuer(), err)
	}

	cache, err := jwks.NewCache(doc.JWKSURI, cfg.JWKSCacheTTL, jwks.WithHTTPClient(client))
	if err != nil {
		return fmt.Errorf("failed to create key cache: %w", err)
	}

	validator, err := auth.NewValidator(auth.ValidatorConfig{
		Issuer:            doc.Issuer,
		Audience:          []string{cfg.ClientID},
		ClientID:          cfg.ClientID,
		AllowedAlgorithms: cfg.AllowedAlgorithms,
		ClockSkew:         cfg.ClockSkew,
		Keys:              cache,
	})
	if err != nil {
		return fmt.Errorf("failed to create token validator: %w", err)
	}

	exchanger, err := flow.NewExchanger(ctx, cfg, doc)
	if err != nil {
		return fmt.Errorf("failed to create code exchanger: %w", err)
	}

	refresher, err := flow.NewRefresher(cfg, doc)
	if err != nil {
		return fmt.Errorf("failed to create refresher: %w", err)
	}

	srv := &http.Server{
		Addr:              serveAddress,
		Handler:           server.New(cfg, validator, exchanger, refresher),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("realmgate listening",
			"address", serveAddress,
			"issuer", doc.Issuer,
			"client_id", cfg.ClientID,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
