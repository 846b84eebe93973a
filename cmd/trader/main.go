// Package main is the entry point for the openrange trading client.
// It establishes an authenticated brokerage session, verifies the account
// safety check, keeps the session alive, and shuts down cleanly on signal.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantfold/openrange/internal/clients/ibkr"
	"github.com/quantfold/openrange/internal/clients/ibkr/sdk"
	"github.com/quantfold/openrange/internal/config"
	"github.com/quantfold/openrange/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	creds, err := sdk.LoadCredentials(sdk.CredentialConfig{
		ConsumerKey:       cfg.IBKRConsumerKey,
		AccessToken:       cfg.IBKRAccessToken,
		AccessTokenSecret: cfg.IBKRAccessTokenSecret,
		SignatureKeyPath:  cfg.IBKRSignatureKeyPath,
		EncryptionKeyPath: cfg.IBKREncryptionKeyPath,
		DHPrimeHex:        cfg.IBKRDHPrimeHex,
		Realm:             cfg.IBKRRealm,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load brokerage credentials")
	}

	client := ibkr.NewClient(creds, ibkr.Options{
		BaseURL:              cfg.IBKRBaseURL,
		PaperTradingExpected: cfg.PaperTrading,
		PaperAccountPrefix:   cfg.PaperAccountPrefix,
		DefaultExchange:      cfg.DefaultExchange,
		DefaultSecType:       cfg.DefaultSecType,
		KeepAliveInterval:    cfg.KeepAliveInterval,
	}, log)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	err = client.Connect(ctx)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to brokerage")
	}

	balanceCtx, balanceCancel := context.WithTimeout(context.Background(), 30*time.Second)
	balance, err := client.GetAccountBalance(balanceCtx)
	balanceCancel()
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch account balance")
	} else {
		log.Info().
			Str("account", client.AccountID()).
			Float64("available_funds", balance.AvailableFunds).
			Float64("net_liquidation", balance.NetLiquidationValue).
			Str("currency", balance.Currency).
			Msg("Account ready")
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")
	client.Disconnect()
}
