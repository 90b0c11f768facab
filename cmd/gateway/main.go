package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agreatopportunity/LNCA/internal/api"
	"github.com/agreatopportunity/LNCA/internal/cashu"
	"github.com/agreatopportunity/LNCA/internal/config"
	"github.com/agreatopportunity/LNCA/internal/l402"
	"github.com/agreatopportunity/LNCA/internal/lightning"
	"github.com/agreatopportunity/LNCA/internal/provider"
	"github.com/agreatopportunity/LNCA/internal/relay"
	"github.com/agreatopportunity/LNCA/internal/usage"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Lightning node ────────────────────────────────────────────────────────
	var node lightning.Invoicer
	if cfg.Lightning.DegradedMode {
		log.Warn("DEGRADED MODE: using in-process fake Lightning node")
		node = lightning.NewFakeNode()
	} else {
		node = lightning.NewLNDClient(cfg.Lightning.Endpoint, cfg.Lightning.Macaroon)
	}
	notifier := lightning.NewNotifier(log)
	defer notifier.Close()

	// ── L402 pricing + service ────────────────────────────────────────────────
	pricing := l402.NewPricing(cfg.Providers.Default, []l402.Tier{
		{
			ID:            "ollama",
			DisplayName:   "Baseline (local)",
			PricePerToken: cfg.Pricing.BaselinePricePerToken,
			MinPayment:    cfg.Pricing.BaselineMinPayment,
		},
		{
			ID:            "openai",
			DisplayName:   "Premium",
			PricePerToken: cfg.Pricing.PremiumPricePerToken,
			MinPayment:    cfg.Pricing.PremiumMinPayment,
		},
	})
	store := l402.NewStore(rdb)
	svc := l402.NewService(store, node, pricing, []byte(cfg.Pricing.RootKey), log)

	// Settlements observed by invoice watchers flip sessions to paid.
	go runSettlementConsumer(ctx, notifier, svc, log)

	// ── Ecash wallet ──────────────────────────────────────────────────────────
	mint := cashu.NewHTTPMintClient(cfg.Mint.URL)
	wallet := cashu.NewWallet(mint, cfg.Mint.URL, log)

	// ── Chat providers ────────────────────────────────────────────────────────
	router := provider.NewRouter()
	router.Register(
		provider.NewOllamaClient(cfg.Providers.OllamaURL, "llama3"),
		true,
	)
	router.Register(
		provider.NewOpenAIClient("openai", cfg.Providers.OpenAIBaseURL, cfg.Providers.OpenAIKey, "gpt-4o-mini"),
		cfg.Providers.OpenAIKey != "",
	)

	// ── Durable ledger (optional) ─────────────────────────────────────────────
	var ledger *usage.Store
	if cfg.Ledger.DSN != "" {
		ledger, err = usage.Open(cfg.Ledger.DSN)
		if err != nil {
			log.Fatal("ledger init failed", zap.Error(err))
		}
	}

	// ── Nostr receipts (optional) ─────────────────────────────────────────────
	receipts := relay.NewRegistry()
	var nostrClient *relay.Client
	if len(cfg.Nostr.Relays) > 0 && cfg.Nostr.SecretKey != "" {
		nostrClient, err = relay.Connect(ctx, cfg.Nostr.Relays, cfg.Nostr.SecretKey, log)
		if err != nil {
			log.Warn("nostr disabled", zap.Error(err))
		} else {
			defer nostrClient.Close()
			// Receipts seen on the relays (ours and other gateway
			// instances') feed the same local fan-out as direct metering.
			go func() {
				if err := nostrClient.SubscribeReceipts(ctx, receipts.Publish); err != nil && ctx.Err() == nil {
					log.Warn("receipt subscription ended", zap.Error(err))
				}
			}()
		}
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())

	api.NewHandler(api.Config{
		Log:      log,
		Router:   router,
		Service:  svc,
		Store:    store,
		Pricing:  pricing,
		Wallet:   wallet,
		Node:     node,
		Notifier: notifier,
		Ledger:   ledger,
		Receipts: receipts,
		Nostr:    nostrClient,
	}).Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// runSettlementConsumer marks sessions paid as their invoices settle.
func runSettlementConsumer(ctx context.Context, notifier *lightning.Notifier, svc *l402.Service, log *zap.Logger) {
	id, settlements := notifier.Subscribe()
	defer notifier.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-settlements:
			if !ok {
				return
			}
			if err := svc.SettleByPaymentHash(ctx, s.PaymentHash); err != nil {
				log.Warn("settlement not applied",
					zap.String("payment_hash", s.PaymentHash),
					zap.Error(err))
			}
		}
	}
}
