package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/skyrelay/antigravity-gateway/internal/antigravity"
	"github.com/skyrelay/antigravity-gateway/internal/config"
	"github.com/skyrelay/antigravity-gateway/internal/cooldown"
	"github.com/skyrelay/antigravity-gateway/internal/credential"
	"github.com/skyrelay/antigravity-gateway/internal/httpserver"
	"github.com/skyrelay/antigravity-gateway/internal/quota"
	"github.com/skyrelay/antigravity-gateway/internal/selector"
	"github.com/skyrelay/antigravity-gateway/internal/tokens"
	"github.com/skyrelay/antigravity-gateway/internal/translator"
	"github.com/skyrelay/antigravity-gateway/internal/usagedb"
	"github.com/skyrelay/antigravity-gateway/internal/version"
)

// levelFilter drops [DEBUG] lines unless LOG_LEVEL=debug.
type levelFilter struct {
	w io.Writer
}

func (f *levelFilter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("[DEBUG]")) {
		return len(p), nil
	}
	return f.w.Write(p)
}

func main() {
	configPath := flag.String("config", "config.yaml", "optional YAML config file; environment variables win")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var out io.Writer = os.Stdout
	if !strings.EqualFold(cfg.LogLevel, "debug") {
		out = &levelFilter{w: os.Stdout}
	}
	logger := log.New(out, "[gateway] ", log.LstdFlags|log.Lmicroseconds)
	logger.Printf("[INFO] starting %s", version.FullInfo())

	apiURL := cfg.APIURL
	if apiURL == "" && cfg.APIHost != "" {
		apiURL = "https://" + cfg.APIHost
	}
	client, err := antigravity.NewClient(antigravity.ClientOptions{
		APIURL:      apiURL,
		ModelsURL:   cfg.APIModelsURL,
		NoStreamURL: cfg.APINoStreamURL,
		UserAgent:   cfg.APIUserAgent,
		Proxy:       cfg.Proxy,
		Timeout:     cfg.Timeout,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatalf("[ERROR] upstream client: %v", err)
	}

	store := credential.NewStore(cfg.CredentialsPath, client, logger)
	if err := store.Load(); err != nil {
		logger.Fatalf("[ERROR] load credentials: %v", err)
	}
	logger.Printf("[INFO] loaded %d credentials from %s", store.Len(), cfg.CredentialsPath)

	registry := cooldown.NewRegistry(cfg.CooldownsPath, logger)
	if err := registry.Load(); err != nil {
		logger.Fatalf("[ERROR] load cooldowns: %v", err)
	}
	defer registry.Close()

	ledger := tokens.NewLedger()
	sel := selector.New(store, registry, ledger, cfg.CredentialMaxUsagePerHour, logger)
	monitor := quota.NewMonitor(store, client, logger)
	sel.SetUsedCallback(monitor.MarkUsed)

	var usage *usagedb.Store
	if cfg.UsageDSN != "" {
		usage, err = usagedb.Open(cfg.UsageDSN)
		if err != nil {
			logger.Printf("[WARN] usage database unavailable: %v", err)
		} else {
			defer usage.Close()
		}
	}

	trans := translator.New(translator.Options{
		UserAgent:          cfg.APIUserAgent,
		SystemInstruction:  cfg.SystemInstruction,
		DefaultTemperature: cfg.DefaultTemperature,
		DefaultTopP:        cfg.DefaultTopP,
		DefaultTopK:        cfg.DefaultTopK,
		DefaultMaxTokens:   cfg.DefaultMaxTokens,
		MaxImages:          cfg.MaxImages,
	}, translator.NewSignatureCache(), logger)

	stopCh := make(chan struct{})
	go monitor.Run(stopCh)

	srv := httpserver.NewServer(httpserver.Deps{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Registry:   registry,
		Monitor:    monitor,
		Selector:   sel,
		Translator: trans,
		Client:     client,
		Usage:      usage,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Printf("[INFO] listening on %s", cfg.Addr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("[ERROR] http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Printf("[INFO] shutting down")

	close(stopCh)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("[WARN] shutdown: %v", err)
	}
}
