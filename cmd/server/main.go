// The relay server: an Anthropic Messages API front multiplexed across a
// pool of Google Cloud Code accounts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vantorre/antigravity-relay/internal/account"
	"github.com/vantorre/antigravity-relay/internal/auth"
	"github.com/vantorre/antigravity-relay/internal/cloudcode"
	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/internal/format"
	"github.com/vantorre/antigravity-relay/internal/janitor"
	"github.com/vantorre/antigravity-relay/internal/logging"
	"github.com/vantorre/antigravity-relay/internal/modules"
	"github.com/vantorre/antigravity-relay/internal/server"
	"github.com/vantorre/antigravity-relay/internal/tokenizer"
)

func main() {
	var (
		configPath   string
		port         int
		host         string
		debug        bool
		fallback     bool
		triggerReset bool
		strategy     string
		accountsFile string
		thinkingTags string
	)
	flag.StringVar(&configPath, "config", "", "Path to config.json")
	flag.IntVar(&port, "port", 0, "Listen port (default 8080)")
	flag.StringVar(&host, "host", "", "Bind address (default 127.0.0.1)")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&fallback, "fallback", false, "Enable model fallback on quota exhaustion")
	flag.BoolVar(&triggerReset, "trigger-reset", false, "Clear all rate-limit state on startup")
	flag.StringVar(&strategy, "strategy", "", "Account selection strategy (sticky/round-robin/aggressive/on-demand)")
	flag.StringVar(&accountsFile, "accounts-file", "", "Path to accounts.json")
	flag.StringVar(&thinkingTags, "thinking-tags", "", "Inline thinking tag handling (passthrough/strip/native)")
	flag.Parse()

	log := logging.New()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("[Startup] %v", err)
		os.Exit(1)
	}

	// Flags take precedence over file and environment.
	if port != 0 {
		cfg.Port = port
	}
	if host != "" {
		cfg.Host = host
	}
	if debug {
		cfg.Debug = true
	}
	if fallback {
		cfg.FallbackEnabled = true
	}
	if strategy != "" {
		cfg.Strategy = strings.ToLower(strategy)
	}
	if accountsFile != "" {
		cfg.AccountsFile = accountsFile
	}
	if thinkingTags != "" {
		cfg.ThinkingTags = thinkingTags
	}
	if err := cfg.Validate(); err != nil {
		log.Error("[Startup] %v", err)
		os.Exit(1)
	}
	log.SetDebug(cfg.Debug)

	if name, mapped := cfg.EffectiveStrategy(); mapped {
		log.Warn("[Startup] Strategy %q is a deprecated alias, using %q", cfg.Strategy, name)
		cfg.Strategy = name
	}

	// A cyclic fallback map would loop a request forever; refuse to start.
	if err := config.ValidateFallbackMap(cfg.EffectiveFallbackMap()); err != nil {
		log.Error("[Startup] Fallback map rejected: %v", err)
		os.Exit(1)
	}

	store := account.NewStore(cfg.AccountsFile)
	pool := account.NewManager(cfg, log, store)
	if err := pool.Initialize(""); err != nil {
		log.Error("[Startup] Account pool: %v", err)
		os.Exit(1)
	}
	if triggerReset {
		pool.ResetAllRateLimits()
		log.Info("[Startup] Cleared all rate-limit state")
	}
	if pool.Count() == 0 {
		log.Warn("[Startup] No accounts configured. Run: antigravity-accounts add")
	}

	sigs := format.NewSignatureCache()
	schemas, err := format.NewSchemaCache()
	if err != nil {
		log.Error("[Startup] Schema cache: %v", err)
		os.Exit(1)
	}
	xlate := format.NewTranslator(log, sigs, schemas, cfg.ThinkingTags)
	tokens := auth.NewProvider(log)
	usage := modules.NewUsageStats()
	ctrl := cloudcode.NewController(log, cfg, pool, tokens, xlate, usage)

	counter := tokenizer.NewCounter(log)
	go counter.Warmup()

	jan := janitor.New(log, cfg, pool, ctrl, xlate)
	jan.Start()

	srv := server.New(log, cfg, server.Deps{
		Pool:       pool,
		Ctrl:       ctrl,
		Tokens:     tokens,
		Translator: xlate,
		Usage:      usage,
		Counter:    counter,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := srv.HTTPServer(addr)

	go func() {
		log.Info("[Server] Listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("[Server] %v", err)
			os.Exit(1)
		}
	}()

	printBanner(cfg, pool)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("[Server] Shutting down...")
	jan.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("[Server] Forced shutdown: %v", err)
		os.Exit(1)
	}
	log.Success("[Server] Stopped")
}

func printBanner(cfg *config.Config, pool *account.Manager) {
	displayHost := cfg.Host
	if displayHost == "0.0.0.0" || displayHost == "" {
		displayHost = "localhost"
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "dummy"
	}

	line := func(s string) { fmt.Printf("║ %-60s ║\n", s) }
	border := strings.Repeat("═", 62)
	title := fmt.Sprintf("Antigravity Relay v%s", config.Version)
	pad := (62 - len(title)) / 2

	fmt.Println("╔" + border + "╗")
	fmt.Printf("║%*s%s%*s║\n", pad, "", title, 62-pad-len(title), "")
	fmt.Println("╠" + border + "╣")
	line("")
	line(fmt.Sprintf("Listening at: http://%s:%d", displayHost, cfg.Port))
	line(fmt.Sprintf("Bound to:     %s:%d", cfg.Host, cfg.Port))
	line("")
	line("Active modes:")
	line(fmt.Sprintf("  - Strategy: %s", account.StrategyLabel(pool.StrategyName())))
	line(fmt.Sprintf("  - Accounts: %d configured, %d usable", pool.Count(), pool.AvailableCount("")))
	if cfg.Debug {
		line("  - Debug logging enabled")
	}
	if cfg.FallbackEnabled {
		line("  - Model fallback enabled")
	}
	if cfg.ThinkingTags != config.ThinkingTagsPassthrough {
		line(fmt.Sprintf("  - Thinking tags: %s", cfg.ThinkingTags))
	}
	line("")
	line("Endpoints:")
	line("  POST /v1/messages              Anthropic Messages API")
	line("  POST /v1/messages/count_tokens Local token counting")
	line("  GET  /v1/models                List available models")
	line("  GET  /health                   Pool and usage status")
	line("  GET  /account-limits           Per-account quota view")
	line("  POST /refresh-token            Force token refresh")
	line("")
	line("Configuration:")
	line(fmt.Sprintf("  Accounts: %s", cfg.AccountsFile))
	line("")
	line("Usage with Claude Code:")
	line(fmt.Sprintf("  export ANTHROPIC_BASE_URL=http://%s:%d", displayHost, cfg.Port))
	line(fmt.Sprintf("  export ANTHROPIC_API_KEY=%s", apiKey))
	line("  claude")
	line("")
	fmt.Println("╚" + border + "╝")
}
