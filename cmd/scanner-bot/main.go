package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ptdat-quant/confluence-bot/internal/adjudicator"
	"github.com/ptdat-quant/confluence-bot/internal/agent"
	"github.com/ptdat-quant/confluence-bot/internal/broker"
	"github.com/ptdat-quant/confluence-bot/internal/broker/bybit"
	"github.com/ptdat-quant/confluence-bot/internal/config"
	"github.com/ptdat-quant/confluence-bot/internal/events"
	"github.com/ptdat-quant/confluence-bot/internal/feed"
	"github.com/ptdat-quant/confluence-bot/internal/journal"
	"github.com/ptdat-quant/confluence-bot/internal/logger"
	"github.com/ptdat-quant/confluence-bot/internal/monitoring"
	"github.com/ptdat-quant/confluence-bot/internal/notify"
	"github.com/ptdat-quant/confluence-bot/internal/orchestrator"
	"github.com/ptdat-quant/confluence-bot/internal/risk"
	"github.com/ptdat-quant/confluence-bot/internal/signal"
	"github.com/ptdat-quant/confluence-bot/pkg/reporting"
)

func main() {
	var (
		configFile = flag.String("config", "scanner", "Configuration file (resolved inside configs/ when bare)")
		envFile    = flag.String("env", ".env", "Environment file path")
		exportPath = flag.String("export-journal", "", "Export the trade journal to this .xlsx path and exit")
	)
	flag.Parse()

	if _, err := os.Stat(*envFile); err == nil {
		if err := godotenv.Load(*envFile); err != nil {
			log.Printf("⚠️  Could not load %s: %v", *envFile, err)
		}
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *exportPath != "" {
		exportJournal(cfg, *exportPath)
		return
	}

	if err := run(cfg); err != nil {
		log.Fatalf("Scanner stopped: %v", err)
	}
	fmt.Println("✅ Scanner stopped cleanly")
}

func exportJournal(cfg *config.Config, path string) {
	jrnl, err := journal.Open(filepath.Join(cfg.Storage.Dir, "journal.db"))
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}
	defer jrnl.Close()

	if err := jrnl.ExportXLSX(context.Background(), path); err != nil {
		log.Fatalf("Failed to export journal: %v", err)
	}
	fmt.Printf("📊 Journal exported to %s\n", path)
}

func run(cfg *config.Config) error {
	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLog, err := logger.NewLoggerAt(cfg.LogDir, cfg.Name)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer appLog.Close()

	specs, err := cfg.Specs()
	if err != nil {
		return err
	}
	symbols := cfg.SymbolNames()

	fmt.Println("🚀 Confluence Scanner Starting...")
	fmt.Printf("📊 Symbols: %v\n", symbols)
	fmt.Printf("🏦 Broker: %s\n", cfg.Broker.Mode)
	fmt.Printf("🧠 Adjudicator: %s\n", cfg.Adjudicator.Mode)

	// Market data always comes from Bybit's public endpoints; the live
	// websocket stream keeps the quote cache warm and REST fills the gaps.
	data := bybit.NewClient(bybit.Config{
		APIKey:    os.Getenv("BYBIT_API_KEY"),
		APISecret: os.Getenv("BYBIT_API_SECRET"),
		Testnet:   cfg.Broker.Testnet,
		Demo:      cfg.Broker.Demo,
		Category:  cfg.Broker.Category,
	})
	quotes := feed.NewCache(data, cfg.Feed.QuoteMaxAge.D())
	if cfg.Feed.StreamURL != "" {
		stream := feed.NewStream(cfg.Feed.StreamURL, symbols, quotes, appLog)
		go stream.Run(ctx)
	}

	var exec broker.Broker
	switch cfg.Broker.Mode {
	case config.ModeBybit:
		if os.Getenv("BYBIT_API_KEY") == "" || os.Getenv("BYBIT_API_SECRET") == "" {
			return fmt.Errorf("bybit mode requires BYBIT_API_KEY and BYBIT_API_SECRET")
		}
		exec = data
	default:
		exec = broker.NewPaper(cfg.Broker.PaperBalance, quotes.Quote)
	}

	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	store, err := risk.NewStore(filepath.Join(cfg.Storage.Dir, "risk.db"))
	if err != nil {
		return fmt.Errorf("open risk store: %w", err)
	}
	defer store.Close()

	authority, err := risk.NewAuthority(cfg.Risk, specs, quotes, cfg.NewsCalendar(), store, appLog)
	if err != nil {
		return fmt.Errorf("risk authority: %w", err)
	}

	jrnl, err := journal.Open(filepath.Join(cfg.Storage.Dir, "journal.db"))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jrnl.Close()

	bus := events.NewBus()
	defer bus.Close()

	authority.SetKillSwitchHandler(func(symbol string, recentLoss float64) {
		bus.Publish(events.TypeKillSwitchActivated, events.KillSwitchActivated{
			Symbol:     symbol,
			RecentLoss: recentLoss,
		})
	})

	provider := signal.NewConfluence(cfg.Signal, nil)
	agents := make([]*agent.Agent, 0, len(specs))
	for _, spec := range specs {
		agents = append(agents, agent.New(spec, cfg.Agent, provider, data, exec, authority, quotes, appLog))
	}

	adj := buildAdjudicator(cfg)

	health := monitoring.NewHealthChecker()
	if cfg.Monitoring.Enabled {
		startMonitoring(ctx, cfg, bus, health, appLog)
	}
	go trackHealth(ctx, bus, health)

	if cfg.Telegram.Enabled {
		token := os.Getenv("TELEGRAM_TOKEN")
		if token == "" {
			appLog.Warning("telegram enabled but TELEGRAM_TOKEN is not set")
		} else {
			tg := notify.NewTelegram(token, cfg.Telegram.ChatID, appLog)
			ch, cancel := bus.Subscribe(64)
			defer cancel()
			go tg.Run(ctx, ch)
		}
	}

	engine := orchestrator.New(cfg.Engine, exec, authority, agents, adj, bus, jrnl, reporting.NewConsole(), appLog)

	health.SetConnected(true)
	err = engine.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func buildAdjudicator(cfg *config.Config) adjudicator.Adjudicator {
	switch cfg.Adjudicator.Mode {
	case "llm":
		return adjudicator.NewLLM(adjudicator.LLMConfig{
			Endpoint: cfg.Adjudicator.Endpoint,
			Model:    cfg.Adjudicator.Model,
			APIKey:   os.Getenv("LLM_API_KEY"),
			Timeout:  cfg.Adjudicator.Timeout.D(),
		})
	case "rules":
		return adjudicator.NewRules(cfg.Adjudicator.MinScore, cfg.Adjudicator.MinProbability)
	default:
		return nil
	}
}

func startMonitoring(ctx context.Context, cfg *config.Config, bus *events.Bus, health *monitoring.HealthChecker, appLog *logger.Logger) {
	hub := events.NewHub(appLog)
	hubCh, _ := bus.Subscribe(256)
	go hub.Run(ctx, hubCh)

	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.MetricsHandler())
	mux.Handle("/health", health)
	mux.Handle("/ws", hub.Handler())

	srv := &http.Server{Addr: cfg.Monitoring.Addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Error("monitoring server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	fmt.Printf("📡 Monitoring on %s (/metrics, /health, /ws)\n", cfg.Monitoring.Addr)
}

// trackHealth feeds the health checker from the event stream so /health
// reflects cycle progress without coupling the engine to it.
func trackHealth(ctx context.Context, bus *events.Bus, health *monitoring.HealthChecker) {
	ch, cancel := bus.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Type {
			case events.TypeCycleSummary:
				health.CycleCompleted()
			case events.TypeFatal:
				health.SetConnected(false)
				if p, ok := ev.Payload.(events.Fatal); ok {
					health.SetError(p.Reason)
				}
			case events.TypeSessionRestored:
				health.SetConnected(true)
			}
		}
	}
}
