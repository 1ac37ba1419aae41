package main

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/quote-engine/internal/agent"
	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/monitoring"
	"github.com/sells-group/quote-engine/internal/notify"
	"github.com/sells-group/quote-engine/internal/orchestrator"
	"github.com/sells-group/quote-engine/internal/queue"
	"github.com/sells-group/quote-engine/internal/resilience"
	"github.com/sells-group/quote-engine/internal/scorer"
	"github.com/sells-group/quote-engine/internal/store"
	"github.com/sells-group/quote-engine/internal/waterfall"
	"github.com/sells-group/quote-engine/internal/waterfall/provider"
	"github.com/sells-group/quote-engine/pkg/embedding"
	"github.com/sells-group/quote-engine/pkg/notion"
)

// engine holds every long-lived component of a running instance.
type engine struct {
	store    store.Store
	queue    *queue.Manager
	durable  bool
	hub      *notify.Hub
	notifier *notify.Dispatcher
	agents   *agent.Registry
	sweeper  *agent.Sweeper
	sources  *waterfall.Registry
	monitor  *monitoring.Monitor
	orch     *orchestrator.Orchestrator
}

func initEngine(ctx context.Context) (*engine, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	mgr, durable, err := initQueue(ctx, st)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	var categories *scorer.CategoryTable
	if cfg.Scoring.CategoryTablePath != "" {
		categories, err = scorer.LoadCategoryTable(cfg.Scoring.CategoryTablePath)
		if err != nil {
			st.Close() //nolint:errcheck
			return nil, err
		}
	}
	if err := scorer.ValidateConfig(cfg.Scoring); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	hub := notify.NewHub(cfg.Server.AllowedOrigins)
	dispatcher := notify.NewDispatcher(notify.NewSender(cfg.Feishu, cfg.Webhook), hub)

	agents := agent.NewRegistry(agent.OptionsFromConfig(cfg.Agent), dispatcher)
	sweeper := agent.NewSweeper(agents, st, time.Duration(cfg.Agent.SweepIntervalSecs)*time.Second)

	quotes := provider.NewQuoteBook()
	sources, err := initSources(agents, quotes)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	var embedder embedding.Client
	if cfg.Embedding.Key != "" {
		var opts []embedding.Option
		if cfg.Embedding.BaseURL != "" {
			opts = append(opts, embedding.WithBaseURL(cfg.Embedding.BaseURL))
		}
		if cfg.Embedding.Model != "" {
			opts = append(opts, embedding.WithModel(cfg.Embedding.Model))
		}
		embedder = embedding.NewClient(cfg.Embedding.Key, opts...)
	} else {
		zap.L().Info("embedding key not set; candidate profile changes will not be re-embedded")
	}

	orch := orchestrator.New(orchestrator.Deps{
		Store:    st,
		Scorer:   scorer.New(cfg.Scoring, categories),
		Sources:  sources,
		Agents:   agents,
		Queue:    mgr,
		Notifier: dispatcher,
		Quotes:   quotes,
		Embedder: embedder,
	}, orchestrator.OptionsFromConfig(cfg.Orchestrator))

	mon := monitoring.NewMonitor(st, orch, dispatcher, cfg.Monitor)
	orch.Tracker = mon.Tracker()
	orch.Monitor = mon
	orch.RegisterQueues(mgr, cfg.Queues)

	return &engine{
		store:    st,
		queue:    mgr,
		durable:  durable,
		hub:      hub,
		notifier: dispatcher,
		agents:   agents,
		sweeper:  sweeper,
		sources:  sources,
		monitor:  mon,
		orch:     orch,
	}, nil
}

// Close waits for outbound alerts and releases the store.
func (e *engine) Close() error {
	e.notifier.Wait()
	return e.store.Close()
}

// sourceConfig loads the waterfall file, falling back to the built-in order
// when the file is absent.
func sourceConfig() (*waterfall.Config, error) {
	if cfg.Sources.Path == "" {
		return waterfall.DefaultSources(), nil
	}
	if _, err := os.Stat(cfg.Sources.Path); os.IsNotExist(err) {
		zap.L().Info("source config not found, using defaults", zap.String("path", cfg.Sources.Path))
		return waterfall.DefaultSources(), nil
	}
	return waterfall.LoadConfig(cfg.Sources.Path)
}

// initSources registers every adapter that can be built from config. The
// waterfall file decides order and enablement, so an adapter missing from the
// file can still be switched on by a later reload.
func initSources(online provider.OnlineChecker, quotes *provider.QuoteBook) (*waterfall.Registry, error) {
	srcCfg, err := sourceConfig()
	if err != nil {
		return nil, err
	}
	reg := waterfall.NewRegistry(srcCfg, resilience.NewBreakerSet(resilience.DefaultBreakerConfig()))

	priority := func(sourceType string, def int) int {
		if s, ok := srcCfg.Source(sourceType); ok && s.Priority > 0 {
			return s.Priority
		}
		return def
	}

	staleAfter := time.Duration(cfg.Sources.StaleAfterDays) * 24 * time.Hour
	if s, ok := srcCfg.Source(model.SourceStructuredTable); ok && s.StaleAfter() > 0 {
		staleAfter = s.StaleAfter()
	}
	if cfg.Notion.Token != "" && cfg.Notion.PriceTableDB != "" {
		client := notion.NewClient(cfg.Notion.Token, notion.WithRateLimit(cfg.Notion.RateLimit))
		reg.Register(provider.NewTable(client, cfg.Notion.PriceTableDB, priority(model.SourceStructuredTable, 1), staleAfter))
	} else {
		zap.L().Info("notion price table not configured; structured table source disabled")
	}

	var maxAge time.Duration
	if s, ok := srcCfg.Source(model.SourceAgentPush); ok {
		maxAge = s.MaxAge()
	}
	reg.Register(provider.NewAgentQuotes(quotes, online, priority(model.SourceAgentPush, 2), maxAge))

	sheet := cfg.Sources.PriceSheetPath
	if s, ok := srcCfg.Source(model.SourcePriceSheet); ok && s.Path != "" {
		sheet = s.Path
	}
	if sheet != "" {
		reg.Register(provider.NewPriceSheet(sheet, priority(model.SourcePriceSheet, 3)))
	}
	return reg, nil
}
