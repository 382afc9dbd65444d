// Command ember runs the assistant as a stdin REPL.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/venalis/ember"
	"github.com/venalis/ember/internal/config"
	"github.com/venalis/ember/observer"
	anthropicprov "github.com/venalis/ember/provider/anthropic"
	"github.com/venalis/ember/provider/openaicompat"
	"github.com/venalis/ember/store/postgres"
	"github.com/venalis/ember/store/sqlite"
	filetool "github.com/venalis/ember/tools/file"
	shelltool "github.com/venalis/ember/tools/shell"
	webtool "github.com/venalis/ember/tools/web"
)

func main() {
	cfg := config.Load(os.Getenv("EMBER_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	// Observability (optional).
	var inst *observer.Instruments
	tracer := ember.Tracer(ember.NopTracer{})
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
		tracer = observer.NewTracer()
	}

	// Store.
	var store ember.Store
	switch cfg.Database.Engine {
	case "postgres":
		pg, err := postgres.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		store = pg
	default:
		store = sqlite.New(cfg.Database.Path)
	}
	if err := store.Init(ctx); err != nil {
		log.Fatalf("store init: %v", err)
	}

	// Providers: primary first, fallbacks in declared order.
	adapters := []ember.Adapter{buildAdapter(cfg.LLM.Provider, cfg.LLM.Model, cfg.LLM.APIKey, cfg.LLM.BaseURL)}
	for _, fb := range cfg.LLM.Fallbacks {
		adapters = append(adapters, buildAdapter(fb.Provider, fb.Model, fb.APIKey, fb.BaseURL))
	}
	if inst != nil {
		for i, a := range adapters {
			model := cfg.LLM.Model
			if i > 0 {
				model = cfg.LLM.Fallbacks[i-1].Model
			}
			adapters[i] = observer.WrapAdapter(a, model, inst)
		}
	}

	health := ember.NewHealthMonitor(ember.HealthConfig{
		FailureThreshold:   cfg.Failover.FailureThreshold,
		RecoveryThreshold:  cfg.Failover.RecoveryThreshold,
		CooldownBase:       time.Duration(cfg.Failover.CooldownBaseS) * time.Second,
		CooldownMax:        time.Duration(cfg.Failover.CooldownMaxS) * time.Second,
		CooldownMultiplier: cfg.Failover.CooldownMultiplier,
		ProbeInterval:      time.Duration(cfg.Failover.HealthCheckIntervalS) * time.Second,
	}, ember.HealthLogger(logger))

	client := ember.NewClient(adapters, health, ember.ClientLogger(logger))

	// Tools.
	registry := ember.NewRegistry()
	workspace := firstOr(cfg.Tools.AllowPaths, ".")
	sandbox := filetool.NewSandbox(cfg.Tools.AllowPaths)
	tools := []ember.Tool{
		shelltool.New(workspace, cfg.Tools.TimeoutS, shelltool.WithBlocklist(cfg.Tools.ShellBlocklist)),
		filetool.NewReadTool(sandbox),
		filetool.NewWriteTool(sandbox),
		webtool.New(),
	}
	for _, t := range tools {
		if inst != nil {
			t = observer.WrapTool(t, inst)
		}
		if err := registry.Register(t); err != nil {
			log.Fatalf("register tool: %v", err)
		}
	}

	// Persona.
	persona, err := ember.LoadPersona(cfg.Persona.Dir)
	if err != nil {
		logger.Warn("persona load failed, using empty persona", "error", err)
	}

	// Core loop collaborators.
	retriever := ember.NewRetriever(store,
		ember.RetrieverCacheSize(cfg.Memory.CacheSize),
		ember.RetrieverCacheTTL(time.Duration(cfg.Memory.CacheTTLS)*time.Second),
		ember.RetrieverLogger(logger),
	)
	compactor := ember.NewCompactor(client)
	executor := ember.NewExecutor(registry,
		ember.ExecutorMaxParallel(cfg.Tools.MaxParallel),
		ember.ExecutorTimeout(time.Duration(cfg.Tools.TimeoutS)*time.Second),
		ember.ExecutorLogger(logger),
		ember.ExecutorTracer(tracer),
	)
	entities := ember.NewEntityTracker(cfg.Agent.RecentEntityMax, time.Duration(cfg.Agent.RecentEntityTTLS)*time.Second)
	monitor := ember.NewTaskMonitor(store, client, cfg.Agent.RetrospectDir,
		ember.MonitorLogger(logger),
		ember.MonitorRetrospectThreshold(time.Duration(cfg.Agent.RetrospectThresholdS)*time.Second),
		ember.MonitorRetrospectEnabled(cfg.Agent.RetrospectEnabled),
	)
	verifier := ember.NewVerifier(client, ember.VerifierLogger(logger))
	consolidator := ember.NewConsolidator(store, client, nil, ember.ConsolidatorLogger(logger))

	agent := ember.NewAgent(client, store, retriever, compactor, executor, registry, entities,
		persona, ember.CurrentEnvironment(),
		ember.AgentConfig{
			MaxIterations:      cfg.Agent.MaxIterations,
			TargetPromptTokens: cfg.Agent.TargetPromptTokens,
			RetrieveTopK:       cfg.Memory.RetrieveK,
			Temperature:        cfg.LLM.Temperature,
			MaxTokens:          cfg.LLM.MaxTokens,
			Model:              cfg.LLM.Model,
		},
		ember.AgentLogger(logger),
		ember.AgentTracer(tracer),
		ember.AgentVerifier(verifier),
		ember.AgentMonitor(monitor),
	)

	assistant := ember.NewAssistant(agent, client, store, registry, health, monitor, cfg.LLM.Model,
		ember.AssistantLogger(logger))
	defer assistant.Close()

	// Daily consolidation; /consolidate runs it on demand.
	consolidate := func(ctx context.Context) (int, error) {
		n, err := consolidator.Run(ctx, time.Now().Add(-24*time.Hour))
		if err == nil && n > 0 {
			retriever.Invalidate()
		}
		return n, err
	}
	consCtx, consCancel := context.WithCancel(ctx)
	defer consCancel()
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-consCtx.Done():
				return
			case <-ticker.C:
				if _, err := consolidate(consCtx); err != nil {
					logger.Warn("consolidation failed", "error", err)
				}
			}
		}
	}()

	runREPL(assistant, consolidate)
}

func buildAdapter(provider, model, apiKey, baseURL string) ember.Adapter {
	switch provider {
	case "anthropic":
		var opts []anthropicprov.AdapterOption
		if baseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(baseURL))
		}
		return anthropicprov.New(apiKey, model, opts...)
	default:
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		var opts []openaicompat.AdapterOption
		if provider != "" && provider != "openai" {
			opts = append(opts, openaicompat.WithName(provider))
		}
		return openaicompat.New(apiKey, model, baseURL, opts...)
	}
}

// runREPL reads lines from stdin and streams replies until EOF or SIGINT.
func runREPL(assistant *ember.Assistant, consolidate func(context.Context) (int, error)) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	conversationID := ""

	fmt.Println("ember ready. /new starts a conversation, /status and /health report, /consolidate distills the day, ctrl-d exits.")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/new":
			conversationID = ""
			fmt.Println("(new conversation)")
			continue
		case line == "/status":
			printJSON(assistant.Status(ctx))
			continue
		case line == "/health":
			printJSON(assistant.Health(ctx))
			continue
		case line == "/consolidate":
			n, err := consolidate(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "consolidation failed: %v\n", err)
			} else {
				fmt.Printf("(%d insights stored)\n", n)
			}
			continue
		}

		events, id := assistant.ChatStream(ctx, line, conversationID)
		conversationID = id
		for ev := range events {
			switch ev.Type {
			case ember.EventText:
				fmt.Print(ev.Content)
			case ember.EventToolStart:
				fmt.Fprintf(os.Stderr, "\n[tool %s]\n", ev.Name)
			case ember.EventError:
				fmt.Fprintf(os.Stderr, "\nerror (%s): %s\n", ev.Kind, ev.Content)
			case ember.EventDone:
				fmt.Println()
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(out))
}

func firstOr(list []string, def string) string {
	if len(list) > 0 {
		return list[0]
	}
	return def
}
