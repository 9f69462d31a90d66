package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/xinzhuwang-wxz/HolisticaQuant/config"
	core "github.com/xinzhuwang-wxz/HolisticaQuant/internal/agent/core"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/agent/telemetry"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/capability"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/dataflows"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/dispatch"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/insight"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/server"
	"github.com/xinzhuwang-wxz/HolisticaQuant/provider"
)

type app struct {
	cfg      *config.Config
	engine   *core.Engine
	storage  core.Storage
	insights *insight.Store
	registry *prometheus.Registry
	logger   *log.Logger
}

// buildApp wires every component from config. The caller owns closing.
func buildApp(configPath string) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := log.New(log.Writer(), "[HQ] ", log.LstdFlags)

	promReg := prometheus.NewRegistry()
	tel := telemetry.New(cfg.Telemetry, promReg)

	llm, err := provider.New(cfg.LLM, tel)
	if err != nil {
		return nil, fmt.Errorf("building llm provider: %w", err)
	}

	tools := dataflows.BuildTools(cfg, nil)
	registry, err := capability.NewRegistry(tools, cfg.Tools.RequiredTools)
	if err != nil {
		return nil, fmt.Errorf("building tool registry: %w", err)
	}

	storage, err := core.NewStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("building storage: %w", err)
	}

	insights, err := insight.Open(cfg.Insight, llm)
	if err != nil {
		logger.Printf("insight memory disabled: %v", err)
		insights = nil
	}

	dispatcher := dispatch.New(registry, cfg.Tools, tel)
	var memory core.InsightMemory
	if insights != nil {
		memory = insights
	}
	engine := core.NewEngine(llm, dispatcher, registry, storage, memory, tel, cfg.Pipeline, cfg.Tools.MaxResultLength)

	return &app{
		cfg:      cfg,
		engine:   engine,
		storage:  storage,
		insights: insights,
		registry: promReg,
		logger:   logger,
	}, nil
}

func (a *app) close() {
	if a.insights != nil {
		if err := a.insights.Close(); err != nil {
			a.logger.Printf("closing insight store: %v", err)
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Printf("closing storage: %v", err)
		}
	}
}

func main() {
	var configPath string

	root := &cobra.Command{Use: "hq", Short: "Stock research pipeline"}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return server.Run(server.Options{
				Config:   a.cfg,
				Engine:   a.engine,
				Storage:  a.storage,
				Insights: a.insights,
				Gatherer: a.registry,
			})
		},
	}

	analyze := &cobra.Command{
		Use:   "analyze [query]",
		Short: "Run one research pipeline and print the report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			ctx, stop := signalContext()
			defer stop()
			result, err := a.engine.Run(ctx, strings.Join(args, " "), stdoutSink{})
			if err != nil {
				return err
			}
			fmt.Println()
			fmt.Println(result.Report)
			if result.Strategy != nil {
				fmt.Printf("\nrecommendation: %s (confidence %.2f)\n", result.Strategy.Recommendation, result.Strategy.Confidence)
			}
			return nil
		},
	}

	assist := &cobra.Command{
		Use:   "assist [question]",
		Short: "Answer a question directly, no pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			ctx, stop := signalContext()
			defer stop()
			result, err := a.engine.Assist(ctx, strings.Join(args, " "), core.NopSink{})
			if err != nil {
				return err
			}
			fmt.Println(result.Report)
			return nil
		},
	}

	learn := &cobra.Command{
		Use:   "learn [topic]",
		Short: "Explain a trading or market concept",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			ctx, stop := signalContext()
			defer stop()
			result, err := a.engine.Learn(ctx, strings.Join(args, " "), core.NopSink{})
			if err != nil {
				return err
			}
			fmt.Println(result.Report)
			return nil
		},
	}

	insights := &cobra.Command{
		Use:   "insights",
		Short: "Dump the insight memory as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			if a.insights == nil {
				return fmt.Errorf("insight memory is not available")
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(a.insights.All())
		},
	}

	root.AddCommand(serve, analyze, assist, learn, insights)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// stdoutSink prints progress events for the interactive CLI.
type stdoutSink struct{}

func (stdoutSink) Publish(ev core.ProgressEvent) {
	fmt.Printf("[%s] %s\n", ev.Type, ev.Title)
}
