package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/compasshq/compass/internal/observability"
	"github.com/compasshq/compass/internal/profile"
	"github.com/compasshq/compass/plugin/ai"
	"github.com/compasshq/compass/plugin/ai/agent"
	"github.com/compasshq/compass/plugin/ai/cache"
	"github.com/compasshq/compass/plugin/ai/contextload"
	"github.com/compasshq/compass/plugin/ai/history"
	"github.com/compasshq/compass/server/middleware"
	apiv1 "github.com/compasshq/compass/server/router/api/v1"
	"github.com/compasshq/compass/server/service/workspace"
	"github.com/compasshq/compass/store"
	"github.com/compasshq/compass/store/db"
)

const greetingBanner = `
  ___ ___  _ __ ___  _ __   __ _ ___ ___
 / __/ _ \| '_ ` + "`" + ` _ \| '_ \ / _` + "`" + ` / __/ __|
| (_| (_) | | | | | | |_) | (_| \__ \__ \
 \___\___/|_| |_| |_| .__/ \__,_|___/___/
                    |_|
`

var rootCmd = &cobra.Command{
	Use:   "compass",
	Short: "A workspace assistant with a streamed agentic chat API",
	RunE: func(_ *cobra.Command, _ []string) error {
		prof := &profile.Profile{
			Mode:    viper.GetString("mode"),
			Addr:    viper.GetString("addr"),
			Port:    viper.GetInt("port"),
			Data:    viper.GetString("data"),
			Driver:  viper.GetString("driver"),
			DSN:     viper.GetString("dsn"),
			Version: version,
		}
		prof.FromEnv()
		if err := prof.Validate(); err != nil {
			return err
		}
		return run(prof)
	},
}

var version = "0.1.0"

func init() {
	rootCmd.PersistentFlags().String("mode", "demo", `mode of the server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "binding address for the server")
	rootCmd.PersistentFlags().Int("port", 8230, "binding port for the server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("driver", "sqlite", `database driver, can be "sqlite" or "postgres"`)
	rootCmd.PersistentFlags().String("dsn", "", "database source name")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("compass")
	viper.AutomaticEnv()
}

func run(prof *profile.Profile) error {
	level := slog.LevelInfo
	if prof.IsDev() {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	reporter := observability.NewSlogReporter(logger)

	database, err := db.NewDB(prof)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	cacheService := cache.NewService(cache.ServiceConfig{DefaultTTL: prof.ContextCacheTTL})
	defer cacheService.Close()

	st := store.New(database, cacheService)

	if !prof.IsLLMEnabled() {
		return fmt.Errorf("no LLM backend configured, set COMPASS_LLM_API_KEY or COMPASS_LLM_BASE_URL")
	}
	llm, err := ai.NewLLMService(ai.LLMConfigFromProfile(prof))
	if err != nil {
		return fmt.Errorf("failed to create LLM service: %w", err)
	}

	ws := workspace.NewService()
	if prof.Mode == "demo" {
		seedDemoWorkspace(ws)
	}
	registry := agent.NewRegistry()
	if err := ws.RegisterTools(registry); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	loader := contextload.NewLoader(ws, reporter, prof.ContextCacheTTL)
	orchestrator := agent.NewOrchestrator(agent.OrchestratorConfig{
		Store:      st,
		LLM:        llm,
		Loader:     loader,
		Registry:   registry,
		Access:     ws,
		Reconciler: agent.NewReconciler(st, reporter),
		Summarizer: agent.NewSummarizer(st, llm, reporter, prof.SummarizerThreshold),
		Reporter:   reporter,
		HistorySettings: history.Settings{
			CompressionThreshold: prof.CompressionThreshold,
			TailMessagesKept:     prof.TailMessagesKept,
		},
		MaxToolIterations: prof.MaxToolIterations,
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())

	limiter := middleware.NewRateLimiter(0, 0)
	apiv1.NewAPIV1Service(st, orchestrator, limiter).RegisterRoutes(e)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	address := fmt.Sprintf("%s:%d", prof.Addr, prof.Port)
	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(address); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	fmt.Print(greetingBanner + "\n")
	logger.Info("compass started",
		slog.String("version", prof.Version),
		slog.String("mode", prof.Mode),
		slog.String("address", address),
		slog.String("driver", prof.Driver),
		slog.String("llm_provider", prof.LLMProvider),
		slog.String("llm_model", prof.LLMModel),
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", slog.String("error", err.Error()))
	}
	return nil
}

// seedDemoWorkspace fills the in-memory workspace with sample data so the
// demo mode has something to chat about.
func seedDemoWorkspace(ws *workspace.Service) {
	const demoUser = int32(1)
	apollo := ws.CreateProject(demoUser, "Apollo Launch")
	_, _ = ws.CreateTask(apollo.ID, "Draft launch announcement")
	_, _ = ws.CreateTask(apollo.ID, "Review onboarding flow")
	_, _ = ws.CreateGoal(apollo.ID, "Ship public beta", 40)

	hermes := ws.CreateProject(demoUser, "Hermes Migration")
	_, _ = ws.CreateTask(hermes.ID, "Inventory legacy endpoints")
	_, _ = ws.CreateGoal(hermes.ID, "Cut over API traffic", 15)

	ws.CreateBrief(demoUser, time.Now().Format("2006-01-02"), []string{
		"Apollo Launch beta at 40%",
		"Hermes Migration inventory in progress",
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
