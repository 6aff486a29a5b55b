package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hcilab.org/persona-chat/internal/api"
	"hcilab.org/persona-chat/internal/auth"
	"hcilab.org/persona-chat/internal/config"
	"hcilab.org/persona-chat/internal/core"
	"hcilab.org/persona-chat/internal/logger"
	"hcilab.org/persona-chat/internal/store"
	"hcilab.org/persona-chat/internal/tables"
)

// codeImporter is implemented by both relational stores.
type codeImporter interface {
	core.CodeStore
	AddCodes(ctx context.Context, codes []string) (int, error)
}

func main() {
	// Command line flag for access-code import
	ingestCodesFlag := flag.String("ingest-codes", "", "Import access codes from a file (one per line) and exit")
	flag.Parse()

	// Load configuration
	config.LoadConfig()
	cfg := config.AppConfig

	appLog, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLog.Sync()

	ctx := context.Background()

	// Initialize database stores
	sqliteStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		appLog.Fatal("Failed to initialize database", "error", err)
	}
	defer sqliteStore.Close()

	sinks := []core.ResultSink{sqliteStore}
	var codeStore codeImporter = sqliteStore

	if cfg.PostgresURL != "" {
		pgStore, err := store.NewPostgresStore(ctx, cfg.PostgresURL, cfg.PGTable, cfg.PGCodesTable)
		if err != nil {
			appLog.Fatal("Failed to initialize postgres", "error", err)
		}
		defer pgStore.Close()
		sinks = append(sinks, pgStore)
		if cfg.CodeBackend == "postgres" {
			codeStore = pgStore
		}
	}
	if cfg.ResultsFile != "" {
		sinks = append(sinks, store.NewFileSink(cfg.ResultsFile))
	}

	// Handle code import if flag is set
	if *ingestCodesFlag != "" {
		if err := ingestCodes(ctx, codeStore, *ingestCodesFlag, appLog); err != nil {
			appLog.Fatal("Code import failed", "error", err)
		}
		return
	}

	var sessions store.SessionRepository
	switch cfg.SessionBackend {
	case "redis":
		redisSessions, err := store.NewRedisSessionRepository(cfg.RedisAddr, cfg.SessionTTL)
		if err != nil {
			appLog.Fatal("Failed to connect to redis", "error", err)
		}
		defer redisSessions.Close()
		sessions = redisSessions
	default:
		sessions = store.NewMemorySessionRepository(cfg.SessionTTL)
	}

	// Tables load in the background; routes wait for them.
	tableStore := tables.NewStore(appLog)
	go func() {
		paths := map[string]string{
			tables.TreatmentConfig: cfg.Experiment.Tables.TreatmentConfig,
			tables.Measures:        cfg.Experiment.Tables.Measures,
			tables.Questions:       cfg.Experiment.Tables.Questions,
			tables.Texts:           cfg.Experiment.Tables.Texts,
		}
		if err := tableStore.Load(ctx, paths); err != nil {
			appLog.Error("Failed to load configuration tables", "error", err)
		}
	}()

	llm, closeLLM, err := core.NewCompleter(ctx, cfg, appLog)
	if err != nil {
		appLog.Fatal("Failed to initialize LLM client", "error", err)
	}
	defer closeLLM()

	resolver := core.NewResolver(tableStore)
	assembler := core.NewAssembler(resolver, cfg.Experiment.HiddenPromptPrefix, cfg.Experiment.DefaultInitialTask)
	codes := core.NewCodeValidator(codeStore, cfg.ReusableCode)
	assets := core.NewDirAssetLister(cfg.AssetsDir)

	measures := core.NewMeasurePipeline(llm,
		core.CompletionParams{MaxTokens: cfg.MeasureMaxTokens, Temperature: cfg.MeasureTemperature},
		cfg.LLMTimeout, tableStore, appLog)
	persister := core.NewPersister(appLog, cfg.EncodeBase64, sinks...)

	chatService := core.NewChatService(core.ChatServiceOptions{
		LLM:            llm,
		Params:         core.CompletionParams{MaxTokens: cfg.LLMMaxTokens, Temperature: cfg.LLMTemperature},
		Timeout:        cfg.LLMTimeout,
		Assembler:      assembler,
		Tables:         tableStore,
		Sessions:       sessions,
		Measures:       measures,
		Persister:      persister,
		Codes:          codes,
		CompletionCode: cfg.CompletionCode,
		Log:            appLog,
	})
	chain := core.NewDefaultChain(sessions, resolver, assembler, codes, assets, cfg, appLog)

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(api.HandlerDeps{
		Chain:          chain,
		ChatService:    chatService,
		Sessions:       sessions,
		Tables:         tableStore,
		Assets:         assets,
		AvatarCategory: cfg.Experiment.AvatarCategory,
		Tokens:         auth.NewSessionTokens(cfg.SessionSecret, cfg.SessionTTL),
		SessionTTL:     cfg.SessionTTL,
		RedirectURL:    cfg.RedirectURL,
		Log:            appLog,
	})
	router := api.NewRouter(apiHandler, tableStore, cfg.DevEndpoints, appLog)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.LLMTimeout + 15*time.Second, // a chat turn waits on the LLM
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		appLog.Info("Starting server", "addr", serverAddr, "provider", cfg.LLMProvider, "sessions", cfg.SessionBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Fatal("Could not listen", "addr", serverAddr, "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("Server forced to shutdown", "error", err)
	}

	// Finish measuring and persisting sessions that ended before shutdown.
	chatService.Wait()
	appLog.Info("Server exiting gracefully")
}

func ingestCodes(ctx context.Context, codes codeImporter, path string, log *logger.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	list, err := store.ReadCodes(f)
	if err != nil {
		return err
	}
	added, err := codes.AddCodes(ctx, list)
	if err != nil {
		return err
	}
	log.Info("Code import complete", "read", len(list), "added", added)
	return nil
}
