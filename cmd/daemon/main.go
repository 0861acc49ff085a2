package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/topiary-ai/topiary/internal/daemon"
	"github.com/topiary-ai/topiary/internal/extract"
	"github.com/topiary-ai/topiary/internal/storage"
	"github.com/topiary-ai/topiary/internal/util"
	"github.com/topiary-ai/topiary/pkg/ai"
	oai "github.com/topiary-ai/topiary/pkg/ai/ollama"
	gai "github.com/topiary-ai/topiary/pkg/ai/openai"
	"github.com/topiary-ai/topiary/pkg/graph"
	"github.com/topiary-ai/topiary/pkg/leaselock"
	"github.com/topiary-ai/topiary/pkg/logger"
	"github.com/topiary-ai/topiary/pkg/logger/console"
	"github.com/topiary-ai/topiary/pkg/pipeline"
	"github.com/topiary-ai/topiary/pkg/store"
	"github.com/topiary-ai/topiary/pkg/task"
)

func newAIClient() ai.GraphAIClient {
	adapter := util.GetEnv("AI_ADAPTER")

	switch adapter {
	case "ollama":
		client, err := oai.NewGraphOllamaClient(oai.NewGraphOllamaClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			SynthesisModel:  util.GetEnv("AI_CHAT_SYNTH_MODEL"),
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),

			MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 15)),
		})
		if err != nil {
			logger.Fatal("Could not create Ollama client", "err", err)
		}
		return client
	default:
		return gai.NewGraphOpenAIClient(gai.NewGraphOpenAIClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			SynthesisModel:  util.GetEnv("AI_CHAT_SYNTH_MODEL"),
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),

			MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 15)),
		})
	}
}

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	s3Client, err := storage.NewS3Client(ctx)
	if err != nil {
		logger.Fatal("Could not create S3 client", "err", err)
	}
	contentStore := storage.NewContentStore(s3Client)

	aiClient := newAIClient()

	pgConn, err := pgxpool.New(ctx, util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()
	pgConn.Config().AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	st := store.New(pgConn)
	graphs := graph.NewClient(graph.NewClientParams{AIClient: aiClient})

	parallel := int(util.GetEnvNumeric("PIPELINE_PARALLEL_ITEMS", 4))
	aiTimeout := time.Duration(util.GetEnvNumeric("AI_REQUEST_TIMEOUT", 120)) * time.Second

	graphBuild := pipeline.NewGraphBuildTool(pipeline.NewGraphBuildToolParams{
		Store:         st,
		Graphs:        graphs,
		Embedder:      aiClient,
		ParallelItems: parallel,
		AITimeout:     aiTimeout,
	})

	orch := pipeline.NewOrchestrator(pipeline.NewOrchestratorParams{
		Store: st,
		Tools: map[pipeline.StageKey]pipeline.Tool{
			pipeline.StageETL: pipeline.NewDocumentETLTool(pipeline.NewDocumentETLToolParams{
				Store:         st,
				Bytes:         contentStore,
				Extractor:     extract.NewPlainTextExtractor(),
				ParallelItems: parallel,
			}),
			pipeline.StageBlueprintGen: pipeline.NewBlueprintGenerationTool(pipeline.NewBlueprintGenerationToolParams{
				Store:         st,
				Graphs:        graphs,
				Locker:        leaselock.New(pgConn),
				ParallelItems: parallel,
				AITimeout:     aiTimeout,
			}),
			pipeline.StageGraphBuild: graphBuild,
			pipeline.StageMemoryGraphBuild: pipeline.NewMemoryGraphBuildTool(pipeline.NewMemoryGraphBuildToolParams{
				Store:      st,
				Graphs:     graphs,
				Embedder:   aiClient,
				GraphBuild: graphBuild,
				AITimeout:  aiTimeout,
			}),
		},
	})

	d := daemon.NewDaemon(daemon.NewDaemonParams{
		Store:        st,
		Bytes:        contentStore,
		Tracker:      task.NewTracker(st),
		Exec:         orch,
		PollInterval: time.Duration(util.GetEnvNumeric("DAEMON_POLL_INTERVAL", 10)) * time.Second,
		ReclaimAfter: time.Duration(util.GetEnvNumeric("DAEMON_RECLAIM_AFTER", 30)) * time.Minute,
		BatchSize:    int(util.GetEnvNumeric("DAEMON_BATCH_SIZE", 16)),
	})

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("Daemon stopped", "err", err)
	}
	logger.Info("Shutdown signal received, exiting...")
}
