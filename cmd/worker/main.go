package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/topiary-ai/topiary/internal/extract"
	"github.com/topiary-ai/topiary/internal/queue"
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

func newOrchestrator(
	st *store.Store,
	bytes *storage.ContentStore,
	aiClient ai.GraphAIClient,
	pool *pgxpool.Pool,
) *pipeline.Orchestrator {
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

	return pipeline.NewOrchestrator(pipeline.NewOrchestratorParams{
		Store: st,
		Tools: map[pipeline.StageKey]pipeline.Tool{
			pipeline.StageETL: pipeline.NewDocumentETLTool(pipeline.NewDocumentETLToolParams{
				Store:         st,
				Bytes:         bytes,
				Extractor:     extract.NewPlainTextExtractor(),
				ParallelItems: parallel,
			}),
			pipeline.StageBlueprintGen: pipeline.NewBlueprintGenerationTool(pipeline.NewBlueprintGenerationToolParams{
				Store:         st,
				Graphs:        graphs,
				Locker:        leaselock.New(pool),
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
	tracker := task.NewTracker(st)
	orch := newOrchestrator(st, contentStore, aiClient, pgConn)

	conn := queue.Init()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	logger.Info("Listening for messages")

	// Separate consumer channel with prefetch=1 so one pipeline run finishes
	// before the next message is delivered
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	err = consumerCh.Qos(1, 0, true)
	if err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	msgs, err := consumerCh.Consume(
		queue.PipelineQueue,
		queue.PipelineQueue+"_consumer",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		logger.Fatal("Failed to start consuming", "queue", queue.PipelineQueue, "err", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping message processor")
				return
			case msg, ok := <-msgs:
				if !ok {
					logger.Info("Message channel closed", "queue", queue.PipelineQueue)
					return
				}

				startTime := time.Now()
				logger.Info("Received message", "queue", queue.PipelineQueue)

				processingErr := queue.ProcessPipelineMessage(ctx, orch, tracker, msg.Body)
				if processingErr != nil {
					logger.Error("Error processing message", "queue", queue.PipelineQueue, "err", processingErr)
					queue.HandleProcessingError(consumerCh, msg, queue.PipelineQueue)
				} else {
					if err := msg.Ack(false); err != nil {
						logger.Error("Failed to ack message", "err", err)
					}
					logger.Info("Message processed successfully", "queue", queue.PipelineQueue)
				}

				logAIMetrics(aiClient)
				logger.Info("Processing time", "duration", formatDuration(time.Since(startTime)))
				logger.Info("Waiting for next message")
				aiClient.ResetMetrics()
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, exiting...")
}

func logAIMetrics(aiClient ai.GraphAIClient) {
	metrics := aiClient.GetMetrics()
	logger.Info(
		"AI Metrics",
		"input_tokens", metrics.InputTokens,
		"output_tokens", metrics.OutputTokens,
		"total_tokens", metrics.TotalTokens,
		"duration", formatDuration(time.Duration(metrics.DurationMs)*time.Millisecond),
	)
}

func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}
