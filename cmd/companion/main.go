// companion is the WhatsApp AI companion CLI: an interactive chat REPL,
// one-shot message sends, operator statistics, and knowledge ingestion.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fredamaraljr/whatsapp-agent/internal/admin"
	"github.com/fredamaraljr/whatsapp-agent/internal/config"
	"github.com/fredamaraljr/whatsapp-agent/internal/embedding"
	"github.com/fredamaraljr/whatsapp-agent/internal/knowledge"
	"github.com/fredamaraljr/whatsapp-agent/internal/llm"
	"github.com/fredamaraljr/whatsapp-agent/internal/logging"
	"github.com/fredamaraljr/whatsapp-agent/internal/memory"
	"github.com/fredamaraljr/whatsapp-agent/internal/persona"
	"github.com/fredamaraljr/whatsapp-agent/internal/pipeline"
	"github.com/fredamaraljr/whatsapp-agent/internal/schedule"
	"github.com/fredamaraljr/whatsapp-agent/internal/store"
	"github.com/fredamaraljr/whatsapp-agent/internal/users"
)

var (
	verbose    bool
	configPath string
	senderID   string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "companion",
	Short: "WhatsApp AI companion",
	Long: `companion runs the conversational AI pipeline: identity resolution,
group verification, privileged commands, context enrichment, modality
routing (text/image/audio), and history compaction.

Run without arguments to start an interactive chat session.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send one message and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp()
		if err != nil {
			return err
		}
		defer app.Close()

		reply, err := app.pipeline.Handle(cmd.Context(), senderID, strings.Join(args, " "))
		if err != nil {
			return err
		}
		printReply(reply.Text(), reply.ImagePath, reply.AudioPath)
		app.pipeline.Wait()
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print aggregate user statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp()
		if err != nil {
			return err
		}
		defer app.Close()

		stats, err := app.identities.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("Users:              %d\n", stats.TotalUsers)
		fmt.Printf("Messages:           %d\n", stats.TotalMessages)
		fmt.Printf("Interactions (24h): %d\n", stats.RecentInteractions)
		for group, count := range stats.UsersByGroup {
			fmt.Printf("  %-12s %d\n", group, count)
		}
		if chunks, err := app.store.CountKnowledgeChunks(); err == nil {
			fmt.Printf("Knowledge chunks:   %d\n", chunks)
		}
		return nil
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Ingest text files into the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ingestor := knowledge.NewIngestor(app.store, app.embedder, 1200)
		total := 0
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			n, err := ingestor.Ingest(cmd.Context(), string(data), path)
			if err != nil {
				return fmt.Errorf("failed to ingest %s: %w", path, err)
			}
			logger.Info("ingested file", zap.String("path", path), zap.Int("chunks", n))
			total += n
		}
		fmt.Printf("Ingested %d chunks from %d files\n", total, len(args))
		return nil
	},
}

// app bundles the wired system.
type app struct {
	cfg        *config.Config
	store      *store.LocalStore
	embedder   embedding.Engine
	identities *users.Manager
	memories   *memory.Manager
	pipeline   *pipeline.Pipeline
}

func (a *app) Close() {
	a.memories.Wait()
	_ = a.store.Close()
	logging.CloseAll()
}

// buildApp constructs every collaborator and hands them to the pipeline.
func buildApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("no API key: set GEMINI_API_KEY or llm.api_key in %s", configPath)
	}

	if err := logging.Initialize(cfg.Storage.DataDir, cfg.Logging.Level); err != nil {
		return nil, err
	}

	embedder, err := embedding.NewGenAIEngine(cfg.LLM.APIKey, cfg.LLM.EmbeddingModel, "SEMANTIC_SIMILARITY")
	if err != nil {
		return nil, err
	}

	st, err := store.NewLocalStore(cfg.Storage.DatabasePath, embedder.Dimensions())
	if err != nil {
		return nil, err
	}

	applyConfigOverrides(cfg, st)

	client, err := llm.NewGeminiClient(cfg.LLM)
	if err != nil {
		st.Close()
		return nil, err
	}

	identities := users.NewManager(st, cfg.Users.PrivilegedID)
	memories := memory.NewManager(st, embedder, client, cfg.Pipeline.MemoryWindow)
	retriever := knowledge.NewRetriever(st, embedder, cfg.Pipeline.KnowledgeTopK, cfg.Pipeline.PassageCharLimit)
	dispatcher := admin.NewDispatcher(identities, st)
	personas := persona.NewProvider(st, cfg.Name)
	activities := schedule.NewGenerator(cfg.Schedule, nil)

	p, err := pipeline.New(pipeline.Deps{
		LLM:           client,
		Identities:    identities,
		Commands:      dispatcher,
		Memories:      memories,
		Knowledge:     retriever,
		Activity:      activities,
		Personas:      personas,
		Conversations: st,
		Pipeline:      cfg.Pipeline,
		ArtifactsDir:  cfg.Storage.ArtifactsDir,
		Name:          cfg.Name,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	logger.Info("companion ready",
		zap.String("db", cfg.Storage.DatabasePath),
		zap.Bool("vector_ext", st.HasVectorExt()))

	return &app{
		cfg:        cfg,
		store:      st,
		embedder:   embedder,
		identities: identities,
		memories:   memories,
		pipeline:   p,
	}, nil
}

// applyConfigOverrides folds stored /config overrides into the loaded
// config. Unknown keys are kept in the store but ignored here.
func applyConfigOverrides(cfg *config.Config, st *store.LocalStore) {
	overrides, err := st.ListConfigOverrides()
	if err != nil {
		logging.Get(logging.CategoryBoot).Warn("failed to load config overrides: %v", err)
		return
	}
	for key, value := range overrides {
		n, err := strconv.Atoi(value)
		if err != nil {
			continue
		}
		switch key {
		case "router_window":
			cfg.Pipeline.RouterWindow = n
		case "summary_trigger":
			cfg.Pipeline.SummaryTrigger = n
		case "summary_keep":
			cfg.Pipeline.SummaryKeep = n
		case "knowledge_top_k":
			cfg.Pipeline.KnowledgeTopK = n
		case "passage_char_limit":
			cfg.Pipeline.PassageCharLimit = n
		case "memory_window":
			cfg.Pipeline.MemoryWindow = n
		}
	}
}

// runChat is the interactive REPL.
func runChat() error {
	app, err := buildApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	fmt.Printf("%s ready. You are %q. Ctrl-D to quit.\n", app.cfg.Name, senderID)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		reply, err := app.pipeline.Handle(ctx, senderID, text)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		printReply(reply.Text(), reply.ImagePath, reply.AudioPath)
	}

	fmt.Println()
	return scanner.Err()
}

func printReply(text, imagePath, audioPath string) {
	fmt.Println(text)
	if imagePath != "" {
		fmt.Printf("[image: %s]\n", imagePath)
	}
	if audioPath != "" {
		fmt.Printf("[audio: %s]\n", audioPath)
	}
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "companion.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&senderID, "sender", "s", "local-user", "external sender id to act as")

	rootCmd.AddCommand(sendCmd, statsCmd, ingestCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
