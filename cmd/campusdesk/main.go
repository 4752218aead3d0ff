// campusdesk is the conversational student-support service: FAQ answers over
// the policy corpus, faculty email composition, and support-ticket filing,
// behind a small chat HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"campusdesk/internal/agents"
	"campusdesk/internal/chatmemory"
	"campusdesk/internal/config"
	"campusdesk/internal/dedup"
	"campusdesk/internal/directory"
	"campusdesk/internal/embedding"
	"campusdesk/internal/executor"
	"campusdesk/internal/flowstate"
	"campusdesk/internal/governance"
	"campusdesk/internal/intent"
	"campusdesk/internal/llm"
	"campusdesk/internal/logging"
	"campusdesk/internal/maillog"
	"campusdesk/internal/orchestrator"
	"campusdesk/internal/retrieval"
	"campusdesk/internal/server"
	"campusdesk/internal/store"
	"campusdesk/internal/tickets"
	"campusdesk/internal/turnlog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var version = "1.0.0"

var (
	configPath string
	workspace  string
)

var rootCmd = &cobra.Command{
	Use:   "campusdesk",
	Short: "campusdesk - conversational college student support",
	Long: `campusdesk answers college policy questions, drafts and sends emails to
faculty, and files support tickets, all through a chat interface with
daily quotas and confirmation gates on every side effect.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if workspace == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve workspace: %w", err)
			}
			workspace = wd
		}
		return logging.Initialize(workspace)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, err := buildApp(cfg)
		if err != nil {
			return err
		}
		defer app.close()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return app.server.Run(ctx)
		})
		if cfg.Retrieval.WatchCorpus {
			g.Go(func() error {
				return app.watcher.Run(ctx)
			})
		}
		logging.Boot("campusdesk %s serving on %s", version, cfg.Server.Addr)
		return g.Wait()
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest the policy corpus into the retrieval index",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		vecDB, err := store.Open(cfg.Storage.VectorDBPath)
		if err != nil {
			return fmt.Errorf("open vector db: %w", err)
		}
		defer vecDB.Close()

		engine, err := newEmbeddingEngine(cfg)
		if err != nil {
			return err
		}
		index, err := retrieval.NewIndex(vecDB, engine)
		if err != nil {
			return err
		}

		chunker := retrieval.NewChunker(cfg.Retrieval.ChunkSize, cfg.Retrieval.ChunkOverlap)
		stats, err := index.Ingest(cmd.Context(), cfg.Retrieval.CorpusDir, chunker)
		if err != nil {
			return err
		}
		fmt.Printf("Ingested %d files: %d chunks (%d embedded, %d unchanged), index size %d\n",
			stats.Files, stats.Chunks, stats.Embedded, stats.Skipped, index.Count())
		return nil
	},
}

var seedFacultyCmd = &cobra.Command{
	Use:   "seed-faculty",
	Short: "Load the faculty directory from the YAML seed file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		db, err := store.Open(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		dir, err := directory.New(db)
		if err != nil {
			return err
		}
		n, err := dir.LoadSeed(cfg.Storage.FacultySeedPath)
		if err != nil {
			return err
		}
		fmt.Printf("Loaded %d faculty entries from %s\n", n, cfg.Storage.FacultySeedPath)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("campusdesk %s\n", version)
	},
}

// app holds the wired components and what must be closed on shutdown.
type app struct {
	server  *server.Server
	watcher *retrieval.Watcher

	db    closer
	vecDB closer
	turns *turnlog.Writer
}

type closer interface{ Close() error }

func (a *app) close() {
	if a.turns != nil {
		a.turns.Close()
	}
	if a.vecDB != nil {
		a.vecDB.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// buildApp wires every component from configuration.
func buildApp(cfg *config.Config) (*app, error) {
	db, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	vecDB, err := store.Open(cfg.Storage.VectorDBPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open vector db: %w", err)
	}

	flows, err := flowstate.New(db, cfg.GetFlowTTL())
	if err != nil {
		return nil, err
	}
	backend, err := chatmemory.NewSQLiteBackend(db)
	if err != nil {
		return nil, err
	}
	memory := chatmemory.New(backend)
	gov, err := governance.New(db, cfg.Limits.EmailDailyMax, cfg.Limits.TicketDailyMax, cfg.Limits.CivilTimezone)
	if err != nil {
		return nil, err
	}
	ticketStore, err := tickets.New(db)
	if err != nil {
		return nil, err
	}
	mail, err := maillog.New(db)
	if err != nil {
		return nil, err
	}
	dir, err := directory.New(db)
	if err != nil {
		return nil, err
	}
	if n, err := dir.LoadSeed(cfg.Storage.FacultySeedPath); err == nil && n > 0 {
		logging.Boot("loaded %d faculty entries", n)
	}

	engine, err := newEmbeddingEngine(cfg)
	if err != nil {
		return nil, err
	}
	index, err := retrieval.NewIndex(vecDB, engine)
	if err != nil {
		return nil, err
	}
	chunker := retrieval.NewChunker(cfg.Retrieval.ChunkSize, cfg.Retrieval.ChunkOverlap)
	watcher := retrieval.NewWatcher(index, chunker, cfg.Retrieval.CorpusDir)

	gen := llm.NewGeminiClientWithConfig(llm.GeminiConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: cfg.GetLLMTimeout(),
	})

	drafter := agents.NewDrafter(gen, cfg.LLM.Temperature, cfg.LLM.RegenTemperatureSteps)
	handlers := orchestrator.Handlers{
		FAQ:          agents.NewFAQHandler(index, gen, dir, mail, gov, memory, cfg.Retrieval.K, cfg.Retrieval.CourseK),
		Email:        agents.NewEmailHandler(flows, dir, drafter),
		Ticket:       agents.NewTicketHandler(flows, gen),
		TicketStatus: agents.NewTicketStatusHandler(ticketStore, gov),
		Greeting:     agents.NewGreetingHandler(),
	}

	exec := executor.New(gov, flows, ticketStore, mail, nil)

	turns, err := turnlog.New(cfg.Storage.TurnLogPath, 0)
	if err != nil {
		return nil, fmt.Errorf("open turn log: %w", err)
	}

	dd := dedup.New(cfg.GetDedupTTL(), cfg.Dedup.MaxEntries)
	orch := orchestrator.New(flows, memory, intent.NewClassifier(gen), dd, exec, turns,
		handlers, cfg.Thresholds, cfg.GetSessionTimeout())

	srv := server.New(orch, memory, cfg.Server, cfg.GetShutdownTimeout())

	return &app{
		server:  srv,
		watcher: watcher,
		db:      db,
		vecDB:   vecDB,
		turns:   turns,
	}, nil
}

// newEmbeddingEngine maps service config onto the engine config. The config
// names the provider "gemini"; the engine calls the same backend "genai".
func newEmbeddingEngine(cfg *config.Config) (embedding.EmbeddingEngine, error) {
	provider := cfg.Embedding.Provider
	if provider == "gemini" {
		provider = "genai"
	}
	return embedding.NewEngine(embedding.Config{
		Provider:    provider,
		GenAIAPIKey: cfg.Embedding.APIKey,
		GenAIModel:  cfg.Embedding.Model,
		TaskType:    "RETRIEVAL_DOCUMENT",
		Dimensions:  cfg.Embedding.Dimensions,
	})
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "campusdesk.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (default: cwd)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(seedFacultyCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
