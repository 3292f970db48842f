package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hession/researchmate/internal/app"
	"github.com/hession/researchmate/internal/cli"
	"github.com/hession/researchmate/internal/config"
	"github.com/hession/researchmate/internal/knowledge"
	"github.com/hession/researchmate/internal/logger"
	"github.com/hession/researchmate/internal/report"
	"github.com/hession/researchmate/internal/workingmemory"
)

var (
	version = "0.1.0"

	errKnowledgeDisabled = errors.New("knowledge base is disabled (knowledge.enabled in config)")
)

type rootOptions struct {
	configDir string
	userID    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "researchmate",
		Short: "ResearchMate - Research assistant with memory",
		Long: `ResearchMate is a research assistant that remembers.

It can:
  • Keep recent conversation history per thread
  • Recall relevant messages from your earlier threads
  • Track research progress: queries, URLs, findings, follow-ups
  • Search the web without repeating itself
  • Keep reports, notes and references in a searchable knowledge base
  • Write research reports from a thread
  • Serve the same memory over an HTTP API`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.configDir != "" {
				config.SetConfigDir(opts.configDir)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(opts)
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configDir, "config-dir", "", "configuration directory (default ./config)")
	rootCmd.PersistentFlags().StringVarP(&opts.userID, "user", "u", defaultUser(), "user id owning threads and memory")

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Start the interactive chat (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(opts)
		},
	}

	var addr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if err := cfg.RequireCredentials(); err != nil {
				return err
			}
			a, err := app.Build(cfg, app.Hooks{})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			fmt.Fprintf(cmd.OutOrStdout(), "ResearchMate API listening on %s\n", cfg.Server.Addr)
			return a.Serve(ctx)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")

	threadsCmd := &cobra.Command{
		Use:   "threads",
		Short: "List your threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				threads, err := a.Memory.Threads(cmd.Context(), opts.userID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(threads) == 0 {
					fmt.Fprintln(out, "No threads")
					return nil
				}
				for _, t := range threads {
					fmt.Fprintf(out, "%s\t%s\t%s\n", t.ID, t.UpdatedAt.Local().Format("2006-01-02 15:04"), t.Title)
				}
				return nil
			})
		},
	}

	memoryCmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect or clear a thread's working memory",
	}
	var threadID string
	memoryShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Show working memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				if _, err := a.Memory.OwnedThread(cmd.Context(), opts.userID, threadID); err != nil {
					return err
				}
				p, err := a.Memory.WorkingMemory().Get(cmd.Context(), opts.userID, threadID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), workingmemory.RenderSummary(p))
				return nil
			})
		},
	}
	memoryClearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear working memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				if _, err := a.Memory.OwnedThread(cmd.Context(), opts.userID, threadID); err != nil {
					return err
				}
				if err := a.Memory.WorkingMemory().Clear(cmd.Context(), opts.userID, threadID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Working memory of %s cleared\n", threadID)
				return nil
			})
		},
	}
	memoryCmd.PersistentFlags().StringVarP(&threadID, "thread", "t", "", "thread id")
	memoryCmd.MarkPersistentFlagRequired("thread")
	memoryCmd.AddCommand(memoryShowCmd, memoryClearCmd)

	knowledgeCmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Seed or search the knowledge base",
	}
	knowledgeSeedCmd := &cobra.Command{
		Use:   "seed <file>",
		Short: "Load documents from a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := knowledge.LoadDocuments(args[0])
			if err != nil {
				return err
			}
			return withApp(func(a *app.App) error {
				if a.Knowledge == nil {
					return errKnowledgeDisabled
				}
				ids, err := a.Knowledge.Seed(cmd.Context(), docs)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored %d documents\n", len(ids))
				return nil
			})
		},
	}
	var searchCollections []string
	var searchTopK int
	knowledgeSearchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the knowledge base",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				if a.Knowledge == nil {
					return errKnowledgeDisabled
				}
				res, err := a.Knowledge.Search(cmd.Context(), knowledge.SearchRequest{
					Query:       strings.Join(args, " "),
					Collections: searchCollections,
					TopK:        searchTopK,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(res.Hits) == 0 {
					fmt.Fprintln(out, "No results")
					return nil
				}
				for _, h := range res.Hits {
					fmt.Fprintf(out, "%.3f\t%s\t%s\t%s\n", h.Score, h.Collection, h.ID, preview(h.Content, 80))
				}
				return nil
			})
		},
	}
	knowledgeSearchCmd.Flags().StringSliceVarP(&searchCollections, "collection", "c", nil, "collections to search (default all)")
	knowledgeSearchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 0, "maximum results")
	knowledgeCmd.AddCommand(knowledgeSeedCmd, knowledgeSearchCmd)

	var reportThread, reportTopic string
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Write a research report for a thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireCredentials(); err != nil {
				return err
			}
			a, err := app.Build(cfg, app.Hooks{})
			if err != nil {
				return err
			}
			defer a.Close()
			rep, err := a.Reports.Write(cmd.Context(), report.Request{
				UserID:   opts.userID,
				ThreadID: reportThread,
				Topic:    reportTopic,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, rep.Markdown)
			for _, w := range rep.Warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			}
			if rep.Path != "" {
				fmt.Fprintf(out, "\nSaved to %s\n", rep.Path)
			}
			return nil
		},
	}
	reportCmd.Flags().StringVarP(&reportThread, "thread", "t", "", "thread id")
	reportCmd.Flags().StringVar(&reportTopic, "topic", "", "report topic (default the thread title)")
	reportCmd.MarkFlagRequired("thread")

	// config subcommand
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show or manage configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.String())

			path, _ := config.ConfigPath()
			fmt.Fprintf(cmd.OutOrStdout(), "\nConfig file path: %s\n", path)
			return nil
		},
	}

	// version subcommand
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ResearchMate v%s\n", version)
		},
	}

	rootCmd.AddCommand(chatCmd, serveCmd, threadsCmd, memoryCmd, knowledgeCmd, reportCmd, configCmd, versionCmd)
	return rootCmd
}

func runChat(opts *rootOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return cli.Run(cfg, opts.userID)
}

// withApp builds the app for a one-shot command.
func withApp(fn func(a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Build(cfg, app.Hooks{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// loadConfig loads configuration and starts file logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		LogDir:     config.LogDir(),
		Level:      level,
		MaxDays:    cfg.Log.MaxDays,
		ConsoleOut: cfg.Log.Console,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logConfigInfo(cfg)
	return cfg, nil
}

// logConfigInfo records the effective configuration without secrets.
func logConfigInfo(cfg *config.Config) {
	logger.Info("config: model=%s/%s tools=%v embedder=%s(%d) persistence=%s vectors=%s preset=%s api_key_set=%v",
		cfg.Model.Provider, cfg.Model.Model, cfg.Model.ToolsEnabled,
		cfg.Embedding.Provider, cfg.Embedding.Dimension,
		cfg.Memory.Persistence, cfg.Memory.VectorBackend, cfg.Memory.Preset,
		cfg.IsAPIKeyConfigured())
}

// preview flattens s onto one line of at most n runes.
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}
