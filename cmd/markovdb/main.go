// Package main provides the MarkovDB CLI entry point.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/markovdb/pkg/config"
	"github.com/orneryd/markovdb/pkg/markovdb"
	"github.com/orneryd/markovdb/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// ConfigFileName is the file `markovdb init` writes into the data directory.
const ConfigFileName = "markovdb.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "markovdb",
		Short: "MarkovDB - a chatty order-2 Markov chain",
		Long: `MarkovDB learns word transitions from text and talks back.

Features:
  • Persistent chain in BadgerDB (optionally encrypted)
  • Background single-writer learning queue
  • Seeded and random generation with fuzzy seed search
  • Bulk import with regex extraction and dry-run preview`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Config file (default: <data-dir>/"+ConfigFileName+" if present)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "MarkovDB v%s (%s)\n", version, commit)
		},
	})

	// Init command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize a new chain directory with a default config",
		RunE:  runInit,
	})

	// Learn command
	learnCmd := &cobra.Command{
		Use:   "learn FILE...",
		Short: "Learn every line of one or more files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runLearn,
	}
	learnCmd.Flags().String("pattern", "", "Regex; learn only its matches (capture groups if present)")
	learnCmd.Flags().Bool("testing", false, "Preview what would be learned without learning it")
	learnCmd.Flags().String("lines", markovdb.DefaultPreviewLines, "Line range for --testing (N..M or N)")
	rootCmd.AddCommand(learnCmd)

	// Chat command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "chat [SEED1 [SEED2]]",
		Short: "Generate a line, optionally about one or two seed words",
		Args:  cobra.MaximumNArgs(2),
		RunE:  runChat,
	})

	// Listen command
	listenCmd := &cobra.Command{
		Use:   "listen",
		Short: "Treat stdin lines as conversation: learn them and sometimes reply",
		RunE:  runListen,
	}
	listenCmd.Flags().String("source", "", "Sender hostmask used for ignore checks")
	listenCmd.Flags().String("channel", "", "Channel used for ignore checks")
	listenCmd.Flags().Bool("no-delay", false, "Reply immediately instead of waiting the reply delay")
	rootCmd.AddCommand(listenCmd)

	// Status command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show chain statistics",
		RunE:  runStatus,
	})

	// Keys command
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "List contexts and their successors in key order",
		RunE:  runKeys,
	}
	keysCmd.Flags().String("from", "", "Start listing at this key text")
	keysCmd.Flags().Int("limit", 20, "Maximum contexts to list (0 = all)")
	rootCmd.AddCommand(keysCmd)

	// GC command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "gc",
		Short: "Reclaim unused space in the value log",
		RunE:  runGC,
	})

	return rootCmd
}

// loadConfig resolves the config file, applies env and flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	if path == "" && dataDir != "" {
		candidate := filepath.Join(dataDir, ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.Database.DataDir = dataDir
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Logging.Level = "DEBUG"
	}
	return cfg, nil
}

// openDB loads config, builds the logger and opens the chain.
func openDB(cmd *cobra.Command) (*markovdb.DB, *zap.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.Logging.Build()
	if err != nil {
		return nil, nil, err
	}
	db, err := markovdb.Open(cfg, &markovdb.Options{Logger: logger})
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return db, logger, nil
}

func closeDB(db *markovdb.DB, logger *zap.Logger) error {
	err := db.Close()
	_ = logger.Sync()
	return err
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dataDir := cfg.Database.DataDir

	fmt.Fprintf(out, "📂 Initializing MarkovDB chain in %s\n", dataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dataDir, err)
	}

	configPath := filepath.Join(dataDir, ConfigFileName)
	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(out, "⚠️  Config already exists, leaving it alone: %s\n", configPath)
	} else {
		saved := *cfg
		saved.Database.EncryptionPassphrase = "" // Passphrase is env-only
		if err := saved.SaveFile(configPath); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "✅ Chain initialized successfully")
	fmt.Fprintf(out, "   Config: %s\n", configPath)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Teach it:   markovdb learn corpus.txt --data-dir", dataDir)
	fmt.Fprintln(out, "  2. Talk to it: markovdb chat --data-dir", dataDir)
	return nil
}

func runLearn(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	pattern, _ := cmd.Flags().GetString("pattern")
	dryRun, _ := cmd.Flags().GetBool("testing")
	lines, _ := cmd.Flags().GetString("lines")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dryRun {
		return previewFiles(ctx, out, args, pattern, lines)
	}

	db, logger, err := openDB(cmd)
	if err != nil {
		return err
	}

	var outMu sync.Mutex
	printf := func(format string, a ...any) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(out, format, a...)
	}

	start := time.Now()
	results := make([]int, len(args))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range args {
		g.Go(func() error {
			n, err := db.Import(gctx, path, pattern)
			switch {
			case errors.Is(err, markovdb.ErrSourceNotFound), errors.Is(err, markovdb.ErrNothingToLearn):
				printf("⚠️  %v\n", err)
				return nil
			case err != nil:
				return fmt.Errorf("%s: %w", path, err)
			}
			results[i] = n
			printf("📥 Queued %d lines from %s\n", n, path)
			return nil
		})
	}
	importErr := g.Wait()

	total := 0
	for _, n := range results {
		total += n
	}
	if total > 0 {
		fmt.Fprintf(out, "🧠 Learning %d lines...\n", total)
	}

	// Close drains the queue
	if err := closeDB(db, logger); err != nil {
		return err
	}
	if importErr != nil {
		return importErr
	}

	st := db.Status().Pipeline
	fmt.Fprintf(out, "✅ Learned %d lines in %v (%d too short, %d failed)\n",
		st.Processed, time.Since(start).Round(time.Millisecond), st.Skipped, st.Failed)
	return nil
}

func previewFiles(ctx context.Context, out io.Writer, paths []string, pattern, lines string) error {
	for _, path := range paths {
		preview, err := markovdb.Preview(ctx, path, pattern, lines)
		if err != nil {
			if errors.Is(err, markovdb.ErrSourceNotFound) || errors.Is(err, markovdb.ErrNothingToLearn) {
				fmt.Fprintf(out, "⚠️  %v\n", err)
				continue
			}
			return err
		}
		fmt.Fprintf(out, "🔍 %s (lines %s)\n", path, lines)
		for _, l := range preview {
			fmt.Fprintf(out, "   %4d  %s\n", l.Number, l.Text)
		}
	}
	return nil
}

func runChat(cmd *cobra.Command, args []string) error {
	db, logger, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer closeDB(db, logger)

	var (
		reply string
		ok    bool
	)
	switch len(args) {
	case 0:
		reply, ok, err = db.Chat()
	case 1:
		reply, ok, err = db.ChatAbout(args[0], "")
	default:
		reply, ok, err = db.ChatAbout(args[0], args[1])
	}
	if err != nil {
		return err
	}
	if !ok {
		reply = markovdb.FallbackMessage
	}
	fmt.Fprintln(cmd.OutOrStdout(), reply)
	return nil
}

func runListen(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	source, _ := cmd.Flags().GetString("source")
	channel, _ := cmd.Flags().GetString("channel")
	noDelay, _ := cmd.Flags().GetBool("no-delay")

	db, logger, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer closeDB(db, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(out, "👂 Listening on stdin (enabled: %v, probability: %d%%)\n", db.Enabled(), db.Probability())

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "👋 Stopping")
			return nil
		case line, open := <-lines:
			if !open {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			reply, ok, err := db.Observe(source, channel, line)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if !noDelay {
				select {
				case <-time.After(db.ReplyDelay()):
				case <-ctx.Done():
					return nil
				}
			}
			fmt.Fprintf(out, "💬 %s\n", reply)
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	db, logger, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer closeDB(db, logger)

	keys, err := db.KeyCount()
	if err != nil {
		return err
	}
	st := db.Status()
	lsm, vlog := db.Size()

	fmt.Fprintln(out, "📊 MarkovDB status")
	fmt.Fprintf(out, "   Enabled:      %v\n", st.Enabled)
	fmt.Fprintf(out, "   Probability:  %d%%\n", st.Probability)
	fmt.Fprintf(out, "   Queue depth:  %d\n", st.QueueDepth)
	fmt.Fprintf(out, "   Contexts:     %d\n", keys)
	fmt.Fprintf(out, "   Disk usage:   %d bytes (lsm %d, vlog %d)\n", lsm+vlog, lsm, vlog)
	if ignore := db.IgnoreList(); len(ignore) > 0 {
		fmt.Fprintf(out, "   Ignoring:     %v\n", ignore)
	}
	return nil
}

func runKeys(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	from, _ := cmd.Flags().GetString("from")
	limit, _ := cmd.Flags().GetInt("limit")

	db, logger, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer closeDB(db, logger)

	shown := 0
	err = db.Keys(from, func(k storage.ContextKey, succ storage.SuccessorList) bool {
		fmt.Fprintf(out, "%-30q -> %v\n", k.String(), succ)
		shown++
		return limit <= 0 || shown < limit
	})
	if err != nil {
		return err
	}
	if shown == 0 {
		fmt.Fprintln(out, "(no contexts)")
	}
	return nil
}

func runGC(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	db, logger, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer closeDB(db, logger)

	before, beforeV := db.Size()
	if err := db.RunGC(); err != nil {
		return err
	}
	after, afterV := db.Size()
	fmt.Fprintf(out, "🧹 Garbage collection complete (%d -> %d bytes)\n", before+beforeV, after+afterV)
	return nil
}
