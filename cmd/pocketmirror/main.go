package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pocketmirror/internal/cdp"
	"pocketmirror/internal/config"
	"pocketmirror/internal/logging"
	"pocketmirror/internal/mirror"
	"pocketmirror/internal/state"
	"pocketmirror/internal/telegram"
	"pocketmirror/internal/transcribe"
)

var (
	// Global flags
	cfgPath  string
	stateDir string
	verbose  bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "pocketmirror",
	Short: "pocketmirror - mirror live IDE chat sessions to Telegram",
	Long: `pocketmirror attaches to a running IDE's remote debugging endpoint,
tracks every open window and chat conversation, and mirrors the one you are
working in to a Telegram chat - streaming responses out and relaying your
replies, voice notes, and confirmations back in.`,
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
		return runMirror()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start mirroring (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMirror()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted pairing and mirroring state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := state.New(cfg.StateDir)
		if err != nil {
			return err
		}
		if owner := store.LoadOwnerID(); owner != 0 {
			fmt.Printf("Paired owner: %d\n", owner)
		} else {
			fmt.Println("Paired owner: none")
		}
		if chatID := store.LoadChatID(); chatID != 0 {
			fmt.Printf("Chat: %d\n", chatID)
		}
		if rec, ok := store.LoadMirrored(); ok {
			fmt.Printf("Last mirrored: %q in %s\n", rec.ConversationName, rec.InstanceLabel)
		} else {
			fmt.Println("Last mirrored: none")
		}
		fmt.Printf("Muted: %v\n", store.Muted())

		printDiscovered(cmd.Context(), cfg)
		return nil
	},
}

// printDiscovered does a one-shot scan of the debugging endpoint so status
// shows what a running bridge would see.
func printDiscovered(ctx context.Context, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client := cdp.New(cfg.CDP.Host, cfg.CDP.CandidatePorts())
	if err := client.Connect(ctx); err != nil {
		fmt.Printf("IDE: not reachable (%v)\n", err)
		return
	}
	defer client.Close()

	instances, err := client.ListInstances(ctx)
	if err != nil {
		fmt.Printf("IDE: enumeration failed (%v)\n", err)
		return
	}
	fmt.Printf("IDE: port %d, %d window(s)\n", client.Port(), len(instances))
	for _, info := range instances {
		label := info.Label
		if label == "" {
			label = info.Title
		}
		fmt.Printf("  %s\n", label)
		inst, err := client.Attach(ctx, info)
		if err != nil {
			fmt.Printf("    (attach failed: %v)\n", err)
			continue
		}
		convs, err := inst.ListConversations(ctx)
		if err != nil {
			fmt.Printf("    (conversation scan failed: %v)\n", err)
			continue
		}
		for _, c := range convs {
			marker := " "
			if c.Active {
				marker = "*"
			}
			name := c.Name
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Printf("   %s %s\n", marker, name)
		}
	}
}

var unpairCmd = &cobra.Command{
	Use:   "unpair",
	Short: "Forget the paired Telegram owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := state.New(cfg.StateDir)
		if err != nil {
			return err
		}
		if err := store.ClearOwnerID(); err != nil {
			return err
		}
		fmt.Println("Unpaired. The next user to message the bot becomes the owner.")
		return nil
	},
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	return cfg, nil
}

func runMirror() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logDir := cfg.Logging.Dir
	if logDir == "" {
		logDir = filepath.Join(cfg.StateDir, "logs")
	}
	if err := logging.Initialize(logging.Options{
		DebugMode:  verbose || cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
		Dir:        logDir,
	}); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer logging.CloseAll()

	store, err := state.New(cfg.StateDir)
	if err != nil {
		return err
	}
	if err := store.AcquireLock(); err != nil {
		return fmt.Errorf("another pocketmirror is running: %w", err)
	}
	defer store.ReleaseLock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tg := telegram.New(cfg.Telegram.Token, cfg.Telegram.BaseURL, cfg.Telegram.RequestTimeout())
	tg.ChunkLimit = cfg.Mirror.ChunkLimit

	disc := mirror.NewCDPDiscovery(cdp.New(cfg.CDP.Host, cfg.CDP.CandidatePorts()))

	var transcriber mirror.Transcriber
	if cfg.Transcribe.APIKey != "" {
		t, err := transcribe.New(ctx, cfg.Transcribe.APIKey, cfg.Transcribe.Model)
		if err != nil {
			logger.Warn("voice transcription disabled", zap.Error(err))
		} else {
			transcriber = t
		}
	}

	engine := mirror.NewEngine(cfg, tg, disc, store, transcriber)
	logger.Info("starting mirror engine",
		zap.String("state_dir", store.Dir()),
		zap.Bool("voice", transcriber != nil))

	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("shut down cleanly")
	return nil
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "state directory (default ~/.pocketmirror)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(runCmd, statusCmd, unpairCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
