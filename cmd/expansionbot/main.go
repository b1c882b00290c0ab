package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"expansionbot/internal/app"
	"expansionbot/internal/config"
	"expansionbot/internal/storage"
	logx "expansionbot/pkg/logx"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		if errors.Is(err, app.ErrFatalConfig) {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "expansionbot",
		Short:         "Chat bot that answers \"expand ITM\" with a rotating expansion",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "",
		"config file (.yaml, .yml or .json); "+config.EnvToken+", "+config.EnvDBPath+" and "+config.EnvName+" override it")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Connect to chat and serve expansions (default)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runBot(cmd.Context(), cfgPath)
			},
		},
		&cobra.Command{
			Use:   "seed FILE",
			Short: "Add expansions from a text file, one per line (creates the store)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return seed(cmd.Context(), cmd.OutOrStdout(), cfgPath, args[0])
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Print rotation statistics for the store",
			RunE: func(cmd *cobra.Command, args []string) error {
				return stats(cmd.Context(), cmd.OutOrStdout(), cfgPath)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "expansionbot %s\n", version)
			},
		},
	)
	return root
}

func runBot(ctx context.Context, cfgPath string) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(config.NewManager(cfgPath))
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// openStore opens the configured store without requiring chat credentials.
func openStore(cfgPath string, create bool) (storage.Store, *config.Config, error) {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return nil, nil, err
	}
	st, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: config.MustDuration(cfg.Storage.BusyTimeout, 0),
		Create:      create,
	}, logx.NewConsole(cfg.Logging.Level))
	if err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			return nil, nil, fmt.Errorf("%w: %w", app.ErrFatalConfig, err)
		}
		return nil, nil, err
	}
	return st, cfg, nil
}

func seed(ctx context.Context, out io.Writer, cfgPath, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	texts, err := readExpansions(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}

	st, cfg, err := openStore(cfgPath, true)
	if err != nil {
		return err
	}
	defer st.Close()
	seeder, ok := st.(storage.Seeder)
	if !ok {
		return fmt.Errorf("storage driver %q cannot be seeded", cfg.Storage.Driver)
	}
	n, err := seeder.Seed(ctx, texts)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "added %d of %d expansions to %s\n", n, len(texts), cfg.Storage.Path)
	return nil
}

func stats(ctx context.Context, out io.Writer, cfgPath string) error {
	st, cfg, err := openStore(cfgPath, false)
	if err != nil {
		return err
	}
	defer st.Close()
	s, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	md, err := st.RunMetadata(ctx)
	if err != nil {
		return err
	}
	lastRun := "never"
	if md.HasRun() {
		lastRun = md.LastRun.Format("2006-01-02 15:04:05 MST")
	}
	fmt.Fprintf(out, "store:    %s (%s)\n", cfg.Storage.Path, cfg.Storage.Driver)
	fmt.Fprintf(out, "rotation: %s\n", s)
	fmt.Fprintf(out, "last run: %s\n", lastRun)
	return nil
}

// readExpansions returns the non-empty lines of r. Lines starting with '#'
// are comments.
func readExpansions(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}
