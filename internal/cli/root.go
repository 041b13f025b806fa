package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/lherron/jwlmerge/internal/config"
	"github.com/lherron/jwlmerge/internal/logging"
	"github.com/lherron/jwlmerge/internal/render"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "jwlmerge",
	Short: "Merge two JW Library userData.db backups",
	Long: `jwlmerge combines the notes, highlights, bookmarks, tags and playlists of
two JW Library userData.db files into a single new database. Sources are
opened read-only; the output only appears once the merge and its integrity
check have succeeded.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides JWLMERGE_LOG_LEVEL)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: console or json (overrides JWLMERGE_LOG_FORMAT)")
}

// loadConfig loads configuration and applies the global flags on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if f := cmd.Flag("log-level"); f != nil && f.Value.String() != "" {
		cfg.LogLevel = f.Value.String()
	}
	if f := cmd.Flag("log-format"); f != nil && f.Value.String() != "" {
		cfg.LogFormat = f.Value.String()
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return log, nil
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// outputFormat resolves --format, with --json as a shorthand for json.
func outputFormat(format string, jsonFlag bool) (render.Format, error) {
	if jsonFlag {
		return render.FormatJSON, nil
	}
	return render.ParseFormat(format)
}
