package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/andresmejia3/cvdescent/internal/utils"
)

// Options holds shared configuration for the serve and distort commands
type Options struct {
	CascadePath   string
	MinQuality    float64
	Classifier    string
	PythonBin     string
	WorkerScript  string
	WorkerTimeout string
	Policy        string
	FaceAsset     string
	Annotate      bool
	JPEGQuality   int
}

// envPrefix namespaces the environment fallback for every flag.
const envPrefix = "CVDESCENT_"

var (
	logLevel  string
	logFormat string
	envFile   string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "cvdescent",
	Short:   "Emotion-driven face distortion for live camera feeds and images",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is normal; a broken one is not.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			utils.ShowError("Failed to load "+envFile, err, nil)
			return err
		}

		// Flags left unset fall back to CVDESCENT_* variables
		if err := applyEnv(cmd.Flags()); err != nil {
			utils.ShowError("Invalid environment configuration", err, nil)
			return err
		}
		if err := setupLogger(logLevel, logFormat, os.Stderr); err != nil {
			utils.ShowError("Configuration Error", err, nil)
			return err
		}
		return nil
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format: console, json")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before flags are resolved")
}

// envKey maps a flag name to its environment variable, e.g. camera-retries -> CVDESCENT_CAMERA_RETRIES.
func envKey(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// applyEnv fills every flag the user did not set on the command line from the environment.
func applyEnv(flags *pflag.FlagSet) error {
	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		key := envKey(f.Name)
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if err := flags.Set(f.Name, v); err != nil {
			errs = append(errs, fmt.Errorf("invalid value %q for %s: %w", v, key, err))
		}
	})
	return errors.Join(errs...)
}

// setupLogger configures the global zerolog logger.
func setupLogger(level, format string, out io.Writer) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var w io.Writer
	switch format {
	case "console", "":
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	case "json":
		w = out
	default:
		return fmt.Errorf("invalid log format %q (expected console or json)", format)
	}

	log.Logger = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return nil
}
