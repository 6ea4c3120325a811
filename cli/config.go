package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spicemcp/spice/pkg/config"
	"github.com/spicemcp/spice/pkg/logger"
)

const defaultConfigFile = "spice.yaml"

func addGlobalFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", defaultConfigFile, "Path to the YAML configuration file")
	flags.String("env-file", "", "Path to an environment file loaded before configuration")

	flags.String("log-level", "info", "Log level (debug, info, warn, error, disabled)")
	flags.Bool("log-json", false, "Output logs in JSON format")
	flags.Bool("log-source", false, "Include source file and line in logs")
	flags.Bool("debug", false, "Enable debug mode (sets log level to debug)")

	flags.String("api-key", "", "Dune API key (prefer DUNE_API_KEY)")
	flags.String("api-url", "", "Dune API base URL")
	flags.String("raw-sql-engine", "", "Raw SQL engine (execution_sql, template)")
	flags.Int64("raw-sql-query-id", 0, "Saved query used by the template raw SQL engine")
	flags.Duration("http-timeout", 0, "Timeout for Dune API requests")
	flags.Duration("poll-interval", 0, "Interval between execution status polls")
	flags.Duration("timeout", 0, "Default wait for an execution to finish")
	flags.String("performance", "", "Execution tier (medium, large)")
	flags.String("cache-mode", "", "Result cache backend (off, memory, file, redis)")
	flags.String("cache-dir", "", "Directory for the file result cache")
	flags.Duration("cache-ttl", 0, "Result cache entry lifetime")
	flags.String("redis-url", "", "Redis URL for the redis result cache")
	flags.Bool("history", true, "Record query history")
	flags.String("history-path", "", "Path of the JSONL query history")
	flags.String("artifact-root", "", "Directory for raw SQL artifacts")
	flags.Bool("read-only-sql", false, "Reject raw SQL that is not a read-only statement")
	flags.Bool("metrics", false, "Expose Prometheus metrics on the HTTP transport")
}

// SetupGlobalConfig loads the configuration and logger and stores both on the command context.
func SetupGlobalConfig(cmd *cobra.Command) error {
	if _, err := loadEnvFile(cmd); err != nil {
		return err
	}
	debug, err := cmd.Flags().GetBool("debug")
	if err != nil {
		return fmt.Errorf("failed to get debug flag: %w", err)
	}
	if debug {
		if err := cmd.Flags().Set("log-level", "debug"); err != nil {
			return err
		}
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := setupLogging(cmd, cfg)
	if err != nil {
		return err
	}
	ctx = config.ContextWithConfig(ctx, cfg)
	ctx = logger.ContextWithLogger(ctx, log)
	cmd.SetContext(ctx)
	return nil
}

func loadConfig(ctx context.Context, cmd *cobra.Command) (*config.Config, error) {
	var sources []config.Source
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			sources = append(sources, config.NewYAMLProvider(path))
		} else if cmd.Flags().Changed("config") {
			return nil, fmt.Errorf("config file %s: %w", path, statErr)
		}
	}
	flags := make(map[string]any)
	extractCLIFlags(cmd, flags)
	if len(flags) > 0 {
		sources = append(sources, config.NewCLIProvider(flags))
	}
	return config.Load(ctx, sources...)
}

// extractCLIFlags collects the configuration flags explicitly changed by the user.
func extractCLIFlags(cmd *cobra.Command, flags map[string]any) {
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if _, ok := config.CLIFlagPath(f.Name); !ok {
			return
		}
		if f.Value.Type() == "bool" {
			if v, err := cmd.Flags().GetBool(f.Name); err == nil {
				flags[f.Name] = v
			}
			return
		}
		flags[f.Name] = f.Value.String()
	})
}

// setupLogging prefers explicit log flags over the loaded configuration.
func setupLogging(cmd *cobra.Command, cfg *config.Config) (logger.Logger, error) {
	logLevel, logJSON, logSource, err := logger.GetLoggerConfig(cmd)
	if err != nil {
		return nil, err
	}
	if !cmd.Flags().Changed("log-level") {
		logLevel = cfg.Runtime.LogLevel
	}
	if !cmd.Flags().Changed("log-json") {
		logJSON = cfg.Runtime.LogJSON
	}
	return logger.SetupLogger(logLevel, logJSON, logSource), nil
}

// loadEnvFile loads environment variables from a file inside the working directory.
func loadEnvFile(cmd *cobra.Command) (string, error) {
	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return "", fmt.Errorf("failed to get env-file flag: %w", err)
	}
	if envFile == "" {
		return "", nil
	}
	pwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current working directory: %w", err)
	}
	if !filepath.IsAbs(envFile) {
		envFile = filepath.Join(pwd, envFile)
	}
	absPath, err := filepath.Abs(filepath.Clean(envFile))
	if err != nil {
		return "", fmt.Errorf("failed to resolve env file path: %w", err)
	}
	if !isPathWithinDirectory(absPath, pwd) {
		return "", fmt.Errorf("env file path '%s' is outside the working directory", envFile)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return absPath, nil
		}
		return "", fmt.Errorf("failed to stat env file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("env file path '%s' is not a regular file", envFile)
	}
	if err := godotenv.Load(absPath); err != nil {
		return "", fmt.Errorf("failed to load env file %s: %w", absPath, err)
	}
	return absPath, nil
}

func isPathWithinDirectory(path, dir string) bool {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return false
	}
	absDir, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return false
	}
	if !strings.HasSuffix(absDir, string(filepath.Separator)) {
		absDir += string(filepath.Separator)
	}
	return strings.HasPrefix(absPath, absDir) || absPath == strings.TrimSuffix(absDir, string(filepath.Separator))
}
