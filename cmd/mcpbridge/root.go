package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Bigsy/mcpbridge/internal/config"
	"github.com/Bigsy/mcpbridge/internal/log"
	"github.com/Bigsy/mcpbridge/internal/oauth"
)

// Version information (set at build time via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath  string
	logLevel    string
	secretStore string
}

func (o *globalOptions) register(fs *pflag.FlagSet) {
	fs.StringVarP(&o.configPath, "config", "c", "", "Path to config file (default: ~/.config/mcpbridge/config.json)")
	fs.StringVarP(&o.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error); overrides config and MCPBRIDGE_LOG_LEVEL")
	fs.StringVar(&o.secretStore, "secret-store", "", "Secret store backend (auto, keyring, file, memory); overrides config")
}

// loadConfig reads the config from --config or the default path.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFrom(o.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func (o *globalOptions) saveConfig(cfg *config.Config) error {
	var err error
	if o.configPath != "" {
		err = config.SaveTo(cfg, o.configPath)
	} else {
		err = config.Save(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// resolvedConfigPath is the file watched for hot reload.
func (o *globalOptions) resolvedConfigPath() (string, error) {
	if o.configPath != "" {
		return config.ExpandPath(o.configPath)
	}
	return config.ConfigPath()
}

// logger layers the config's log section, the environment and --log-level.
// Output always goes to stderr; stdout belongs to the stdio host.
func (o *globalOptions) logger(cfg *config.Config, errOut io.Writer) *slog.Logger {
	lc := log.FromEnv()
	if cfg != nil {
		if cfg.Log.Level != "" && os.Getenv("MCPBRIDGE_LOG_LEVEL") == "" && os.Getenv("MCPBRIDGE_DEBUG") == "" {
			lc.Level = cfg.Log.Level
		}
		if cfg.Log.Format != "" && os.Getenv("MCPBRIDGE_LOG_FORMAT") == "" {
			lc.Format = log.Format(cfg.Log.Format)
		}
	}
	if o.logLevel != "" {
		lc.Level = o.logLevel
	}
	lc.Output = errOut
	return log.New(lc)
}

// secrets opens the configured secret store. With a custom --config the file
// backend lives next to it so separate configs do not share credentials.
func (o *globalOptions) secrets(cfg *config.Config) (oauth.SecretStore, error) {
	raw := cfg.SecretStore
	if o.secretStore != "" {
		raw = o.secretStore
	}
	mode, err := oauth.ParseStoreMode(raw)
	if err != nil {
		return nil, err
	}

	var filePath string
	if o.configPath != "" {
		path, err := config.ExpandPath(o.configPath)
		if err != nil {
			return nil, err
		}
		filePath = filepath.Join(filepath.Dir(path), ".secrets.json")
	}

	store, err := oauth.NewSecretStore(mode, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret store: %w", err)
	}
	return store, nil
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "mcpbridge",
		Short: "Bidirectional MCP bridge",
		Long: `mcpbridge connects to external MCP servers, bridges their tools into a
local registry, and hosts that registry to MCP clients over stdio and HTTP.

Use 'mcpbridge serve' to run the bridge (spawned by an MCP client), and the
'server' and 'host' command groups to manage configuration and credentials.`,
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	}

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// Suppress errors from being printed twice
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	opts.register(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newServeCmd(opts),
		newServerCmd(opts),
		newHostCmd(opts),
	)
	return rootCmd
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
