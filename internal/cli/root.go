// Package cli is the rescale-fetch command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/config"
	fetchhttp "github.com/rescale/rescale-fetch/internal/http"
	"github.com/rescale/rescale-fetch/internal/logging"
	"github.com/rescale/rescale-fetch/internal/version"
)

// rootFlags are the persistent flags every subcommand sees.
type rootFlags struct {
	configFile string
	token      string
	proxyMode  string
	proxyHost  string
	proxyPort  int
	verbose    bool
	debug      bool
	jsonLogs   bool
	timing     bool
}

var (
	flags  rootFlags
	logger *logging.Logger
)

const longHelp = `Downloads remote objects described by YAML descriptor files in parallel
chunks. Interrupted transfers resume from their staging files; encrypted
objects are decrypted as they arrive.`

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rescale-fetch",
		Short:         "Resumable chunked downloads from Rescale datacenters and object stores",
		Long:          fmt.Sprintf("rescale-fetch %s (built %s)\n\n%s", version.Version, version.BuildTime, longHelp),
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			setupLogging()
			if flags.timing {
				os.Setenv(cloud.TimingEnv, "1")
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configFile, "config", "c", "", "Configuration file path")
	pf.StringVar(&flags.token, "token", "", "Bearer token for datacenter endpoints (or RESCALE_FETCH_TOKEN)")
	pf.StringVar(&flags.proxyMode, "proxy-mode", "", "Proxy mode: no-proxy, system, basic, ntlm")
	pf.StringVar(&flags.proxyHost, "proxy-host", "", "Proxy host")
	pf.IntVar(&flags.proxyPort, "proxy-port", 0, "Proxy port")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Show debug messages")
	pf.BoolVar(&flags.debug, "debug", false, "Same as --verbose")
	pf.BoolVar(&flags.jsonLogs, "json-logs", false, "Write JSON log lines to stderr")
	pf.BoolVar(&flags.timing, "timing", false, "Print [TIMING] lines for finalize and chunk throughput")

	root.AddCommand(
		newFetchCmd(),
		newPreloadCmd(),
		newStatusCmd(),
		newConfigCmd(),
	)
	return root
}

func setupLogging() {
	mode := logging.ModeCLI
	if flags.jsonLogs {
		mode = logging.ModeJSON
	}
	logger = logging.NewLogger(mode)
	if flags.verbose || flags.debug {
		logging.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// Execute runs the CLI. SIGINT and SIGTERM cancel the command's context;
// running transfers stop and keep their staging files.
func Execute() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case sig := <-sigs:
			fmt.Fprintf(os.Stderr, "\n%v received, stopping. Run the same command again to resume.\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	err := NewRootCmd().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

// cliLogger returns the logger set up by the root command, or a console
// logger when a subcommand runs on its own in tests.
func cliLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return logger
}

func configPath() string {
	if flags.configFile != "" {
		return flags.configFile
	}
	return config.GetDefaultConfigPath()
}

// loadConfig layers flags over the environment over the config file over
// defaults, then prompts for a missing proxy password on a terminal.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigCSV(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.MergeWithFlags(flags.token, flags.proxyMode, flags.proxyHost, flags.proxyPort)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	stdin := int(os.Stdin.Fd())
	if fetchhttp.NeedsProxyPassword(cfg) && term.IsTerminal(stdin) {
		fmt.Fprintf(os.Stderr, "Password for proxy user %s: ", cfg.ProxyUser)
		pw, err := term.ReadPassword(stdin)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to read proxy password: %w", err)
		}
		cfg.ProxyPassword = string(pw)
	}
	return cfg, nil
}
