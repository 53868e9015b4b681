package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-fetch/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create the configuration file",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigShowCmd(), newConfigPathCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file interactively",
		Long: `Asks for datacenter endpoints, transfer settings, proxy and object store
settings, then writes them to the path shown by 'config path'. An existing
file is kept unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath()
			out := cmd.OutOrStdout()
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Fprintf(out, "%s already exists; use --force to replace it or 'config show' to view it.\n", path)
				return nil
			}

			cfg, err := config.LoadConfigCSV(path)
			if err != nil {
				cfg = config.Default()
			}
			runConfigWizard(newPrompter(cmd.InOrStdin(), out), cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := config.SaveConfigCSV(cfg, path); err != nil {
				return err
			}
			cliLogger().Info().Str("path", path).Msg("Configuration saved")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Replace an existing configuration file")
	return cmd
}

// runConfigWizard asks for the settings a first run needs and updates cfg.
func runConfigWizard(p *prompter, cfg *config.Config) {
	fmt.Fprintln(p.out, "rescale-fetch Configuration Setup")
	fmt.Fprintln(p.out, "=================================")
	fmt.Fprintln(p.out)

	fmt.Fprintln(p.out, "Datacenter endpoints (empty id to finish)")
	for {
		id := p.askString("Datacenter id", "")
		if id == "" {
			break
		}
		n, err := strconv.Atoi(id)
		if err != nil || n <= 0 {
			fmt.Fprintln(p.out, "  Error: id must be a positive integer")
			continue
		}
		cfg.Datacenters[n] = p.askString(fmt.Sprintf("  dc.%d URL", n), cfg.Datacenters[n])
		if cdn := p.askString(fmt.Sprintf("  cdn.%d URL (optional)", n), cfg.CdnEndpoints[n]); cdn != "" {
			cfg.CdnEndpoints[n] = cdn
		}
	}

	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, "Transfer Settings (press Enter for defaults)")
	fmt.Fprintln(p.out, "--------------------------------------------")
	cfg.MaxConcurrent = p.askInt("Parallel requests per transfer", cfg.MaxConcurrent)
	cfg.MaxConcurrentBig = p.askInt("Parallel requests per large transfer", cfg.MaxConcurrentBig)
	cfg.StateDir = p.askString("Staging directory (empty = next to destination)", cfg.StateDir)

	fmt.Fprintln(p.out)
	if p.askYesNo("Configure proxy?") {
		cfg.ProxyMode = p.askString("Proxy mode (system, basic, ntlm)", "system")
		cfg.ProxyHost = p.askString("Proxy host", cfg.ProxyHost)
		cfg.ProxyPort = p.askInt("Proxy port", max(cfg.ProxyPort, 8080))
		if cfg.ProxyMode == "basic" || cfg.ProxyMode == "ntlm" {
			cfg.ProxyUser = p.askString("Proxy user", cfg.ProxyUser)
		}
		cfg.NoProxy = p.askString("Bypass proxy for (comma-separated)", cfg.NoProxy)
	}

	fmt.Fprintln(p.out)
	if p.askYesNo("Configure object stores?") {
		cfg.S3Region = p.askString("S3 region", cfg.S3Region)
		cfg.S3Endpoint = p.askString("S3 endpoint (optional)", cfg.S3Endpoint)
		cfg.AzureAccountURL = p.askString("Azure account URL (optional)", cfg.AzureAccountURL)
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Prints the configuration after flags, the environment (RESCALE_FETCH_TOKEN,
HTTPS_PROXY) and the config file are layered over the defaults, in that
order of priority. Secrets are shown only as set or not set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath()
			cfg, err := config.LoadConfigCSV(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg.MergeWithFlags(flags.token, flags.proxyMode, flags.proxyHost, flags.proxyPort)
			showConfig(cmd.OutOrStdout(), cfg, path)
			return nil
		},
	}
}

func showConfig(w io.Writer, cfg *config.Config, path string) {
	row := func(key, value string) {
		fmt.Fprintf(w, "  %-22s %s\n", key, value)
	}
	secret := func(key, value string) {
		if value == "" {
			row(key, "<not set>")
		} else {
			row(key, "<set>")
		}
	}

	fmt.Fprintf(w, "%s", path)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		fmt.Fprint(w, " (missing, defaults in use)")
	}
	fmt.Fprintln(w)
	for _, rec := range cfg.Records() {
		value := rec[1]
		if value == "" {
			value = "-"
		}
		row(rec[0], value)
	}
	secret("token", cfg.Token)
	secret("proxy_password", cfg.ProxyPassword)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "\nWarning: %s\n", strings.TrimSpace(err.Error()))
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath()
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, path)
			info, err := os.Stat(path)
			if err != nil {
				fmt.Fprintln(out, "  not created yet; run 'rescale-fetch config init'")
				return nil
			}
			fmt.Fprintf(out, "  %d bytes, modified %s\n", info.Size(), info.ModTime().Format(time.DateTime))
			return nil
		},
	}
}
