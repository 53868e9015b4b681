package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/rescale/rescale-fetch/internal/cloud/download"
	"github.com/rescale/rescale-fetch/internal/cloud/providers"
	"github.com/rescale/rescale-fetch/internal/cloud/storage"
	"github.com/rescale/rescale-fetch/internal/constants"
	"github.com/rescale/rescale-fetch/internal/events"
	"github.com/rescale/rescale-fetch/internal/logging"
	"github.com/rescale/rescale-fetch/internal/models"
	"github.com/rescale/rescale-fetch/internal/pathutil"
	"github.com/rescale/rescale-fetch/internal/progress"
	"github.com/rescale/rescale-fetch/internal/transfer"
)

var errAborted = errors.New("aborted by user")

type conflictPolicy int

const (
	policyAsk conflictPolicy = iota
	policySkip
	policyOverwrite
)

func newFetchCmd() *cobra.Command {
	var (
		outputDir     string
		account       string
		parallel      int
		failFast      bool
		skipExisting  bool
		overwrite     bool
		noProgress    bool
		closeDeadline time.Duration
	)

	cmd := &cobra.Command{
		Use:   "fetch <descriptor.yaml>...",
		Short: "Download the objects described by one or more descriptor files",
		Long: `Download every object listed in the given YAML descriptor files.

Each file may hold several descriptors separated by '---'. Transfers run in
parallel; an interrupted transfer resumes from its staging file the next time
the same descriptor is fetched.

Examples:
  rescale-fetch fetch job-outputs.yaml
  rescale-fetch fetch -o ./results --parallel 8 a.yaml b.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if skipExisting && overwrite {
				return fmt.Errorf("--skip-existing and --overwrite are mutually exclusive")
			}
			log := cliLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			descs, err := loadAll(args, outputDir, account)
			if err != nil {
				return err
			}

			policy := policyAsk
			switch {
			case skipExisting:
				policy = policySkip
			case overwrite:
				policy = policyOverwrite
			case !term.IsTerminal(int(os.Stdin.Fd())):
				policy = policyOverwrite
			}
			descs, err = resolveConflicts(descs, policy, newPrompter(os.Stdin, os.Stdout))
			if err != nil {
				return err
			}
			if len(descs) == 0 {
				fmt.Println("Nothing to download.")
				return nil
			}

			bus := events.NewEventBus(constants.EventBusMaxBuffer)
			defer bus.Close()
			var ui *progress.DownloadUI
			followDone := make(chan struct{})
			if noProgress {
				close(followDone)
			} else {
				ui = progress.NewDownloadUI(len(descs))
				if ui.IsTerminal() {
					log.SetOutput(ui.Writer())
				}
				sub := bus.SubscribeAll()
				go func() {
					defer close(followDone)
					ui.Follow(sub)
				}()
			}

			reg := transfer.NewRegistry(cfg, providers.NewFactory(cfg, log), bus, log)
			runErr := runTransfers(cmd.Context(), reg, descs, parallel, failFast, log)

			closeCtx, cancel := context.WithTimeout(context.Background(), closeDeadline)
			defer cancel()
			if err := reg.Close(closeCtx); err != nil {
				log.Warn().Err(err).Msg("Transfers did not stop in time")
			}
			bus.Close()
			<-followDone
			if ui != nil {
				ui.Wait()
			}

			stats := reg.Stats()
			fmt.Printf("\n%d finished, %d failed, %d cancelled\n", stats.Finished, stats.Failed, stats.Cancelled)
			return runErr
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Put every file in this directory instead of its descriptor destination")
	cmd.Flags().StringVar(&account, "account", "", "Account for descriptors that do not name one")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 4, "Maximum transfers running at once")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "Cancel remaining transfers after the first failure")
	cmd.Flags().BoolVar(&skipExisting, "skip-existing", false, "Skip descriptors whose destination already exists")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace existing destinations without asking")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bars")
	cmd.Flags().DurationVar(&closeDeadline, "shutdown-timeout", 30*time.Second, "How long to wait for transfers to stop on exit")
	return cmd
}

// loadAll reads every descriptor file and resolves each destination to an
// absolute path. A non-empty outputDir replaces the directory of each
// destination; names that then collide get the locator appended.
func loadAll(paths []string, outputDir, account string) ([]*models.Descriptor, error) {
	var all []*models.Descriptor
	for _, path := range paths {
		descs, err := models.LoadDescriptors(path)
		if err != nil {
			return nil, err
		}
		all = append(all, descs...)
	}

	dests := make([]string, len(all))
	tags := make([]string, len(all))
	for i, d := range all {
		if d.Account == "" {
			d.Account = account
		}
		dest := d.Destination
		if outputDir != "" {
			var err error
			if dest, err = pathutil.DestinationIn(outputDir, filepath.Base(dest)); err != nil {
				return nil, fmt.Errorf("descriptor %s: %w", d.Locator, err)
			}
		}
		resolved, err := pathutil.ResolveDestination(dest)
		if err != nil {
			return nil, fmt.Errorf("descriptor %s: %w", d.Locator, err)
		}
		dests[i], tags[i] = resolved, d.Locator
	}
	if outputDir != "" {
		pathutil.Dedupe(dests, tags)
	}
	for i, d := range all {
		d.Destination = dests[i]
	}
	return all, nil
}

// resolveConflicts drops descriptors whose destination exists with a
// different size, according to policy. A destination of the expected size
// is always kept: the engine accepts it without downloading.
func resolveConflicts(descs []*models.Descriptor, policy conflictPolicy, p *prompter) ([]*models.Descriptor, error) {
	out := descs[:0]
	for _, d := range descs {
		info, err := os.Stat(d.Destination)
		if err != nil || (info.Mode().IsRegular() && d.Size > 0 && info.Size() == d.Size) {
			out = append(out, d)
			continue
		}

		keep := policy == policyOverwrite
		if policy == policyAsk {
			action, err := p.downloadConflict(d.Locator, d.Destination)
			if err != nil {
				return nil, fmt.Errorf("reading answer: %w", err)
			}
			switch action {
			case DownloadSkipAll:
				policy = policySkip
			case DownloadOverwriteOnce:
				keep = true
			case DownloadOverwriteAll:
				keep = true
				policy = policyOverwrite
			case DownloadAbort:
				return nil, errAborted
			}
		}
		if keep {
			out = append(out, d)
		} else {
			fmt.Printf("Skipping %s (exists at %s)\n", d.Locator, d.Destination)
		}
	}
	return out, nil
}

// runTransfers starts every descriptor through reg, at most parallel at a
// time, and waits for all of them. Failures are collected; with failFast the
// first one cancels the rest.
func runTransfers(ctx context.Context, reg *transfer.Registry, descs []*models.Descriptor, parallel int, failFast bool, log *logging.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}

	var (
		mu       sync.Mutex
		failures []error
	)
	for _, d := range descs {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			err := fetchOne(gctx, reg, d)
			if err == nil {
				return nil
			}
			log.Error().Err(err).Str("locator", d.Locator).Msg("Transfer failed")
			mu.Lock()
			failures = append(failures, err)
			mu.Unlock()
			if failFast {
				return err
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		failures = append(failures, fmt.Errorf("interrupted: %w", err))
	}
	return errors.Join(failures...)
}

func fetchOne(ctx context.Context, reg *transfer.Registry, d *models.Descriptor) error {
	eng, err := reg.Start(ctx, d, nil)
	if err != nil {
		return err
	}
	select {
	case <-eng.Done():
	case <-ctx.Done():
		eng.Cancel()
		<-eng.Done()
	}

	if eng.State() == download.StateFinished {
		return nil
	}
	task, _ := reg.Lookup(eng.ID())
	if cause := eng.Err(); cause != nil {
		return fmt.Errorf("%s: %s%s: %w", d.Locator, task.Reason, failureHint(cause), cause)
	}
	return fmt.Errorf("%s: %s", d.Locator, task.Reason)
}

func failureHint(err error) string {
	switch {
	case storage.IsReadOnlyError(err):
		return " (destination is not writable)"
	case storage.IsNetworkError(err):
		return " (network error, run again to resume)"
	}
	return ""
}
