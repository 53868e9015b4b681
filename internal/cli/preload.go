package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-fetch/internal/cloud/download"
	"github.com/rescale/rescale-fetch/internal/cloud/providers"
	"github.com/rescale/rescale-fetch/internal/cloud/state"
	"github.com/rescale/rescale-fetch/internal/progress"
	"github.com/rescale/rescale-fetch/internal/transfer"
)

// reporterDelegate shows one engine's progress on a progress.Reporter.
type reporterDelegate struct {
	download.NopDelegate
	reporter progress.Reporter
}

// OnProgress keeps the bar scaled to the preload budget; the engine's total is
// the size of the whole object.
func (r *reporterDelegate) OnProgress(written, _ int64) {
	r.reporter.Set(written, 0)
}

func (r *reporterDelegate) OnFinish(string) {
	r.reporter.End(nil)
}

func (r *reporterDelegate) OnFail(reason download.FailReason) {
	r.reporter.End(fmt.Errorf("preload failed: %s", reason))
}

func newPreloadCmd() *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "preload <descriptor.yaml>",
		Short: "Fetch the head and index of media files ahead of playback",
		Long: `Fetch the leading window of each described media file plus its
trailing index atom, within the configured preload budget.

The bytes go to '<destination>.preload'. A later 'fetch' of the same
descriptor starts from them instead of downloading those ranges again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := cliLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			descs, err := loadAll(args, outputDir, "")
			if err != nil {
				return err
			}

			reg := transfer.NewRegistry(cfg, providers.NewFactory(cfg, log), nil, log)
			defer reg.Close(cmd.Context())

			ctx := cmd.Context()
			for _, d := range descs {
				d.Preload = true
				reporter := progress.NewReporter()
				reporter.Begin("preload "+filepath.Base(d.Destination), min(cfg.PreloadBudget, d.Size))

				eng, err := reg.Start(ctx, d, &reporterDelegate{reporter: reporter})
				if err != nil {
					reporter.End(err)
					return err
				}
				select {
				case <-eng.Done():
				case <-ctx.Done():
					eng.Cancel()
					<-eng.Done()
					return ctx.Err()
				}
				if eng.State() != download.StateFinished {
					return fmt.Errorf("preload of %s failed: %w", d.Locator, eng.Err())
				}

				complete, records, err := state.ReadPreloadFile(state.PreloadPath(d.Destination))
				if err != nil {
					return err
				}
				var stored int64
				for _, rec := range records {
					stored += int64(len(rec.Data))
				}
				fmt.Printf("%s: %d chunks, %d bytes preloaded (complete=%v)\n",
					state.PreloadPath(d.Destination), len(records), stored, complete)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Destination directory override")
	return cmd
}
