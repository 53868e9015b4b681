package cli

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/cloud/state"
	"github.com/rescale/rescale-fetch/internal/config"
	"github.com/rescale/rescale-fetch/internal/constants"
	"github.com/rescale/rescale-fetch/internal/diskspace"
	"github.com/rescale/rescale-fetch/internal/ranges"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <destination>...",
		Short: "Show the staging state of interrupted transfers",
		Long: `Print what is on disk for each destination: the staging file, the
ranges still missing, the saved cipher state and any preload sidecar.

A path ending in '` + constants.TempSuffix + `' is taken as the staging file itself.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfigCSV(configPath())
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			for i, arg := range args {
				if i > 0 {
					fmt.Fprintln(cmd.OutOrStdout())
				}
				printStatus(cmd.OutOrStdout(), cfg, arg)
			}
			return nil
		},
	}
}

func printStatus(w io.Writer, cfg *config.Config, arg string) {
	dest, temp := arg, cfg.StagingPath(arg, constants.TempSuffix)
	if strings.HasSuffix(arg, constants.TempSuffix) {
		dest, temp = strings.TrimSuffix(arg, constants.TempSuffix), arg
	}

	fmt.Fprintf(w, "Destination: %s\n", dest)
	if info, err := os.Stat(dest); err == nil {
		fmt.Fprintf(w, "  present, %s\n", cloud.FormatBytes(info.Size()))
	} else {
		fmt.Fprintln(w, "  not present")
	}

	if free, ok := diskspace.Free(temp); ok {
		fmt.Fprintf(w, "  %s free on the staging volume\n", cloud.FormatBytes(free))
	}

	fmt.Fprintf(w, "Staging file: %s\n", temp)
	info, err := os.Stat(temp)
	if err != nil {
		fmt.Fprintln(w, "  none")
	} else {
		fmt.Fprintf(w, "  %s on disk\n", cloud.FormatBytes(info.Size()))
		missing, err := state.LoadRanges(temp)
		_, statErr := os.Stat(state.RangesPath(temp))
		switch {
		case err != nil:
			fmt.Fprintf(w, "  range list unreadable (%v); the next fetch starts over\n", err)
		case statErr != nil:
			fmt.Fprintln(w, "  no range list; the next fetch starts over")
		default:
			printMissing(w, missing)
		}

		cs, err := state.LoadCipherState(temp)
		switch {
		case err != nil:
			fmt.Fprintf(w, "  cipher state unreadable: %v\n", err)
		case cs != nil:
			fmt.Fprintf(w, "  cipher state at offset %d, iv %s\n", cs.Offset, hex.EncodeToString(cs.IV))
		}
	}

	preloadPath := state.PreloadPath(dest)
	complete, records, err := state.ReadPreloadFile(preloadPath)
	if err != nil {
		return
	}
	var stored int64
	for _, rec := range records {
		stored += int64(len(rec.Data))
	}
	fmt.Fprintf(w, "Preload: %s\n  %d chunks, %s, complete=%v\n",
		preloadPath, len(records), cloud.FormatBytes(stored), complete)
}

func printMissing(w io.Writer, missing ranges.List) {
	if len(missing) == 0 {
		fmt.Fprintln(w, "  all bytes written, awaiting finalize")
		return
	}
	var known int64
	unbounded := false
	for _, r := range missing {
		if r.End == ranges.Unbounded {
			unbounded = true
			continue
		}
		known += r.Len()
	}
	if unbounded {
		fmt.Fprintf(w, "  %d missing ranges, size unknown (tail open from %d)\n",
			len(missing), missing[len(missing)-1].Start)
	} else {
		fmt.Fprintf(w, "  %d missing ranges, %s still to fetch\n", len(missing), cloud.FormatBytes(known))
	}
	const maxShown = 8
	for i, r := range missing {
		if i == maxShown {
			fmt.Fprintf(w, "    ... %d more\n", len(missing)-maxShown)
			break
		}
		if r.End == ranges.Unbounded {
			fmt.Fprintf(w, "    [%d, end)\n", r.Start)
		} else {
			fmt.Fprintf(w, "    %s\n", r)
		}
	}
}
