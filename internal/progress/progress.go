// Package progress renders transfer progress on the terminal: a single
// progressbar for one-off operations and an mpb multi-bar display driven by
// registry events.
package progress

import (
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Reporter follows a single transfer.
type Reporter interface {
	// Begin starts a bar labelled label. A total of 0 or less is unknown.
	Begin(label string, total int64)
	// Set reports written bytes. A positive total replaces the bar's maximum.
	Set(written, total int64)
	// End closes the bar, printing err if it is non-nil.
	End(err error)
}

// NewReporter returns a CLIProgress on stderr when stderr is a terminal and
// a NoOpProgress otherwise.
func NewReporter() Reporter {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return NewCLIProgress(os.Stderr)
	}
	return NoOpProgress{}
}

// CLIProgress draws one progressbar.
type CLIProgress struct {
	out   io.Writer
	bar   *progressbar.ProgressBar
	total int64
}

func NewCLIProgress(out io.Writer) *CLIProgress {
	return &CLIProgress{out: out}
}

func (p *CLIProgress) Begin(label string, total int64) {
	p.total = total
	if total <= 0 {
		total = -1 // spinner
	}
	p.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(label),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(p.out) }),
	)
}

func (p *CLIProgress) Set(written, total int64) {
	if p.bar == nil {
		return
	}
	if total > 0 && total != p.total {
		p.total = total
		p.bar.ChangeMax64(total)
	}
	_ = p.bar.Set64(written)
}

func (p *CLIProgress) End(err error) {
	if p.bar == nil {
		return
	}
	if err != nil {
		_ = p.bar.Exit()
		fmt.Fprintf(p.out, "\nError: %v\n", err)
		return
	}
	_ = p.bar.Finish()
}

// NoOpProgress discards everything.
type NoOpProgress struct{}

func (NoOpProgress) Begin(string, int64) {}
func (NoOpProgress) Set(int64, int64)    {}
func (NoOpProgress) End(error)           {}
