package cli

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// prompter reads interactive answers line by line.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

func (p *prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// askString returns def for an empty answer or on EOF.
func (p *prompter) askString(label, def string) string {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	answer, err := p.readLine()
	if err != nil || answer == "" {
		return def
	}
	return answer
}

// askInt keeps def when the answer is not a positive integer.
func (p *prompter) askInt(label string, def int) int {
	answer := p.askString(label, strconv.Itoa(def))
	v, err := strconv.Atoi(answer)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func (p *prompter) askYesNo(label string) bool {
	answer := strings.ToLower(p.askString(label+" [y/N]", ""))
	return answer == "y" || answer == "yes"
}

// DownloadConflictAction represents user choice for an existing destination
type DownloadConflictAction int

const (
	DownloadSkipOnce DownloadConflictAction = iota
	DownloadSkipAll
	DownloadOverwriteOnce
	DownloadOverwriteAll
	DownloadAbort
)

// downloadConflict asks what to do when a destination already exists.
// An existing file of the expected size is kept by the engine either way;
// overwrite only matters for a file of a different size.
func (p *prompter) downloadConflict(locator, localPath string) (DownloadConflictAction, error) {
	for {
		fmt.Fprintf(p.out, "\nFile '%s' already exists at '%s'.\n", locator, localPath)
		fmt.Fprintln(p.out, "What would you like to do?")
		fmt.Fprintln(p.out, "  1. Skip (once) - Skip this file only")
		fmt.Fprintln(p.out, "  2. Skip (do for all) - Skip all existing files")
		fmt.Fprintln(p.out, "  3. Overwrite (once) - Replace this file, prompt for next")
		fmt.Fprintln(p.out, "  4. Overwrite (do for all) - Replace all existing files")
		fmt.Fprintln(p.out, "  5. Abort - Stop download")
		fmt.Fprint(p.out, "Choose [1-5]: ")

		input, err := p.readLine()
		if err != nil {
			return DownloadAbort, err
		}
		switch input {
		case "1":
			return DownloadSkipOnce, nil
		case "2":
			return DownloadSkipAll, nil
		case "3":
			return DownloadOverwriteOnce, nil
		case "4":
			return DownloadOverwriteAll, nil
		case "5":
			return DownloadAbort, nil
		default:
			fmt.Fprintln(p.out, "Invalid choice, please try again.")
		}
	}
}
