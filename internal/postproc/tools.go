package postproc

// External tool invocation and output parsing for par2, unrar, 7z and
// unzip. Tool output is consumed line by line so progress reaches the UI
// while the tool runs.

import (
	"bufio"
	"fmt"
	"log"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// repair outcomes
type repairResult int

const (
	repairOk repairResult = iota
	repairNeedsBlocks
	repairDamaged
	repairToolDied
)

var (
	reNeedBlocks  = regexp.MustCompile(`(?i)need (\d+) more recovery blocks?`)
	reRepairing   = regexp.MustCompile(`Repairing:\s+([\d.]+)%`)
	reVerifying   = regexp.MustCompile(`(?i)verifying(?: repair)?[:\s]+(\d+)\s*/\s*(\d+)`)
	reScanning    = regexp.MustCompile(`(?i)(?:scanning|loading):?\s+"([^"]+)"`)
	reMatchRename = regexp.MustCompile(`File: "([^"]+)" - is a match for "([^"]+)"`)
	reExtracting  = regexp.MustCompile(`^(?:\.\.\.\s+)?Extracting\s+(\S+)`)
	reUnrarPct    = regexp.MustCompile(`(\d+)%\s*$`)
)

// toolRunner streams one external tool's stdout through a line callback.
type toolRunner struct {
	cmd     string
	args    []string
	dir     string
	env     []string // nil = inherit
	timeout time.Duration
	onLine  func(line string)
}

// run executes the tool and returns its exit code. An exit code of -1
// means the tool could not be started or died on a signal.
func (t *toolRunner) run() (int, error) {
	cmd := exec.Command(t.cmd, t.args...)
	cmd.Dir = t.dir
	cmd.Env = t.env
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("failed to start %s: %w", t.cmd, err)
	}

	done := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if t.onLine != nil {
				t.onLine(scanner.Text())
			}
		}
		close(done)
	}()

	var timer *time.Timer
	if t.timeout > 0 {
		timer = time.AfterFunc(t.timeout, func() {
			log.Printf("[POSTPROC] %s exceeded %s, killing", t.cmd, t.timeout)
			cmd.Process.Kill()
		})
	}
	<-done
	err = cmd.Wait()
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			if code < 0 {
				return -1, err // killed
			}
			return code, nil
		}
		return -1, err
	}
	return 0, nil
}

// par2Output accumulates parsed par2 tool output.
type par2Output struct {
	result    repairResult
	repaired  bool              // blocks were reconstructed, not just verified
	needed    int               // recovery blocks still missing
	renames   map[string]string // obfuscated -> real name
	lastError string
}

// parsePar2Line folds one output line into the accumulated state and
// reports progress through the callback.
func parsePar2Line(line string, out *par2Output, progress func(string)) {
	switch {
	case strings.Contains(line, "Repair complete"):
		out.result = repairOk
		out.repaired = true

	case strings.Contains(line, "All files are correct"),
		strings.Contains(line, "repair is not required"):
		out.result = repairOk

	case strings.Contains(line, "Repair is not possible"):
		if out.result != repairNeedsBlocks {
			out.result = repairDamaged
		}
		out.lastError = strings.TrimSpace(line)

	case reNeedBlocks.MatchString(line):
		m := reNeedBlocks.FindStringSubmatch(line)
		out.needed, _ = strconv.Atoi(m[1])
		out.result = repairNeedsBlocks

	case reMatchRename.MatchString(line):
		m := reMatchRename.FindStringSubmatch(line)
		if out.renames == nil {
			out.renames = make(map[string]string)
		}
		out.renames[m[1]] = m[2]

	case reRepairing.MatchString(line):
		m := reRepairing.FindStringSubmatch(line)
		progress("Repairing " + m[1] + "%")

	case reVerifying.MatchString(line):
		m := reVerifying.FindStringSubmatch(line)
		progress("Verifying " + m[1] + "/" + m[2])

	case reScanning.MatchString(line):
		m := reScanning.FindStringSubmatch(line)
		progress("Scanning " + m[1])
	}
}

// unpack outcomes
type unpackResult int

const (
	unpackOk unpackResult = iota
	unpackBadPassword
	unpackCorrupt
	unpackToolDied
)

// unrar exit codes per its manual
const (
	unrarExitOk          = 0
	unrarExitWarning     = 1
	unrarExitCRCError    = 3
	unrarExitBadPassword = 11
)

// parseUnrarLine extracts extraction progress and error markers.
func parseUnrarLine(line string, out *unpackState, progress func(string)) {
	switch {
	case strings.Contains(line, "CRC failed"),
		strings.Contains(line, "checksum error"):
		out.corrupt = true
		out.lastError = strings.TrimSpace(line)

	case strings.Contains(line, "password is incorrect"),
		strings.Contains(line, "Corrupt file or wrong password"),
		strings.Contains(line, "The specified password is incorrect"):
		out.badPassword = true

	case reExtracting.MatchString(line):
		m := reExtracting.FindStringSubmatch(line)
		msg := "Unpacking " + m[1]
		if pm := reUnrarPct.FindStringSubmatch(line); pm != nil {
			msg += " " + pm[1] + "%"
		}
		progress(msg)
	}
}

type unpackState struct {
	corrupt     bool
	badPassword bool
	lastError   string
}

// FormatDuration renders a duration as HH:MM:SS for stage logs and
// script environment.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}
