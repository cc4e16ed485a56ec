package slicer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	u "superslice/internal/utils"
)

// ErrSliceTimeout is returned when the engine exceeds the configured
// wall-clock timeout. The process is killed, never abandoned.
var ErrSliceTimeout = errors.New("slicing timed out")

// ExecError carries diagnostics from a slicer run that exited non-zero.
type ExecError struct {
	ExitCode int
	Stderr   string
}

func (e *ExecError) Error() string {
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" {
		detail = "no diagnostic output"
	}
	return fmt.Sprintf("slicer exited with code %d: %s", e.ExitCode, detail)
}

// Invoker runs the external slicing engine against uploaded models. Scratch
// files live under UploadDir/OutputDir with collision-free names, so one
// Invoker serves concurrent requests without coordination.
type Invoker struct {
	BinaryPath string
	UploadDir  string
	OutputDir  string
	Timeout    time.Duration
}

// NewInvoker builds an Invoker from config, creating the scratch directories.
func NewInvoker(cfg u.Config) (*Invoker, error) {
	inv := &Invoker{
		BinaryPath: cfg.Slicer.BinaryPath,
		UploadDir:  cfg.Slicer.UploadDir,
		OutputDir:  cfg.Slicer.OutputDir,
		Timeout:    time.Duration(cfg.Slicer.TimeoutSecs) * time.Second,
	}
	for _, dir := range []string{inv.UploadDir, inv.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create scratch dir %s: %w", dir, err)
		}
	}
	return inv, nil
}

// jobPaths returns unique input/output scratch paths for one slicing job.
func (inv *Invoker) jobPaths(filename string) (inputPath, outputPath string) {
	jobID := uuid.NewString()
	inputPath = filepath.Join(inv.UploadDir, jobID+"_"+filepath.Base(filename))
	outputPath = filepath.Join(inv.OutputDir, jobID+".gcode")
	return inputPath, outputPath
}

// Slice writes the uploaded model to scratch, runs the engine with the given
// parameters under the configured timeout and returns the report text
// (G-code statistic comments plus captured stdout). Both scratch files are
// removed before returning on every path, including timeout.
func (inv *Invoker) Slice(ctx context.Context, filename string, model []byte, p Params) (string, error) {
	inputPath, outputPath := inv.jobPaths(filename)
	defer removeScratch(inputPath, outputPath)

	if err := os.WriteFile(inputPath, model, 0o600); err != nil {
		return "", fmt.Errorf("cannot write upload to scratch: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, inv.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, inv.BinaryPath,
		"--layer-height", strconv.FormatFloat(p.LayerHeight, 'f', -1, 64),
		"--perimeters", strconv.Itoa(p.WallCount),
		"--fill-density", fmt.Sprintf("%d%%", p.InfillDensity),
		"--export-gcode",
		"--output", outputPath,
		inputPath,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Give a killed engine a moment to die before Wait gives up on its pipes.
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if err != nil {
		// Only a failed run is a timeout; a process that exits cleanly just
		// as the deadline fires still counts as success.
		if ctx.Err() == context.DeadlineExceeded {
			u.Warn("Slicer killed after timeout", "timeout", inv.Timeout.String(), "input", inputPath)
			return "", ErrSliceTimeout
		}
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return "", &ExecError{ExitCode: code, Stderr: stderr.String()}
	}

	report, err := readReport(outputPath)
	if err != nil {
		return "", fmt.Errorf("cannot read slicer output: %w", err)
	}
	if out := stdout.String(); out != "" {
		report += "\n" + out
	}
	return report, nil
}

// readReport collects the statistic comment lines from a generated G-code
// file. Toolpath lines are skipped so the report stays small regardless of
// model size.
func readReport(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var b strings.Builder
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), ";") {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return b.String(), nil
}

func removeScratch(paths ...string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			u.Warn("Scratch cleanup failed", "path", p, "error", err)
		}
	}
}
