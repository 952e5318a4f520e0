// Package transcribe runs an external speech-to-text command and reports
// its progress. The command is expected to write Markdown to stdout and
// human-readable stage messages to stderr, one per line.
package transcribe

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ReportFunc receives progress updates while a transcription runs.
// Progress is 0-100.
type ReportFunc func(progress float64, message string)

// Config controls the external transcription command.
type Config struct {
	// Command is the executable to run, e.g. "whisper" or a wrapper
	// script. Empty disables transcription.
	Command string `yaml:"command"`

	// Args are passed before the audio file path.
	Args []string `yaml:"args"`

	// Language is the default language hint passed as the final
	// argument when the caller does not supply one.
	Language string `yaml:"language"`

	// Timeout bounds a single run. Zero means DefaultTimeout.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultTimeout bounds a transcription run.
const DefaultTimeout = 30 * time.Minute

// Engine shells out to the configured command.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates an Engine. A nil logger uses slog.Default.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Enabled reports whether a transcription command is configured.
func (e *Engine) Enabled() bool {
	return e.cfg.Command != ""
}

// Transcribe runs the command against audioPath and returns its Markdown
// output. An empty language falls back to the configured default. report
// may be nil.
func (e *Engine) Transcribe(ctx context.Context, audioPath, language string, report ReportFunc) (string, error) {
	if !e.Enabled() {
		return "", fmt.Errorf("transcription is not configured")
	}
	if report == nil {
		report = func(float64, string) {}
	}
	if _, err := os.Stat(audioPath); err != nil {
		return "", fmt.Errorf("audio file not found: %s", audioPath)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	if language == "" {
		language = e.cfg.Language
	}
	args := append(append([]string{}, e.cfg.Args...), audioPath)
	if language != "" {
		args = append(args, language)
	}
	cmd := exec.CommandContext(ctx, e.cfg.Command, args...)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}

	report(0, "starting transcription")
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", e.cfg.Command, err)
	}

	// Relay stage messages as they arrive. The pipe closes when the
	// process exits, so this loop terminates before Wait returns.
	scanner := bufio.NewScanner(stderr)
	var lastLine string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lastLine = line
		report(stageProgress(line), line)
		e.logger.Debug("transcribe: " + line)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("transcription timed out after %s", e.cfg.Timeout)
		}
		if lastLine != "" {
			return "", fmt.Errorf("transcription failed: %s: %w", lastLine, err)
		}
		return "", fmt.Errorf("transcription failed: %w", err)
	}

	markdown := strings.TrimSpace(stdout.String())
	if markdown == "" {
		return "", fmt.Errorf("transcription produced no output")
	}
	report(100, "transcription complete")
	return markdown, nil
}

// stageProgress maps a stderr line to a rough completion percentage.
func stageProgress(line string) float64 {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "completed"):
		return 95
	case strings.Contains(lower, "transcrib"):
		return 60
	case strings.Contains(lower, "loaded"):
		return 40
	case strings.Contains(lower, "loading") || strings.Contains(lower, "download"):
		return 20
	default:
		return 10
	}
}
