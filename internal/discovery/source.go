package discovery

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"docket/internal/config"
	"docket/internal/logging"
	"docket/internal/services"
)

// Found is one hearing reported by a discovery source.
type Found struct {
	SourceID     string `json:"source_id"`
	CommitteeKey string `json:"committee_key"`
	HearingDate  string `json:"hearing_date"`
	Title        string `json:"title"`
}

// Source lists the hearings held inside a window.
type Source interface {
	Discover(ctx context.Context, w Window) ([]Found, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, w Window) ([]Found, error)

// Discover calls f.
func (f SourceFunc) Discover(ctx context.Context, w Window) ([]Found, error) {
	return f(ctx, w)
}

// CommandSource runs an external executable. The window is written to stdin
// as JSON and exported as DOCKET_WINDOW_START/END; stdout is one JSON object
// per line.
type CommandSource struct {
	command []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewCommandSource builds a source from [discovery] command and timeout.
func NewCommandSource(cfg *config.Config, logger *slog.Logger) *CommandSource {
	return &CommandSource{
		command: cfg.Discovery.Command,
		timeout: time.Duration(cfg.Discovery.TimeoutSeconds) * time.Second,
		logger:  logging.NewComponentLogger(logger, "discovery-source"),
	}
}

// Discover runs the command once for w.
func (s *CommandSource) Discover(ctx context.Context, w Window) ([]Found, error) {
	if len(s.command) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, "discovery", "run source", "no discovery command configured", nil)
	}
	request, err := json.Marshal(w)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "discovery", "encode window", "", err)
	}

	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, s.command[0], s.command[1:]...)
	cmd.WaitDelay = 2 * time.Second
	cmd.Stdin = bytes.NewReader(request)
	cmd.Env = append(os.Environ(),
		"DOCKET_WINDOW_START="+w.Start.Format(time.DateOnly),
		"DOCKET_WINDOW_END="+w.End.Format(time.DateOnly),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.logger.Debug("running discovery command",
		logging.String("command", strings.Join(s.command, " ")),
		logging.String("window", w.String()),
	)
	if err := cmd.Run(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, services.Wrap(services.ErrTimeout, "discovery", "run source",
				fmt.Sprintf("timed out after %s", s.timeout), err)
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, services.Wrap(services.ErrConfiguration, "discovery", "run source", "executable not found", err)
		}
		return nil, services.Wrap(services.ErrExternalTool, "discovery", "run source",
			strings.TrimSpace(stderr.String()), err)
	}
	return parseFound(&stdout)
}

func parseFound(out *bytes.Buffer) ([]Found, error) {
	var found []Found
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var f Found
		if err := json.Unmarshal(text, &f); err != nil {
			return nil, services.Wrap(services.ErrValidation, "discovery", "parse source output",
				fmt.Sprintf("line %d is not a JSON object", line), err)
		}
		found = append(found, f)
	}
	if err := scanner.Err(); err != nil {
		return nil, services.Wrap(services.ErrValidation, "discovery", "read source output", "", err)
	}
	return found, nil
}
