package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"docket/internal/logging"
	"docket/internal/queue"
	"docket/internal/services"
	"docket/internal/textutil"
)

// ExitDataErr is the sysexits EX_DATAERR code. A command exiting with it
// declares its input unprocessable, which dead-letters the task immediately.
const ExitDataErr = 65

const stderrTail = 2048

// CommandHandler runs an external executable for a stage. The task is
// written to stdin as JSON; stdout must be the JSON checkpoint object.
type CommandHandler struct {
	stage   queue.Stage
	command []string
	timeout time.Duration
	env     map[string]string
	workDir string
	logger  *slog.Logger
}

// CommandRequest is the JSON document a stage command receives on stdin.
type CommandRequest struct {
	HearingID       string          `json:"hearing_id"`
	SourceID        string          `json:"source_id"`
	CommitteeKey    string          `json:"committee_key"`
	HearingDate     string          `json:"hearing_date"`
	Title           string          `json:"title"`
	Stage           string          `json:"stage"`
	PublishVersion  int             `json:"publish_version"`
	Attempt         int             `json:"attempt"`
	PriorCheckpoint json.RawMessage `json:"prior_checkpoint,omitempty"`
	WorkDir         string          `json:"work_dir"`
}

// NewCommandHandler builds a handler. workRoot is where per-task scratch
// directories are created.
func NewCommandHandler(stage queue.Stage, command []string, timeout time.Duration, env map[string]string, workRoot string, logger *slog.Logger) *CommandHandler {
	return &CommandHandler{
		stage:   stage,
		command: command,
		timeout: timeout,
		env:     env,
		workDir: workRoot,
		logger:  logging.NewComponentLogger(logger, "stage-command"),
	}
}

// Run executes the command and returns its stdout as the checkpoint.
func (h *CommandHandler) Run(ctx context.Context, in Input) (Checkpoint, error) {
	name := string(h.stage)
	if len(h.command) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, name, "run command", "no command configured", nil)
	}

	workDir := filepath.Join(h.workDir, textutil.PathToken(in.Hearing.ID), "v"+strconv.Itoa(in.PublishVersion), name)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrTransient, name, "prepare work dir", workDir, err)
	}

	request, err := json.Marshal(CommandRequest{
		HearingID:       in.Hearing.ID,
		SourceID:        in.Hearing.SourceID,
		CommitteeKey:    in.Hearing.CommitteeKey,
		HearingDate:     in.Hearing.HearingDate,
		Title:           in.Hearing.Title,
		Stage:           name,
		PublishVersion:  in.PublishVersion,
		Attempt:         in.Attempt,
		PriorCheckpoint: in.Prior,
		WorkDir:         workDir,
	})
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, name, "encode request", "", err)
	}

	runCtx := ctx
	if h.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, h.command[0], h.command[1:]...)
	cmd.Dir = workDir
	cmd.WaitDelay = 2 * time.Second
	cmd.Stdin = bytes.NewReader(request)
	cmd.Env = h.environ(in)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	h.logger.Debug("running stage command",
		logging.String(logging.FieldStage, name),
		logging.String(logging.FieldHearingID, in.Hearing.ID),
		logging.String("command", strings.Join(h.command, " ")),
	)
	runErr := cmd.Run()
	elapsed := time.Since(started)

	if runErr != nil {
		detail := tail(stderr.String(), stderrTail)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, services.Wrap(services.ErrTimeout, name, "run command",
				fmt.Sprintf("timed out after %s", h.timeout), runErr)
		}
		if ctx.Err() != nil {
			return nil, services.Wrap(services.ErrTransient, name, "run command", "cancelled", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && exitErr.ExitCode() == ExitDataErr {
			return nil, services.Terminal(name, "run command", "command rejected input: "+detail, runErr)
		}
		if errors.Is(runErr, exec.ErrNotFound) || errors.Is(runErr, os.ErrNotExist) {
			return nil, services.Wrap(services.ErrConfiguration, name, "run command", "executable not found", runErr)
		}
		return nil, services.Wrap(services.ErrExternalTool, name, "run command", detail, runErr)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		out = []byte("{}")
	}
	if _, err := DecodeCheckpoint(name, out); err != nil {
		return nil, err
	}
	h.logger.Debug("stage command finished",
		logging.String(logging.FieldStage, name),
		logging.String(logging.FieldHearingID, in.Hearing.ID),
		logging.Duration("elapsed", elapsed),
	)
	return Checkpoint(out), nil
}

// HealthCheck reports whether the executable resolves on PATH.
func (h *CommandHandler) HealthCheck(context.Context) Health {
	if len(h.command) == 0 {
		return Unhealthy(h.stage, "command", "no command configured")
	}
	if _, err := exec.LookPath(h.command[0]); err != nil {
		return Unhealthy(h.stage, "command", fmt.Sprintf("binary %q not found", h.command[0]))
	}
	return Healthy(h.stage, "command")
}

func (h *CommandHandler) environ(in Input) []string {
	env := os.Environ()
	for key, value := range h.env {
		env = append(env, key+"="+value)
	}
	return append(env,
		"DOCKET_HEARING_ID="+in.Hearing.ID,
		"DOCKET_STAGE="+string(h.stage),
		"DOCKET_PUBLISH_VERSION="+strconv.Itoa(in.PublishVersion),
		"DOCKET_ATTEMPT="+strconv.Itoa(in.Attempt),
	)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
