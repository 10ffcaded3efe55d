package tool

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const bashDefaultTimeout = 2 * time.Minute

type bashParams struct {
	Command string `json:"command" jsonschema:"description=The shell command to run"`
	// TimeoutSeconds overrides the 2 minute default.
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"description=Optional timeout in seconds"`
	Description    string `json:"description,omitempty" jsonschema:"description=Short human-readable summary of the command"`
}

// NewBash returns the shell tool. Every command is gated by the bash
// permission before the process is spawned.
func NewBash() Tool {
	return New(Def[bashParams]{
		ID:           "bash",
		Description:  "Run a shell command in the working directory and return its combined output.",
		AutoTruncate: true,
		Run:          runBash,
	})
}

func runBash(ctx *Context, params bashParams) (*Result, error) {
	command := strings.TrimSpace(params.Command)
	if command == "" {
		return nil, &ValidationError{ToolID: "bash", Err: fmt.Errorf("command is empty")}
	}

	err := ctx.RequestPermission("bash", []string{command}, alwaysPatternsFor(command), map[string]any{
		"command":     command,
		"description": params.Description,
	})
	if err != nil {
		return nil, err
	}

	timeout := bashDefaultTimeout
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = ctx.Directory
	cmd.Env = commandEnv()
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	output := out.String()

	metadata := map[string]any{"command": command}
	if runErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			output += fmt.Sprintf("\n[command timed out after %s and was killed]", timeout)
		} else if exitErr, ok := runErr.(*exec.ExitError); ok {
			metadata["exit_code"] = exitErr.ExitCode()
			output += fmt.Sprintf("\n[exit code %d]", exitErr.ExitCode())
		} else {
			return nil, fmt.Errorf("bash: %w", runErr)
		}
	}

	return &Result{
		Title:    command,
		Output:   output,
		Metadata: metadata,
	}, nil
}

// commandEnv returns the child environment, with an active virtualenv's
// bin directory put on PATH so python tooling resolves inside the venv.
// Returns nil (inherit unchanged) when VIRTUAL_ENV is not set.
func commandEnv() []string {
	venv := os.Getenv("VIRTUAL_ENV")
	if venv == "" {
		return nil
	}
	bin := filepath.Join(venv, "bin")
	env := os.Environ()
	for i, kv := range env {
		if strings.HasPrefix(kv, "PATH=") && !strings.Contains(kv, bin) {
			env[i] = "PATH=" + bin + string(os.PathListSeparator) + strings.TrimPrefix(kv, "PATH=")
		}
	}
	return env
}

// alwaysPatternsFor generalises a command so an "always" reply covers
// the whole family: the first two tokens plus a wildcard. "npm test"
// sticks as "npm test*", "git push --force" as "git push*".
func alwaysPatternsFor(command string) []string {
	fields := strings.Fields(command)
	switch len(fields) {
	case 0:
		return nil
	case 1:
		return []string{fields[0] + "*"}
	default:
		return []string{fields[0] + " " + fields[1] + "*", command}
	}
}
