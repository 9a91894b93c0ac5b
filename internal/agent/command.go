package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"holon/internal/domain"
)

// ViolationExitCode is the exit status an executor program uses to report a sandbox violation.
const ViolationExitCode = 3

const (
	stderrTail = 2048
	// waitDelay bounds how long a killed program's orphaned children may hold its pipes.
	waitDelay = 2 * time.Second
)

// CommandPlanner runs a program that reads {"intent","retrieval"} on stdin and
// writes {"variants":[...]} (or a bare array of proposals) on stdout.
type CommandPlanner struct {
	Argv []string
	Dir  string
	Env  []string
}

func (c CommandPlanner) GenerateVariants(ctx context.Context, intent domain.Intent, r Retrieval) ([]Proposal, error) {
	req := map[string]any{"intent": intent, "retrieval": r}
	stdout, stderr, err := run(ctx, c.Argv, c.Dir, c.Env, req)
	if err != nil {
		return nil, fmt.Errorf("planner %s: %w: %s", c.name(), err, tail(stderr))
	}
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var out []Proposal
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, fmt.Errorf("planner %s: decode proposals: %w", c.name(), err)
		}
		return out, nil
	}
	var resp struct {
		Variants []Proposal `json:"variants"`
	}
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, fmt.Errorf("planner %s: decode proposals: %w", c.name(), err)
	}
	return resp.Variants, nil
}

func (c CommandPlanner) name() string { return argvName(c.Argv) }

// CommandExecutor runs a program in the sandbox workdir. It reads
// {"intent","plan","sandbox"} on stdin and may print an Outcome on stdout.
// Exit 0 without output is success; exit 3 is a sandbox violation; any other
// non-zero exit is a failure.
type CommandExecutor struct {
	Argv []string
	Env  []string
}

func (c CommandExecutor) Execute(ctx context.Context, intent domain.Intent, plan domain.PlanVariant, sb Sandbox) (Outcome, error) {
	req := map[string]any{"intent": intent, "plan": plan, "sandbox": sb}
	stdout, stderr, err := run(ctx, c.Argv, sb.Workdir, c.Env, req)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Outcome{}, ctxErr
	}
	var out Outcome
	reported := false
	if trimmed := bytes.TrimSpace(stdout); len(trimmed) > 0 {
		if jerr := json.Unmarshal(trimmed, &out); jerr == nil {
			reported = true
		}
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		if !reported {
			out.Success = true
		}
	case errors.As(err, &exitErr):
		out.Success = false
		if exitErr.ExitCode() == ViolationExitCode {
			out.Violation = true
		}
		if out.Reason == "" {
			out.Reason = fmt.Sprintf("exit status %d: %s", exitErr.ExitCode(), tail(stderr))
		}
	default:
		return Outcome{}, fmt.Errorf("executor %s: %w", argvName(c.Argv), err)
	}
	return out, nil
}

func run(ctx context.Context, argv []string, dir string, env []string, req any) ([]byte, []byte, error) {
	if len(argv) == 0 {
		return nil, nil, errors.New("no command configured")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, nil, err
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func argvName(argv []string) string {
	if len(argv) == 0 {
		return "<unset>"
	}
	return filepath.Base(argv[0])
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > stderrTail {
		s = s[len(s)-stderrTail:]
	}
	return s
}

// FileCurator appends knowledge-base entries as JSON lines.
type FileCurator struct {
	Path string

	mu sync.Mutex
}

func (c *FileCurator) ProposeKBEntry(_ context.Context, entry KBEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(c.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}
