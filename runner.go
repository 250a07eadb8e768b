package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultCommandTimeout bounds a single external tool invocation.
const DefaultCommandTimeout = 30 * time.Minute

// CmdResult captures one external command invocation.
type CmdResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// RunOpts are per-invocation options for a Runner.
type RunOpts struct {
	Dir   string
	Stdin io.Reader
	// Env holds extra variables for this invocation only. The process
	// environment is never consulted or mutated; every command sees the
	// runner's base environment plus these.
	Env map[string]string
	// Build marks a cross-compilation command that must run inside the
	// toolchain environment (container) when one is configured.
	Build bool
}

// Runner executes an external program and reports its exit code and
// captured output. A non-zero exit is returned as an error carrying the
// exit code alongside the result.
type Runner interface {
	Run(ctx context.Context, argv []string, opts RunOpts) (CmdResult, error)
}

// ExecRunner runs commands through os/exec with a fully explicit
// environment.
type ExecRunner struct {
	env     *EnvManager // nil means no container wrapping
	baseEnv map[string]string
	timeout time.Duration
}

// NewExecRunner builds a runner whose base environment is a fixed PATH,
// LC_ALL=C and the given toolchain variables.
func NewExecRunner(env *EnvManager, toolchainVars map[string]string) *ExecRunner {
	base := map[string]string{
		"PATH":   "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"LC_ALL": "C",
	}
	for k, v := range toolchainVars {
		base[k] = v
	}
	return &ExecRunner{
		env:     env,
		baseEnv: base,
		timeout: DefaultCommandTimeout,
	}
}

// Run executes argv and returns its captured output. Non-zero exits are
// reported both in the result and as an error; stderr is logged either way.
func (r *ExecRunner) Run(ctx context.Context, argv []string, opts RunOpts) (CmdResult, error) {
	if len(argv) == 0 {
		return CmdResult{ExitCode: -1}, fmt.Errorf("empty command")
	}

	if opts.Build && r.env != nil && r.env.Containerized() {
		argv = r.env.ContainerCommand(argv, opts.Dir)
		// The container carries its own working directory mapping.
		opts.Dir = ""
	}

	logger := GetLogger(ctx).WithField("command", strings.Join(argv, " "))
	logger.Debug("running command")

	cmdCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Stdin = opts.Stdin
	cmd.Env = r.environ(opts.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := CmdResult{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		if cmdCtx.Err() != nil {
			err = fmt.Errorf("command interrupted: %w", cmdCtx.Err())
		}
		logger.WithFields(logrus.Fields{
			"exit_code": res.ExitCode,
			"stderr":    res.Stderr,
		}).Error("command failed")
		return res, fmt.Errorf("%s failed: %w", argv[0], err)
	}

	logger.Debug("command completed")
	return res, nil
}

func (r *ExecRunner) environ(extra map[string]string) []string {
	merged := make(map[string]string, len(r.baseEnv)+len(extra))
	for k, v := range r.baseEnv {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}
