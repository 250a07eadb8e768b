package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExecRunnerCapturesOutput(t *testing.T) {
	t.Parallel()

	r := NewExecRunner(nil, nil)
	res, err := r.Run(context.Background(), []string{"sh", "-c", "echo out; echo err >&2"}, RunOpts{})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "out\n", res.Stdout)
	require.Equal(t, "err\n", res.Stderr)
}

func TestExecRunnerNonZeroExit(t *testing.T) {
	t.Parallel()

	r := NewExecRunner(nil, nil)
	res, err := r.Run(context.Background(), []string{"sh", "-c", "exit 3"}, RunOpts{})
	require.Error(t, err)
	require.Equal(t, 3, res.ExitCode)
}

func TestExecRunnerStdin(t *testing.T) {
	t.Parallel()

	r := NewExecRunner(nil, nil)
	res, err := r.Run(context.Background(), []string{"cat"}, RunOpts{Stdin: strings.NewReader("o\nw\n")})
	require.NoError(t, err)
	require.Equal(t, "o\nw\n", res.Stdout)
}

func TestExecRunnerEmptyCommand(t *testing.T) {
	t.Parallel()

	r := NewExecRunner(nil, nil)
	_, err := r.Run(context.Background(), nil, RunOpts{})
	require.Error(t, err)
}

func TestExecRunnerExplicitEnvironment(t *testing.T) {
	t.Setenv("LEAKY_VAR", "should-not-appear")

	r := NewExecRunner(nil, map[string]string{"ARCH": "arm"})
	res, err := r.Run(context.Background(), []string{"env"}, RunOpts{Env: map[string]string{"FOO": "bar"}})
	require.NoError(t, err)

	require.Contains(t, res.Stdout, "LC_ALL=C\n")
	require.Contains(t, res.Stdout, "ARCH=arm\n")
	require.Contains(t, res.Stdout, "FOO=bar\n")
	require.NotContains(t, res.Stdout, "LEAKY_VAR", "the process environment must never leak into commands")
}

func TestExecRunnerPerInvocationEnvOverridesBase(t *testing.T) {
	t.Parallel()

	r := NewExecRunner(nil, map[string]string{"ARCH": "arm"})
	res, err := r.Run(context.Background(), []string{"env"}, RunOpts{Env: map[string]string{"ARCH": "arm64"}})
	require.NoError(t, err)
	require.Contains(t, res.Stdout, "ARCH=arm64\n")
	require.NotContains(t, res.Stdout, "ARCH=arm\n")
}
