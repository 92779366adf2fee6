//go:build !windows

package osexec

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecute(t *testing.T) {
	out, err := Execute("echo", []string{"hello"}, nil)
	require.NoError(t, err)
	require.Contains(t, string(out), "hello")
}

func TestExecuteWithTimeoutExceeded(t *testing.T) {
	_, err := ExecuteWithTimeout("sleep", []string{"2"}, 10*time.Millisecond, nil)
	require.Error(t, err)
}

func TestStartGroupAndKill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd, stdout, err := StartGroup(ctx, "sleep", []string{"30"}, nil)
	require.NoError(t, err)
	defer stdout.Close()

	require.NoError(t, KillGroup(cmd, syscall.SIGTERM))
	_ = cmd.Wait()
}
