//go:build !windows

package sampler

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/all-smi/all-smi-go/pkg/types"
)

// fakeParse turns lines like "value=12.5" into a Frame.
func fakeParse(line string) (*types.Frame, error) {
	if !strings.HasPrefix(line, "value=") {
		return nil, nil
	}

	v, err := strconv.ParseFloat(strings.TrimPrefix(line, "value="), 64)
	if err != nil {
		return nil, err
	}

	return &types.Frame{Fields: map[string]float64{"value": v}}, nil
}

func TestManagerLifecycle(t *testing.T) {
	// A loop that prints "value=1" repeatedly stands in for a streaming
	// vendor SMI tool.
	m := New("test-tool", []string{"bash", "-c", "while true; do echo value=1; sleep 0.05; done"}, fakeParse, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, m.EnsureRunning(ctx))
	require.True(t, m.IsAlive())
	require.False(t, m.Warming())

	frame, ok := m.Latest()
	require.True(t, ok)
	require.Equal(t, 1.0, frame.Fields["value"])

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, m.Stop(stopCtx))
	require.Equal(t, StateStopped, m.State())
}

func TestManagerSingleSubprocessUnderConcurrentFirstCallers(t *testing.T) {
	m := New("test-tool-2", []string{"bash", "-c", "while true; do echo value=2; sleep 0.05; done"}, fakeParse, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			done <- m.EnsureRunning(ctx)
		}()
	}

	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}
	require.True(t, m.IsAlive())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	_ = m.Stop(stopCtx)
}

func TestIntervalClamping(t *testing.T) {
	m := New("test-tool-3", []string{"true"}, fakeParse, nil)
	m.SetInterval(50)
	require.Equal(t, 200, m.intervalMs)
	m.SetInterval(10000)
	require.Equal(t, 5000, m.intervalMs)
}
