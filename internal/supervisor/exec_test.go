package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/matheus3301/tgsync/internal/rpc"
	"github.com/matheus3301/tgsync/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// TestHelperProcess is not a real test. It is re-executed by the tests below
// to act as a line-oriented worker: "ping" answers, "crash" exits with
// status 3, EOF on stdin exits cleanly.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_TGSYNC_HELPER") != "1" {
		return
	}
	fmt.Fprintln(os.Stderr, "helper worker ready")
	fmt.Println("not a frame")
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		var f rpc.Frame
		if err := json.Unmarshal(sc.Bytes(), &f); err != nil {
			continue
		}
		switch f.Method {
		case "ping":
			fmt.Printf("{\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{\"pong\":true}}\n", *f.ID)
		case "crash":
			os.Exit(3)
		default:
			fmt.Printf("{\"jsonrpc\":\"2.0\",\"id\":%d,\"error\":{\"message\":\"unknown method %s\"}}\n", *f.ID, f.Method)
		}
	}
	os.Exit(0)
}

func helperLauncher(t *testing.T) *ExecLauncher {
	return &ExecLauncher{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$", "--"},
		Env:     append(os.Environ(), "GO_TGSYNC_HELPER=1"),
		Logger:  zaptest.NewLogger(t),
	}
}

func TestExecWorkerLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}
	clock := &fakeClock{}
	ch := rpc.NewChannel(rpc.Options{Timeout: 5 * time.Second})
	s := New(Options{
		Launcher:  helperLauncher(t),
		Channel:   ch,
		AfterFunc: clock.AfterFunc,
		StopGrace: time.Second,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, s.Start())
	assert.NotZero(t, s.Snapshot().Pid)

	var res struct {
		Pong bool `json:"pong"`
	}
	require.NoError(t, ch.Call(context.Background(), "ping", nil, &res))
	assert.True(t, res.Pong)

	err := ch.Call(context.Background(), "get_dialogs", nil, nil)
	var remote *rpc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "unknown method get_dialogs", remote.Message)

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, status.Stopped, s.State())
	assert.Empty(t, clock.scheduled())
}

func TestExecWorkerCrash(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}
	clock := &fakeClock{}
	ch := rpc.NewChannel(rpc.Options{Timeout: 5 * time.Second})
	s := New(Options{
		Launcher:  helperLauncher(t),
		Channel:   ch,
		AfterFunc: clock.AfterFunc,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	err := ch.Call(context.Background(), "crash", nil, nil)
	assert.ErrorIs(t, err, rpc.ErrWorkerCrashed)
	waitState(t, s, status.CrashedPendingRestart)
	assert.Equal(t, []time.Duration{DefaultInitialBackoff}, clock.scheduled())

	clock.fire()
	waitState(t, s, status.Running)
	require.NoError(t, ch.Call(context.Background(), "ping", nil, nil))
	assert.Zero(t, s.Attempts())
}
