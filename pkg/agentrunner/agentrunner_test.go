package agentrunner

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeline-labs/mechworker/pkg/intake"
)

func writeExecutable(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o755)
}

func TestProcessRunnerParsesFinalResultLine(t *testing.T) {
	script := `#!/bin/sh
cat >/dev/null
echo "starting up"
echo '{"output":"done","telemetry":{"toolCalls":[]},"finalStatus":"COMPLETED","artifacts":[]}'
`
	bin := writeScript(t, script)

	r := NewProcessRunner(bin, nil, 0)
	result, err := r.Run(context.Background(), intake.Request{RequestID: "req-1", Blueprint: "do the thing"}, RuntimeContext{
		ProxyURL:   "http://127.0.0.1:9",
		ProxyToken: "tok",
		RequestID:  "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.FinalStatus)
	assert.Equal(t, "done", result.Output)
}

func TestProcessRunnerFailsOnNonZeroExit(t *testing.T) {
	script := `#!/bin/sh
cat >/dev/null
exit 1
`
	bin := writeScript(t, script)

	r := NewProcessRunner(bin, nil, 0)
	_, err := r.Run(context.Background(), intake.Request{RequestID: "req-1"}, RuntimeContext{RequestID: "req-1"})
	assert.Error(t, err)
}

func TestProcessRunnerFailsWithoutResultLine(t *testing.T) {
	script := `#!/bin/sh
cat >/dev/null
echo "no json here"
`
	bin := writeScript(t, script)

	r := NewProcessRunner(bin, nil, 0)
	_, err := r.Run(context.Background(), intake.Request{RequestID: "req-1"}, RuntimeContext{RequestID: "req-1"})
	assert.Error(t, err)
}

func TestProcessRunnerKillsOnCancellation(t *testing.T) {
	script := `#!/bin/sh
cat >/dev/null
trap 'exit 0' INT
sleep 30
`
	bin := writeScript(t, script)

	r := NewProcessRunner(bin, nil, 200*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_, _ = r.Run(ctx, intake.Request{RequestID: "req-1"}, RuntimeContext{RequestID: "req-1"})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation + grace period")
	}
}

func writeScript(t *testing.T, contents string) string {
	t.Helper()
	path := t.TempDir() + "/agent.sh"
	require.NoError(t, writeExecutable(path, contents))
	return path
}
