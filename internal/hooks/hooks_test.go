package hooks

import (
	"bytes"
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imxup/internal/config"
	"imxup/internal/logging"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	var buf bytes.Buffer
	cfg := logging.DefaultConfig()
	cfg.Output = &buf
	l, err := logging.New("hooks-test", cfg)
	require.NoError(t, err)
	return l
}

func TestSubstituteEscapesLiteralPercentFirst(t *testing.T) {
	got := substitute("echo 100%% done for %N", Context{Name: "My Gallery"})
	assert.Equal(t, "echo 100% done for My Gallery", got)
}

func TestSubstituteLongestNameFirst(t *testing.T) {
	got := substitute("%e1 %e2", Context{Ext: [4]string{"tag1", "tag2", "", ""}})
	assert.Equal(t, "tag1 tag2", got)
}

func TestRunMapsJSONStdoutToExtFields(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("hook execution assumes /bin/sh")
	}
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Hooks[config.HookCompleted] = config.HookConfig{
		Enabled: true,
		Command: `echo '{"tag":"from-hook","rating":"5"}'`,
		KeyMapping: [4]string{"tag", "rating", "", ""},
	}

	exec := New(cfg, testLogger(t), nil)
	result := exec.Run(context.Background(), config.HookCompleted, Context{Name: "test"})

	require.True(t, result.Ran)
	require.NoError(t, result.Err)
	assert.Equal(t, "from-hook", result.Ext[0])
	assert.Equal(t, "5", result.Ext[1])
}

func TestRunIgnoresNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("hook execution assumes /bin/sh")
	}
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Hooks[config.HookAdded] = config.HookConfig{Enabled: true, Command: "exit 1"}

	exec := New(cfg, testLogger(t), nil)
	result := exec.Run(context.Background(), config.HookAdded, Context{})

	assert.True(t, result.Ran)
	assert.Error(t, result.Err)
}

func TestRunConcurrentRunsEveryConfiguredEvent(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("hook execution assumes /bin/sh")
	}
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.ParallelHookExecution = true
	cfg.Hooks[config.HookAdded] = config.HookConfig{Enabled: true, Command: `echo '{"tag":"added"}'`, KeyMapping: [4]string{"tag", "", "", ""}}
	cfg.Hooks[config.HookStarted] = config.HookConfig{Enabled: true, Command: `echo '{"tag":"started"}'`, KeyMapping: [4]string{"tag", "", "", ""}}

	exec := New(cfg, testLogger(t), nil)
	results := exec.RunConcurrent(context.Background(), []config.HookEvent{config.HookAdded, config.HookStarted}, Context{})

	require.Len(t, results, 2)
	assert.Equal(t, "added", results[config.HookAdded].Ext[0])
	assert.Equal(t, "started", results[config.HookStarted].Ext[0])
}

func TestRunConcurrentSerializesWhenParallelDisabled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("hook execution assumes /bin/sh")
	}
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.ParallelHookExecution = false
	cfg.Hooks[config.HookAdded] = config.HookConfig{Enabled: true, Command: "exit 1"}

	exec := New(cfg, testLogger(t), nil)
	results := exec.RunConcurrent(context.Background(), []config.HookEvent{config.HookAdded}, Context{})

	require.Len(t, results, 1)
	assert.True(t, results[config.HookAdded].Ran)
	assert.Error(t, results[config.HookAdded].Err)
}

func TestRunSerializesConcurrentCallersWhenParallelDisabled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("hook execution assumes /bin/sh")
	}
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.ParallelHookExecution = false
	cfg.Hooks[config.HookStarted] = config.HookConfig{Enabled: true, Command: "sleep 0.2"}

	exec := New(cfg, testLogger(t), nil)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec.Run(context.Background(), config.HookStarted, Context{})
		}()
	}
	wg.Wait()

	// two 0.2s hooks from concurrent callers must not overlap
	assert.GreaterOrEqual(t, time.Since(start), 380*time.Millisecond)
}

func TestRunSkipsDisabledHook(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)

	exec := New(cfg, testLogger(t), nil)
	result := exec.Run(context.Background(), config.HookStarted, Context{})

	assert.False(t, result.Ran)
}
