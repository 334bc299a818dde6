package svc

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServiceConfig(t *testing.T) {
	cfg := &ServiceConfig{
		Name:        DefaultServiceName(ModeWorker),
		DisplayName: DefaultDisplayName(ModeWorker),
		Description: DefaultDescription(ModeWorker),
		Mode:        ModeWorker,
		ConfigPath:  "/etc/blobmesh/blobmesh.yaml",
		Env:         map[string]string{"BLOBMESH_KEY_DATA0": "c2VjcmV0"},
	}
	sc := NewServiceConfig(cfg)

	assert.Equal(t, "blobmesh-worker", sc.Name)
	assert.Equal(t, []string{"--service-run", "--service-mode", "worker", "worker", "--config", "/etc/blobmesh/blobmesh.yaml"}, sc.Arguments)
	assert.Equal(t, cfg.Env, sc.EnvVars)
	assert.True(t, IsServiceMode(sc.Arguments))
	assert.False(t, IsServiceMode([]string{"serve", "--config", "x"}))
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, "blobmesh", DefaultServiceName(ModeServe))
	assert.Equal(t, "blobmesh Gateway", DefaultDisplayName(ModeServe))
	assert.NotEmpty(t, DefaultDescription(ModeServe))
	if runtime.GOOS != "windows" {
		assert.Equal(t, "/etc/blobmesh/blobmesh.yaml", DefaultConfigPath())
	}
}

func TestProgram_RunsModeUntilStopped(t *testing.T) {
	started := make(chan struct{})
	prg := &Program{
		Mode:       ModeWorker,
		ConfigPath: "cfg.yaml",
		RunWorker: func(ctx context.Context, path string) error {
			assert.Equal(t, "cfg.yaml", path)
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	require.NoError(t, prg.Start(nil))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not start")
	}
	assert.NoError(t, prg.Stop(nil), "cancellation is a clean stop")
}

func TestProgram_PropagatesFailure(t *testing.T) {
	boom := errors.New("boom")
	prg := &Program{
		Mode:     ModeServe,
		RunServe: func(context.Context, string) error { return boom },
	}
	require.NoError(t, prg.Start(nil))
	assert.ErrorIs(t, prg.Stop(nil), boom)
}

func TestProgram_BadMode(t *testing.T) {
	assert.ErrorContains(t, (&Program{Mode: "join"}).Start(nil), "unknown mode")
	assert.ErrorContains(t, (&Program{Mode: ModeServe}).Start(nil), "not configured")
	assert.NoError(t, (&Program{}).Stop(nil))
}

func TestKeyEnv(t *testing.T) {
	env := KeyEnv([]string{
		"BLOBMESH_KEY_DATA0=abc",
		"BLOBMESH_KEY_=empty-name",
		"HOME=/root",
		"BLOBMESH_KEY_DATA1=x=y",
	}, "BLOBMESH_KEY_")
	assert.Equal(t, map[string]string{"BLOBMESH_KEY_DATA0": "abc", "BLOBMESH_KEY_DATA1": "x=y"}, env)
	assert.Equal(t, []string{"BLOBMESH_KEY_DATA0", "BLOBMESH_KEY_DATA1"}, EnvNames(env))
}

func TestLogCommand(t *testing.T) {
	name, args, err := logCommand("linux", LogOptions{ServiceName: "blobmesh", Follow: true})
	require.NoError(t, err)
	assert.Equal(t, "journalctl", name)
	assert.Equal(t, []string{"-u", "blobmesh", "-n", "50", "--no-pager", "-o", "cat", "-f"}, args)

	name, args, err = logCommand("darwin", LogOptions{ServiceName: "blobmesh", Lines: 10})
	require.NoError(t, err)
	assert.Equal(t, "tail", name)
	assert.Equal(t, []string{"-n", "10", "/var/log/blobmesh.out.log", "/var/log/blobmesh.err.log"}, args)

	name, _, err = logCommand("windows", LogOptions{ServiceName: "blobmesh"})
	require.NoError(t, err)
	assert.Equal(t, "powershell", name)

	_, _, err = logCommand("plan9", LogOptions{})
	assert.Error(t, err)
}
