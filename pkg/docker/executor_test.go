package docker

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/require"
)

func TestSplitDockerLogsSeparatesStreams(t *testing.T) {
	var buf bytes.Buffer
	_, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte("hello\n"))
	require.NoError(t, err)
	_, err = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte("boom\n"))
	require.NoError(t, err)

	stdout, stderr, err := splitDockerLogs(&buf)
	require.NoError(t, err)
	require.Equal(t, "hello\n", stdout)
	require.Equal(t, "boom\n", stderr)
}

func TestHostConfigIsolatesByDefault(t *testing.T) {
	executor := &DockerExecutor{cfg: Config{MemoryLimitMB: 256, CPUShares: 512, PidsLimit: 64, WorkingDir: "/workspace"}}

	hostCfg := executor.hostConfig(ExecutionRequest{Workspace: "/tmp/run-1"})
	require.Equal(t, "none", string(hostCfg.NetworkMode))
	require.Equal(t, int64(256*1024*1024), hostCfg.Resources.Memory)
	require.Equal(t, int64(512), hostCfg.Resources.CPUShares)
	require.NotNil(t, hostCfg.Resources.PidsLimit)
	require.Equal(t, int64(64), *hostCfg.Resources.PidsLimit)
	require.Contains(t, hostCfg.CapDrop, "ALL")
	require.Len(t, hostCfg.Mounts, 1)
	require.Equal(t, "/tmp/run-1", hostCfg.Mounts[0].Source)
	require.Equal(t, "/workspace", hostCfg.Mounts[0].Target)

	overridden := executor.hostConfig(ExecutionRequest{MemoryLimitMB: 128, AllowNetwork: true})
	require.Equal(t, int64(128*1024*1024), overridden.Resources.Memory)
	require.Equal(t, "bridge", string(overridden.NetworkMode))
	require.Empty(t, overridden.Mounts)
}

func TestRunRequiresImage(t *testing.T) {
	executor := &DockerExecutor{}
	_, err := executor.Run(context.Background(), ExecutionRequest{})
	require.True(t, errors.Is(err, ErrImageRequired))
}

func TestPingWithoutClient(t *testing.T) {
	executor := &DockerExecutor{}
	require.Error(t, executor.Ping(context.Background()))
}
