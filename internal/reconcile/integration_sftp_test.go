//go:build integration

package reconcile_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/crypto/ssh"

	"github.com/bamsammich/sdsync/internal/reconcile"
	"github.com/bamsammich/sdsync/internal/retry"
	"github.com/bamsammich/sdsync/internal/storage"
	"github.com/bamsammich/sdsync/internal/transport"
)

// startSFTPServer runs an atmoz/sftp container serving the files in dir as
// /data and returns its SSH address.
func startSFTPServer(t *testing.T, dir string, names ...string) string {
	t.Helper()
	ctx := context.Background()

	files := make([]testcontainers.ContainerFile, 0, len(names))
	for _, name := range names {
		files = append(files, testcontainers.ContainerFile{
			HostFilePath:      filepath.Join(dir, name),
			ContainerFilePath: "/home/testuser/data/" + name,
			FileMode:          0o644,
		})
	}

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "atmoz/sftp:latest",
			ExposedPorts: []string{"22/tcp"},
			Cmd:          []string{"testuser:testpass:::data"},
			Files:        files,
			WaitingFor:   wait.ForListeningPort("22/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "22/tcp")
	require.NoError(t, err)
	n, err := strconv.Atoi(port.Port())
	require.NoError(t, err)
	return fmt.Sprintf("%s:%d", host, n)
}

func dialSFTP(t *testing.T, addr string) *ssh.Client {
	t.Helper()
	cfg := &ssh.ClientConfig{
		User:            "testuser",
		Auth:            []ssh.AuthMethod{ssh.Password("testpass")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // throwaway container
		Timeout:         5 * time.Second,
	}

	var lastErr error
	for range 10 {
		c, err := ssh.Dial("tcp", addr, cfg)
		if err == nil {
			return c
		}
		lastErr = err
		time.Sleep(500 * time.Millisecond)
	}
	require.NoError(t, lastErr, "ssh to %s", addr)
	return nil
}

func TestIntegrationSyncFromSFTP(t *testing.T) {
	remote := t.TempDir()
	writeFile(t, remote, transport.DefaultManifestName, []byte(`["albumB.zip"]`))
	writeFile(t, remote, "albumB.zip", buildZip(t, map[string]string{
		"albumB/01.mp3": "one",
		"albumB/02.mp3": "two",
	}))

	addr := startSFTPServer(t, remote, transport.DefaultManifestName, "albumB.zip")
	src, err := transport.NewSFTPSource(dialSFTP(t, addr), "/data", "")
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })

	medium := t.TempDir()
	writeFile(t, medium, "old.mp3", []byte("stale"))

	r, err := reconcile.New(reconcile.Config{
		Source: src,
		FS:     storage.NewLocal(medium),
		Retry:  retry.Config{MaxAttempts: 3, InitialWait: 200 * time.Millisecond},
	})
	require.NoError(t, err)
	res := r.Run(context.Background())
	require.NoError(t, res.Err)
	assert.Empty(t, res.Failures)

	files := listFiles(t, medium)
	assert.Contains(t, files, "albumB/01.mp3")
	assert.Contains(t, files, "albumB/02.mp3")
	assert.NotContains(t, files, "albumB.zip")
	assert.NotContains(t, files, "old.mp3")
	assert.Equal(t, int64(1), res.Stats.Downloads)
}
