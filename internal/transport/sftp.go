package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/bamsammich/sdsync/internal/retry"
)

// SFTPSource reads the manifest and files from a directory on an SSH host.
type SFTPSource struct {
	client       *sftp.Client
	ssh          *ssh.Client
	root         string
	manifestName string
}

var _ Source = (*SFTPSource)(nil)

// NewSFTPSource creates a source backed by an SFTP session on sshClient.
// Close closes both the SFTP session and the SSH connection.
func NewSFTPSource(sshClient *ssh.Client, root, manifestName string) (*SFTPSource, error) {
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	if manifestName == "" {
		manifestName = DefaultManifestName
	}
	return &SFTPSource{
		client:       sftpClient,
		ssh:          sshClient,
		root:         root,
		manifestName: manifestName,
	}, nil
}

func (s *SFTPSource) OpenManifest(ctx context.Context) (Stream, error) {
	return s.Open(ctx, s.manifestName)
}

func (s *SFTPSource) Open(_ context.Context, name string) (Stream, error) {
	p := path.Join(s.root, cleanName(name))
	f, err := s.client.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Stream{}, fetchError(name, errors.Join(ErrNotFound, err))
		}
		return Stream{}, retry.Retryable(fetchError(name, err))
	}

	size := int64(-1)
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	return Stream{ReadCloser: f, Size: size}, nil
}

func (s *SFTPSource) Close() error {
	s.client.Close()
	return s.ssh.Close()
}
