package transport_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/sdsync/internal/transport"
)

func TestParseLocation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		input      string
		wantScheme string
		wantHost   string
		wantUser   string
		wantPath   string
		wantPort   int
	}{
		{name: "absolute path", input: "/srv/library", wantPath: "/srv/library"},
		{name: "relative path", input: "library/files", wantPath: "library/files"},
		{name: "dot-relative path", input: "./library", wantPath: "./library"},
		{name: "parent-relative path", input: "../library", wantPath: "../library"},
		{
			name:       "user@host:path",
			input:      "pi@nas:/srv/music",
			wantScheme: transport.SchemeSFTP,
			wantHost:   "nas",
			wantUser:   "pi",
			wantPath:   "/srv/music",
		},
		{
			name:       "host:relative",
			input:      "nas:music",
			wantScheme: transport.SchemeSFTP,
			wantHost:   "nas",
			wantPath:   "music",
		},
		{name: "absolute path with colon", input: "/music/a:b", wantPath: "/music/a:b"},
		{name: "relative path with colon after separator", input: "dir/host:path", wantPath: "dir/host:path"},
		{name: "bare colon", input: ":path", wantPath: ":path"},
		{name: "empty host after @", input: "user@:path", wantPath: "user@:path"},
		{
			name:       "https base",
			input:      "https://worker.example.dev/sync/",
			wantScheme: transport.SchemeHTTPS,
			wantHost:   "worker.example.dev",
			wantPath:   "/sync/",
		},
		{
			name:       "sftp url with port",
			input:      "sftp://pi@nas.local:2222/srv/music",
			wantScheme: transport.SchemeSFTP,
			wantHost:   "nas.local",
			wantUser:   "pi",
			wantPath:   "/srv/music",
			wantPort:   2222,
		},
		{
			name:       "sftp url without path",
			input:      "sftp://nas",
			wantScheme: transport.SchemeSFTP,
			wantHost:   "nas",
			wantPath:   "/",
		},
		{
			name:       "s3 prefix",
			input:      "s3://media-bucket/cards/living-room",
			wantScheme: transport.SchemeS3,
			wantHost:   "media-bucket",
			wantPath:   "cards/living-room",
		},
		{
			name:       "scheme is case-insensitive",
			input:      "HTTP://host/x",
			wantScheme: transport.SchemeHTTP,
			wantHost:   "host",
			wantPath:   "/x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			loc, err := transport.ParseLocation(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.wantScheme, loc.Scheme, "Scheme")
			assert.Equal(t, tt.wantHost, loc.Host, "Host")
			assert.Equal(t, tt.wantUser, loc.User, "User")
			assert.Equal(t, tt.wantPath, loc.Path, "Path")
			assert.Equal(t, tt.wantPort, loc.Port, "Port")
			assert.Equal(t, tt.wantHost != "", loc.IsRemote())
		})
	}
}

func TestParseLocationErrors(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"ftp://host/x", "s3:///nobucket", "sftp://host:port/x", "https://"} {
		t.Run(in, func(t *testing.T) {
			t.Parallel()
			_, err := transport.ParseLocation(in)
			require.Error(t, err)
		})
	}
}

func TestLocation_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "local", in: "/srv/library", want: "/srv/library"},
		{name: "sftp with user", in: "pi@nas:/srv", want: "pi@nas:/srv"},
		{name: "sftp with port", in: "sftp://nas:2222/srv", want: "sftp://nas:2222/srv"},
		{name: "s3", in: "s3://bucket/prefix", want: "s3://bucket/prefix"},
		{name: "https", in: "https://host/base/", want: "https://host/base/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			loc, err := transport.ParseLocation(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, loc.String())
		})
	}
}
