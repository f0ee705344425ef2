package transport

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// Schemes understood by ParseLocation.
const (
	SchemeLocal = ""
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeSFTP  = "sftp"
	SchemeS3    = "s3"
)

// Location represents a parsed manifest source argument.
type Location struct {
	Scheme string
	Host   string // hostname, or bucket for s3
	User   string
	Path   string // directory, URL path, or key prefix
	Port   int
	URL    *url.URL // http(s) only
}

// IsRemote returns true if the location refers to a remote host.
func (l Location) IsRemote() bool {
	return l.Host != ""
}

// String returns a human-readable representation.
func (l Location) String() string {
	switch l.Scheme {
	case SchemeHTTP, SchemeHTTPS:
		return l.URL.String()
	case SchemeS3:
		return fmt.Sprintf("s3://%s/%s", l.Host, strings.TrimPrefix(l.Path, "/"))
	case SchemeSFTP:
		host := l.Host
		if l.User != "" {
			host = l.User + "@" + host
		}
		if l.Port != 0 {
			return fmt.Sprintf("sftp://%s:%d%s", host, l.Port, l.Path)
		}
		return fmt.Sprintf("%s:%s", host, l.Path)
	default:
		return l.Path
	}
}

// ParseLocation parses a CLI argument into a Location.
//
// Supported formats:
//   - /absolute/path or relative/path    → local directory
//   - http(s)://host/base/               → manifest at the URL, files below it
//   - sftp://[user@]host[:port]/path     → SFTP directory
//   - [user@]host:path                   → SFTP directory (scp shorthand)
//   - s3://bucket/prefix                 → S3 bucket prefix
//
// Ambiguity rule: a bare "word" with no colon is always local. A path
// containing ":" is only treated as remote if the part before the colon
// contains no path separators (so "/foo:bar" and "./host:path" are local).
func ParseLocation(arg string) (Location, error) {
	if i := strings.Index(arg, "://"); i > 0 {
		return parseURL(arg, strings.ToLower(arg[:i]))
	}

	// Absolute paths and paths starting with . are always local.
	if filepath.IsAbs(arg) || strings.HasPrefix(arg, "./") || strings.HasPrefix(arg, "../") {
		return Location{Path: arg}, nil
	}

	colonIdx := strings.IndexByte(arg, ':')
	if colonIdx <= 0 {
		return Location{Path: arg}, nil
	}

	hostPart := arg[:colonIdx]
	pathPart := arg[colonIdx+1:]

	// "dir/file:with:colons" is a local path.
	if strings.ContainsRune(hostPart, filepath.Separator) || strings.ContainsRune(hostPart, '/') {
		return Location{Path: arg}, nil
	}

	var user, host string
	if atIdx := strings.LastIndexByte(hostPart, '@'); atIdx >= 0 {
		user = hostPart[:atIdx]
		host = hostPart[atIdx+1:]
	} else {
		host = hostPart
	}
	if host == "" {
		return Location{Path: arg}, nil
	}

	return Location{Scheme: SchemeSFTP, Host: host, User: user, Path: pathPart}, nil
}

func parseURL(raw, scheme string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Hostname() == "" {
		return Location{}, fmt.Errorf("parse %q: missing host", raw)
	}

	switch scheme {
	case SchemeHTTP, SchemeHTTPS:
		return Location{Scheme: scheme, Host: u.Hostname(), Path: u.Path, URL: u}, nil

	case SchemeS3:
		return Location{Scheme: SchemeS3, Host: u.Host, Path: strings.TrimPrefix(u.Path, "/")}, nil

	case SchemeSFTP:
		port := 0
		if p := u.Port(); p != "" {
			port, err = strconv.Atoi(p)
			if err != nil {
				return Location{}, fmt.Errorf("parse %q: bad port: %w", raw, err)
			}
		}
		path := u.Path
		if path == "" {
			path = "/"
		}
		var user string
		if u.User != nil {
			user = u.User.Username()
		}
		return Location{Scheme: SchemeSFTP, Host: u.Hostname(), User: user, Port: port, Path: path}, nil

	default:
		return Location{}, fmt.Errorf("parse %q: unsupported scheme %q", raw, scheme)
	}
}
