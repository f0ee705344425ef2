package reconcile

import (
	"strings"
	"sync"

	"github.com/bamsammich/sdsync/internal/storage"
)

const tmpSuffix = ".sdsync-tmp"

// tmpRegistry tracks in-progress download files so an interrupted process
// can remove them before exiting.
var globalTmpRegistry = &tmpRegistry{}

type tmpFile struct {
	fs   storage.FS
	path string
}

type tmpRegistry struct {
	mu    sync.Mutex
	files map[tmpFile]struct{}
}

func registerTmp(fsys storage.FS, p string) {
	globalTmpRegistry.mu.Lock()
	defer globalTmpRegistry.mu.Unlock()
	if globalTmpRegistry.files == nil {
		globalTmpRegistry.files = make(map[tmpFile]struct{})
	}
	globalTmpRegistry.files[tmpFile{fs: fsys, path: p}] = struct{}{}
}

func deregisterTmp(fsys storage.FS, p string) {
	globalTmpRegistry.mu.Lock()
	defer globalTmpRegistry.mu.Unlock()
	delete(globalTmpRegistry.files, tmpFile{fs: fsys, path: p})
}

// CleanupTmpFiles removes every download file still in progress.
func CleanupTmpFiles() {
	globalTmpRegistry.mu.Lock()
	files := make([]tmpFile, 0, len(globalTmpRegistry.files))
	for f := range globalTmpRegistry.files {
		files = append(files, f)
	}
	globalTmpRegistry.files = nil
	globalTmpRegistry.mu.Unlock()

	for _, f := range files {
		_ = f.fs.Remove(f.path)
	}
}

// isTmpName reports whether base looks like a download file left behind by
// an interrupted run.
func isTmpName(base string) bool {
	return strings.HasPrefix(base, ".") && strings.HasSuffix(base, tmpSuffix)
}
