package reconcile_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/bamsammich/sdsync/internal/event"
	"github.com/bamsammich/sdsync/internal/manifest"
	"github.com/bamsammich/sdsync/internal/reconcile"
	"github.com/bamsammich/sdsync/internal/retry"
	"github.com/bamsammich/sdsync/internal/storage"
	"github.com/bamsammich/sdsync/internal/transport"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		require.NoError(t, err)
		_, err = w.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func writeFile(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, data, 0644))
}

// listFiles returns every regular file under root as a slash path relative
// to root.
func listFiles(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	require.NoError(t, err)
	sort.Strings(out)
	return out
}

type fixture struct {
	remote string
	medium string
	fs     *storage.Local
}

func newFixture(t *testing.T, manifestJSON string) *fixture {
	t.Helper()
	f := &fixture{remote: t.TempDir(), medium: t.TempDir()}
	f.fs = storage.NewLocal(f.medium)
	writeFile(t, f.remote, transport.DefaultManifestName, []byte(manifestJSON))
	return f
}

func (f *fixture) run(t *testing.T, events chan<- event.Event) reconcile.Result {
	t.Helper()
	r, err := reconcile.New(reconcile.Config{
		Source: transport.NewLocalSource(f.remote, ""),
		FS:     f.fs,
		Events: events,
		Retry:  retry.Config{MaxAttempts: 1},
	})
	require.NoError(t, err)
	res := r.Run(context.Background())
	assert.Equal(t, reconcile.Done, r.State())
	return res
}

func TestReconcileAlbumExample(t *testing.T) {
	f := newFixture(t, `["albumA.zip", "albumB.zip"]`)
	writeFile(t, f.remote, "albumB.zip", buildZip(t, map[string]string{
		"albumB/01.mp3": "one",
		"albumB/02.mp3": "two",
	}))
	writeFile(t, f.medium, "albumA/01.mp3", []byte("kept"))
	writeFile(t, f.medium, "old.mp3", []byte("stale"))

	events := make(chan event.Event, 256)
	res := f.run(t, events)
	require.NoError(t, res.Err)
	assert.Empty(t, res.Failures)

	files := listFiles(t, f.medium)
	assert.Contains(t, files, "albumA/01.mp3")
	assert.Contains(t, files, "albumB/01.mp3")
	assert.Contains(t, files, "albumB/02.mp3")
	assert.NotContains(t, files, "albumB.zip")
	assert.NotContains(t, files, "old.mp3")

	trashed, err := os.ReadDir(filepath.Join(f.medium, ".trash"))
	require.NoError(t, err)
	require.Len(t, trashed, 1)
	assert.True(t, strings.HasSuffix(trashed[0].Name(), "_old.mp3"))

	assert.Equal(t, int64(2), res.Stats.ManifestEntries)
	assert.Equal(t, int64(1), res.Stats.FilesPresent)
	assert.Equal(t, int64(1), res.Stats.Downloads)
	assert.Equal(t, int64(1), res.Stats.ArchivesExpanded)
	assert.Equal(t, int64(2), res.Stats.FilesExtracted)
	assert.Equal(t, int64(1), res.Stats.FilesRetired)

	close(events)
	seen := map[event.Type]int{}
	for ev := range events {
		seen[ev.Type]++
	}
	assert.Equal(t, 1, seen[event.ManifestFetched])
	assert.Equal(t, 1, seen[event.DownloadCompleted])
	assert.Equal(t, 1, seen[event.ArchiveExpanded])
	assert.Equal(t, 1, seen[event.FileRetired])
}

func TestReconcileIsIdempotent(t *testing.T) {
	tests := []struct {
		name    string
		archive string
		entries map[string]string
	}{
		{"folder named like archive", "albumB.zip", map[string]string{"albumB/01.mp3": "one"}},
		{"root-level entries", "mix.zip", map[string]string{"01.mp3": "one", "Mix Tape/02.mp3": "two"}},
		{"folder named differently", "albumC.zip", map[string]string{"Various Artists/01.mp3": "one"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, `["`+tt.archive+`", "notes.txt"]`)
			writeFile(t, f.remote, tt.archive, buildZip(t, tt.entries))
			writeFile(t, f.medium, "notes.txt", []byte("local only"))

			first := f.run(t, nil)
			require.NoError(t, first.Err)
			assert.Equal(t, int64(1), first.Stats.Downloads)
			assert.Zero(t, first.Stats.FilesRetired)
			before := listFiles(t, f.medium)

			second := f.run(t, nil)
			require.NoError(t, second.Err)
			assert.Zero(t, second.Stats.Downloads)
			assert.Zero(t, second.Stats.FilesRetired)
			assert.Equal(t, before, listFiles(t, f.medium))
		})
	}
}

func TestReconcileFlatArchiveExpandsIntoItsDirectory(t *testing.T) {
	f := newFixture(t, `["mix.zip"]`)
	writeFile(t, f.remote, "mix.zip", buildZip(t, map[string]string{
		"01.mp3":          "one",
		"Mix Tape/02.mp3": "two",
	}))

	res := f.run(t, nil)
	require.NoError(t, res.Err)
	assert.Empty(t, res.Failures)
	assert.Equal(t, []string{"mix/01.mp3", "mix/Mix Tape/02.mp3"}, listFiles(t, f.medium))
	assert.Equal(t, int64(2), res.Stats.FilesExtracted)
}

func TestReconcileNonArchiveNameProtectsLocalFile(t *testing.T) {
	f := newFixture(t, `["notes.txt"]`)
	writeFile(t, f.medium, "notes.txt", []byte("keep me"))
	writeFile(t, f.medium, "other.txt", []byte("go away"))

	res := f.run(t, nil)
	require.NoError(t, res.Err)
	assert.Zero(t, res.Stats.Downloads)
	files := listFiles(t, f.medium)
	assert.Contains(t, files, "notes.txt")
	assert.NotContains(t, files, "other.txt")
}

func TestReconcileMalformedManifestChangesNothing(t *testing.T) {
	for _, body := range []string{`{"not": "an array"}`, `[`, ``} {
		f := newFixture(t, body)
		writeFile(t, f.medium, "old.mp3", []byte("stale"))
		before := listFiles(t, f.medium)

		res := f.run(t, nil)
		require.Error(t, res.Err, "body %q", body)
		assert.ErrorIs(t, res.Err, manifest.ErrMalformed)
		assert.Equal(t, before, listFiles(t, f.medium))
	}
}

func TestReconcileMissingManifestIsFatal(t *testing.T) {
	f := &fixture{remote: t.TempDir(), medium: t.TempDir()}
	f.fs = storage.NewLocal(f.medium)
	writeFile(t, f.medium, "old.mp3", []byte("stale"))

	res := f.run(t, nil)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, transport.ErrNotFound)
	assert.Equal(t, []string{"old.mp3"}, listFiles(t, f.medium))
}

func TestReconcileDownloadFailureIsIsolated(t *testing.T) {
	f := newFixture(t, `["missing.zip", "albumB.zip"]`)
	writeFile(t, f.remote, "albumB.zip", buildZip(t, map[string]string{"albumB/01.mp3": "one"}))

	res := f.run(t, nil)
	require.NoError(t, res.Err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "/missing.zip", res.Failures[0].Path)
	assert.Equal(t, reconcile.DownloadMissing, res.Failures[0].Stage)
	assert.ErrorIs(t, res.Failures[0].Err, transport.ErrFetch)
	assert.Equal(t, int64(1), res.Stats.DownloadFailures)
	assert.Contains(t, listFiles(t, f.medium), "albumB/01.mp3")
}

func TestReconcileVerifiesDigest(t *testing.T) {
	data := buildZip(t, map[string]string{"albumB/01.mp3": "one"})
	sum := blake3.Sum256(data)
	good := hex.EncodeToString(sum[:])
	bad := strings.Repeat("0", len(good))

	t.Run("match", func(t *testing.T) {
		f := newFixture(t, `[{"name": "albumB.zip", "blake3": "`+good+`"}]`)
		writeFile(t, f.remote, "albumB.zip", data)
		res := f.run(t, nil)
		require.NoError(t, res.Err)
		assert.Empty(t, res.Failures)
		assert.Contains(t, listFiles(t, f.medium), "albumB/01.mp3")
	})

	t.Run("mismatch", func(t *testing.T) {
		f := newFixture(t, `[{"name": "albumB.zip", "blake3": "`+bad+`"}]`)
		writeFile(t, f.remote, "albumB.zip", data)
		res := f.run(t, nil)
		require.NoError(t, res.Err)
		require.Len(t, res.Failures, 1)
		assert.ErrorIs(t, res.Failures[0].Err, reconcile.ErrDigestMismatch)
		// Neither the archive nor its temp file remains.
		assert.Empty(t, listFiles(t, f.medium))
	})
}

func TestReconcileResumesInterruptedExpansion(t *testing.T) {
	f := newFixture(t, `["albumB.zip"]`)
	// The remote no longer has the archive, so success proves it was not
	// downloaded again.
	writeFile(t, f.medium, "albumB.zip", buildZip(t, map[string]string{"albumB/01.mp3": "one"}))

	res := f.run(t, nil)
	require.NoError(t, res.Err)
	assert.Empty(t, res.Failures)
	assert.Zero(t, res.Stats.Downloads)
	assert.Equal(t, int64(1), res.Stats.ArchivesExpanded)
	assert.Equal(t, []string{"albumB/01.mp3"}, listFiles(t, f.medium))
}

func TestReconcileRemovesCorruptArchive(t *testing.T) {
	f := newFixture(t, `["albumB.zip"]`)
	writeFile(t, f.medium, "albumB.zip", []byte("definitely not a zip"))

	res := f.run(t, nil)
	require.NoError(t, res.Err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, reconcile.ExpandArchives, res.Failures[0].Stage)
	assert.Equal(t, int64(1), res.Stats.ExpandFailures)
	assert.Empty(t, listFiles(t, f.medium))
	assert.NoDirExists(t, filepath.Join(f.medium, "albumB"))
}

func TestReconcileJudgesTaggedFilesByVisiblePath(t *testing.T) {
	f := newFixture(t, `["albumA.zip"]`)
	writeFile(t, f.medium, "albumA/01.mp3.nomsc", []byte("excluded but wanted"))
	writeFile(t, f.medium, "stray.mp3.nomsc", []byte("excluded and stale"))

	res := f.run(t, nil)
	require.NoError(t, res.Err)
	files := listFiles(t, f.medium)
	assert.Contains(t, files, "albumA/01.mp3.nomsc")
	assert.NotContains(t, files, "stray.mp3.nomsc")
	assert.Equal(t, int64(1), res.Stats.FilesRetired)
}

func TestReconcileSkipsProtectedAndLeftovers(t *testing.T) {
	f := newFixture(t, `[]`)
	writeFile(t, f.medium, "System Volume Information/IndexerVolumeGuid", []byte("x"))
	writeFile(t, f.medium, ".trash/123_0_old.mp3", []byte("x"))
	writeFile(t, f.medium, "albumC/.01.mp3.deadbeef.sdsync-tmp", []byte("partial"))

	res := f.run(t, nil)
	require.NoError(t, res.Err)
	assert.Zero(t, res.Stats.FilesRetired)
	assert.Equal(t, []string{
		".trash/123_0_old.mp3",
		"System Volume Information/IndexerVolumeGuid",
	}, listFiles(t, f.medium))
}

func TestNewRequiresSourceAndStorage(t *testing.T) {
	_, err := reconcile.New(reconcile.Config{FS: storage.NewLocal(t.TempDir())})
	require.Error(t, err)
	_, err = reconcile.New(reconcile.Config{Source: transport.NewLocalSource(t.TempDir(), "")})
	require.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "fetch-manifest", reconcile.FetchManifest.String())
	assert.Equal(t, "retire-stale", reconcile.RetireStale.String())
	assert.Equal(t, "unknown", reconcile.State(42).String())
}
