package fsengine

import (
	"archive/tar"
	"context"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicekit/backupd/internal/backup"
	"github.com/devicekit/backupd/internal/logging"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestList(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "beta"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "alpha"), 0o755))
	writeFile(t, root, "stray.txt", "not a producer")

	engine := New(root, logging.NewNop())
	producers, err := engine.List()
	require.NoError(t, err)

	require.Len(t, producers, 2)
	assert.Equal(t, "alpha", producers[0].Name)
	assert.Equal(t, "beta", producers[1].Name)
}

func TestEligible(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "full"), "data.txt", "hello")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	engine := New(root, logging.NewNop())

	assert.NoError(t, engine.Eligible(backup.Producer{Name: "full"}))
	assert.Error(t, engine.Eligible(backup.Producer{Name: "empty"}))
	assert.Error(t, engine.Eligible(backup.Producer{Name: "missing"}))
}

func TestMeasureSize(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "app")
	writeFile(t, dir, "a.txt", "12345")
	writeFile(t, dir, "sub/b.txt", "1234567890")

	engine := New(root, logging.NewNop())
	size, err := engine.MeasureSize(context.Background(), backup.Producer{Name: "app"}, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, int64(15), size)
}

func TestMeasureSizeCancelled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "app"), "a.txt", "12345")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := New(root, logging.NewNop())
	_, err := engine.MeasureSize(ctx, backup.Producer{Name: "app"}, 1<<20)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStreamRoundTrip(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "app")
	writeFile(t, dir, "a.txt", "alpha")
	writeFile(t, dir, "nested/b.txt", "bravo")

	out, err := os.CreateTemp(t.TempDir(), "stream")
	require.NoError(t, err)
	defer out.Close()

	engine := New(root, logging.NewNop())
	require.NoError(t, engine.Stream(context.Background(), backup.Producer{Name: "app"}, out, 1<<20))

	_, err = out.Seek(0, io.SeekStart)
	require.NoError(t, err)

	gz, err := gzip.NewReader(out)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	files := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = string(data)
	}

	assert.Equal(t, map[string]string{
		"a.txt":        "alpha",
		"nested/b.txt": "bravo",
	}, files)
}

func TestStreamQuotaAbort(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "app")

	// Incompressible payload larger than the pipe buffer so the stream
	// blocks on the first file until the test drains it.
	big := make([]byte, 256<<10)
	_, err := rand.Read(big)
	require.NoError(t, err)
	writeFile(t, dir, "aa.bin", string(big))
	writeFile(t, dir, "zz.txt", "tail")

	rd, wr, err := os.Pipe()
	require.NoError(t, err)
	defer rd.Close()
	defer wr.Close()

	engine := New(root, logging.NewNop())
	p := backup.Producer{Name: "app"}

	done := make(chan error, 1)
	go func() {
		done <- engine.Stream(context.Background(), p, wr, 1<<20)
	}()

	// Wait for the stream to register its abort flag, then arm it while
	// the writer is stalled on the full pipe.
	require.Eventually(t, func() bool {
		_, ok := engine.aborted.Load(p.Name)
		return ok
	}, time.Second, time.Millisecond)
	engine.QuotaExceeded(p, 10, 5)

	go io.Copy(io.Discard, rd)

	err = <-done
	assert.ErrorIs(t, err, backup.ErrQuotaExceeded)
}
