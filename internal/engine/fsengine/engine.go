// Package fsengine implements the backup.Engine interface over a local
// data directory. Each producer maps to a subdirectory of the data root;
// streaming packages that subdirectory as a gzip-compressed tar archive.
package fsengine

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/charlievieth/fastwalk"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/devicekit/backupd/internal/backup"
	"github.com/devicekit/backupd/internal/logging"
)

// Engine reads producer data from subdirectories of a data root.
type Engine struct {
	root string
	log  *logging.Logger

	// aborted holds a *atomic.Bool per producer with an in-flight stream
	// that was told to wind down.
	aborted sync.Map
}

// New creates an engine rooted at dir.
func New(dir string, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.NewNop()
	}
	return &Engine{
		root: dir,
		log:  log.Named("fsengine"),
	}
}

// List returns the producers found under the data root, sorted by name.
func (e *Engine) List() ([]backup.Producer, error) {
	entries, err := os.ReadDir(e.root)
	if err != nil {
		return nil, fmt.Errorf("read data root: %w", err)
	}

	var producers []backup.Producer
	for _, entry := range entries {
		if entry.IsDir() {
			producers = append(producers, backup.Producer{Name: entry.Name()})
		}
	}
	sort.Slice(producers, func(i, j int) bool {
		return producers[i].Name < producers[j].Name
	})
	return producers, nil
}

// Eligible reports whether p has backable data. It satisfies the
// backup.Eligibility signature.
func (e *Engine) Eligible(p backup.Producer) error {
	dir := filepath.Join(e.root, p.Name)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("producer %q: %w", p.Name, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("producer %q: not a directory", p.Name)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("producer %q: %w", p.Name, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("producer %q: no data", p.Name)
	}
	return nil
}

// MeasureSize walks the producer's directory and sums regular file sizes.
// The walk runs files in parallel and stops early once the sum passes
// quota, since the caller only needs to know the ceiling was crossed.
func (e *Engine) MeasureSize(ctx context.Context, p backup.Producer, quota int64) (int64, error) {
	dir := filepath.Join(e.root, p.Name)

	var total atomic.Int64
	conf := fastwalk.Config{Follow: false}

	err := fastwalk.Walk(&conf, dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if sum := total.Add(info.Size()); quota > 0 && sum > quota {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure %q: %w", p.Name, err)
	}

	size := total.Load()
	e.log.Debug("Measured producer",
		zap.String("producer", p.Name),
		zap.Int64("size", size))
	return size, nil
}

// Stream writes the producer's directory as a tar.gz archive into out.
// The caller owns out; the engine only flushes its own compressor.
func (e *Engine) Stream(ctx context.Context, p backup.Producer, out *os.File, quota int64) error {
	dir := filepath.Join(e.root, p.Name)

	flag := &atomic.Bool{}
	e.aborted.Store(p.Name, flag)
	defer e.aborted.Delete(p.Name)

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if flag.Load() {
			return backup.ErrQuotaExceeded
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})

	// Close the archive writers even on error so partial state is not
	// left buffered; the walk error wins.
	if err := tw.Close(); walkErr == nil {
		walkErr = err
	}
	if err := gz.Close(); walkErr == nil {
		walkErr = err
	}

	if walkErr != nil {
		return fmt.Errorf("stream %q: %w", p.Name, walkErr)
	}
	return nil
}

// QuotaExceeded flags p's in-flight stream to abort.
func (e *Engine) QuotaExceeded(p backup.Producer, seen, quota int64) {
	e.log.Warn("Quota exceeded mid-stream",
		zap.String("producer", p.Name),
		zap.Int64("seen", seen),
		zap.Int64("quota", quota))

	if v, ok := e.aborted.Load(p.Name); ok {
		v.(*atomic.Bool).Store(true)
	}
}
