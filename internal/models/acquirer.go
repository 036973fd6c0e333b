package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/fxnlabs/subgen/internal/recovery"
)

// DefaultBaseURL hosts the ggml whisper models.
const DefaultBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main"

// Acquisition stages reported to ProgressFunc.
const (
	StageCached      = "cached"
	StageDownloading = "downloading"
	StageVerifying   = "verifying"
	StageReady       = "ready"
)

const lockRetryDelay = 200 * time.Millisecond

// ProgressFunc receives acquisition progress.
type ProgressFunc func(stage string, percent float64, message string)

// Acquirer downloads models into a cache directory. Concurrent acquisitions
// of the same file, across processes, are serialised with a file lock.
type Acquirer struct {
	dir     string
	baseURL string
	client  *http.Client
	digests map[string]string
	log     *zap.Logger
}

// NewAcquirer creates an acquirer. digests maps model ids to expected
// sha256 values and may be nil.
func NewAcquirer(dir, baseURL string, client *http.Client, digests map[string]string, log *zap.Logger) *Acquirer {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Acquirer{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		digests: digests,
		log:     log.Named("models"),
	}
}

// Dir returns the cache directory.
func (a *Acquirer) Dir() string { return a.dir }

// Acquire returns the local path of model id, downloading it if needed.
// An id naming an existing file is used as-is.
func (a *Acquirer) Acquire(ctx context.Context, id string, progress ProgressFunc) (string, error) {
	if progress == nil {
		progress = func(string, float64, string) {}
	}

	spec, err := Lookup(id)
	if err != nil {
		if info, statErr := os.Stat(id); statErr == nil && !info.IsDir() {
			progress(StageReady, 100, id)
			return id, nil
		}
		return "", err
	}
	if d, ok := a.digests[spec.ID]; ok {
		spec.SHA256 = d
	}

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return "", fmt.Errorf("create model cache: %w", err)
	}
	path := filepath.Join(a.dir, spec.File)

	if ok, err := a.cached(path, spec); err != nil {
		return "", err
	} else if ok {
		progress(StageCached, 100, spec.File)
		return path, nil
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return "", fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return "", fmt.Errorf("lock %s: not acquired", lock.Path())
	}
	defer func() { _ = lock.Unlock() }()

	// Another process may have finished the download while we waited.
	if ok, err := a.cached(path, spec); err != nil {
		return "", err
	} else if ok {
		progress(StageCached, 100, spec.File)
		return path, nil
	}

	if err := a.download(ctx, spec, path, progress); err != nil {
		return "", err
	}
	progress(StageReady, 100, spec.File)
	return path, nil
}

// cached reports whether a complete, verified copy exists at path. A file
// failing verification is removed.
func (a *Acquirer) cached(path string, spec Spec) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		_ = os.Remove(path)
		return false, nil
	}
	if spec.SHA256 == "" {
		return true, nil
	}
	sum, err := fileSHA256(path)
	if err != nil {
		return false, err
	}
	if !strings.EqualFold(sum, spec.SHA256) {
		a.log.Warn("cached model failed verification, removing", zap.String("path", path))
		_ = os.Remove(path)
		return false, nil
	}
	return true, nil
}

func (a *Acquirer) download(ctx context.Context, spec Spec, path string, progress ProgressFunc) error {
	url := a.baseURL + "/" + spec.File
	part := path + ".part"

	h := sha256.New()
	var offset int64
	if info, err := os.Stat(part); err == nil && info.Size() > 0 {
		if err := hashFile(part, h); err == nil {
			offset = info.Size()
		} else {
			h.Reset()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return &recovery.NetworkError{Op: "GET", URL: url, Err: err}
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flags |= os.O_APPEND
	case resp.StatusCode == http.StatusOK:
		flags |= os.O_TRUNC
		offset = 0
		h.Reset()
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		if size, ok := rangeSize(resp.Header.Get("Content-Range")); ok && size == offset {
			progress(StageVerifying, 100, spec.File)
			return a.install(spec, part, path, h)
		}
		a.log.Warn("discarding partial download the server cannot resume",
			zap.String("path", part), zap.Int64("size", offset))
		if err := os.Remove(part); err != nil {
			return fmt.Errorf("remove %s: %w", part, err)
		}
		resp.Body.Close()
		return a.download(ctx, spec, path, progress)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &recovery.NetworkError{Op: "GET", URL: url, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	default:
		return fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}

	f, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", part, err)
	}

	total := offset + resp.ContentLength
	if resp.ContentLength < 0 {
		total = int64(spec.SizeBytes)
	}
	w := &progressWriter{
		done:     offset,
		total:    total,
		report:   func(pct float64) { progress(StageDownloading, pct, spec.File) },
		lastStep: -1,
	}

	n, copyErr := io.Copy(io.MultiWriter(f, h, w), resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		return &recovery.NetworkError{Op: "read", URL: url, Err: copyErr}
	}
	if closeErr != nil {
		return fmt.Errorf("write %s: %w", part, closeErr)
	}
	if resp.ContentLength >= 0 && n < resp.ContentLength {
		return &recovery.NetworkError{Op: "read", URL: url, Err: fmt.Errorf("partial download: %w", io.ErrUnexpectedEOF)}
	}

	progress(StageVerifying, 100, spec.File)
	return a.install(spec, part, path, h)
}

// install verifies the finished part file against the expected digest, when
// one is known, and moves it into place.
func (a *Acquirer) install(spec Spec, part, path string, h hash.Hash) error {
	if spec.SHA256 != "" {
		sum := hex.EncodeToString(h.Sum(nil))
		if !strings.EqualFold(sum, spec.SHA256) {
			_ = os.Remove(part)
			return &recovery.CorruptionError{Path: path, Expected: spec.SHA256, Actual: sum}
		}
	}

	if err := os.Rename(part, path); err != nil {
		return fmt.Errorf("install %s: %w", path, err)
	}
	a.log.Info("model downloaded", zap.String("model", spec.ID), zap.String("path", path))
	return nil
}

// rangeSize parses the complete length from an unsatisfied Content-Range
// header ("bytes */1234").
func rangeSize(header string) (int64, bool) {
	rest, ok := strings.CutPrefix(header, "bytes */")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Evict removes the cached copy of model id, and any partial download, so
// the next Acquire fetches it again. Ids naming local files are left alone.
func (a *Acquirer) Evict(ctx context.Context, id string) error {
	spec, err := Lookup(id)
	if err != nil {
		return nil
	}
	path := filepath.Join(a.dir, spec.File)

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("lock %s: not acquired", lock.Path())
	}
	defer func() { _ = lock.Unlock() }()

	for _, p := range []string{path, path + ".part"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("evict %s: %w", p, err)
		}
	}
	a.log.Info("evicted cached model", zap.String("model", spec.ID), zap.String("path", path))
	return nil
}

type progressWriter struct {
	done     int64
	total    int64
	report   func(pct float64)
	lastStep int64
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.done += int64(len(p))
	if w.total > 0 {
		step := w.done * 100 / w.total
		if step != w.lastStep {
			w.lastStep = step
			w.report(float64(min(step, 100)))
		}
	}
	return len(p), nil
}

func fileSHA256(path string) (string, error) {
	h := sha256.New()
	if err := hashFile(path, h); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(path string, h hash.Hash) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(h, f)
	return err
}
