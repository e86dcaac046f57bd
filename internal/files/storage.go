// ABOUTME: Disk storage for uploaded file bytes, one directory per category
// ABOUTME: Streams to a temp file while measuring size and BLAKE3 digest, then renames into place

package files

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/2389/coven-relay/internal/store"
)

// ErrTooLarge is returned when an upload exceeds the configured size limit.
var ErrTooLarge = errors.New("file exceeds size limit")

const maxExtLen = 16

// StoredFile is what Save reports about the bytes it wrote.
type StoredFile struct {
	Path   string // slash-separated, relative to the storage root
	Size   int64
	Digest string // hex BLAKE3
}

// DiskStorage writes uploads under root/{screenshots,videos,files}.
type DiskStorage struct {
	root     string
	maxBytes int64
	logger   *slog.Logger
}

// NewDiskStorage creates root and its category directories. maxBytes <= 0 disables the limit.
func NewDiskStorage(root string, maxBytes int64, logger *slog.Logger) (*DiskStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range []string{"screenshots", "videos", "files"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("creating upload directory: %w", err)
		}
	}
	return &DiskStorage{
		root:     root,
		maxBytes: maxBytes,
		logger:   logger.With("component", "storage"),
	}, nil
}

// Root returns the storage root directory.
func (d *DiskStorage) Root() string {
	return d.root
}

// Save streams r to a new file for category. The original filename only
// contributes its extension.
func (d *DiskStorage) Save(ctx context.Context, category store.FileCategory, filename string, r io.Reader) (*StoredFile, error) {
	rel := path.Join(categoryDir(category), uuid.New().String()+safeExt(filename))
	final := filepath.Join(d.root, filepath.FromSlash(rel))

	tmp, err := os.CreateTemp(filepath.Dir(final), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		// no-op once renamed
		_ = os.Remove(tmp.Name())
	}()

	src := r
	if d.maxBytes > 0 {
		src = io.LimitReader(r, d.maxBytes+1)
	}

	hasher := blake3.New()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), readerWithContext(ctx, src))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("writing upload: %w", err)
	}
	if d.maxBytes > 0 && n > d.maxBytes {
		return nil, ErrTooLarge
	}

	if err := os.Rename(tmp.Name(), final); err != nil {
		return nil, fmt.Errorf("storing upload: %w", err)
	}

	d.logger.Debug("stored upload", "path", rel, "size", n)
	return &StoredFile{
		Path:   rel,
		Size:   n,
		Digest: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Remove deletes a previously saved file. Missing files are ignored.
func (d *DiskStorage) Remove(rel string) error {
	clean := path.Clean("/" + rel)[1:]
	if clean == "" {
		return nil
	}
	err := os.Remove(filepath.Join(d.root, filepath.FromSlash(clean)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func categoryDir(c store.FileCategory) string {
	switch c {
	case store.CategoryScreenshot:
		return "screenshots"
	case store.CategoryVideo:
		return "videos"
	default:
		return "files"
	}
}

func safeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if len(ext) > maxExtLen {
		return ""
	}
	for _, r := range ext[min(1, len(ext)):] {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return ext
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
