package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// URLPrefix is where the API serves documents written by DiskStore.
const URLPrefix = "/uploads/"

// DiskStore writes documents into a local directory.
type DiskStore struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time
}

func NewDiskStore(dir string, logger *zap.Logger) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiskStore{dir: dir, logger: logger, now: time.Now}, nil
}

func (d *DiskStore) Dir() string { return d.dir }

// Put writes body to a new file and returns its URL path under URLPrefix.
func (d *DiskStore) Put(ctx context.Context, filename, _ string, body io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := objectName(d.now(), filename)
	f, err := os.OpenFile(filepath.Join(d.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("failed to create document: %w", err)
	}

	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write document: %w", err)
	}

	d.logger.Debug("document stored", zap.String("name", name), zap.Int64("bytes", n))
	return URLPrefix + name, nil
}

// Delete removes a file previously returned by Put.
func (d *DiskStore) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, ok := strings.CutPrefix(ref, URLPrefix)
	if !ok || name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrUnknownRef, ref)
	}
	if err := os.Remove(filepath.Join(d.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	d.logger.Debug("document deleted", zap.String("name", name))
	return nil
}
