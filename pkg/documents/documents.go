// Package documents stores the identity document images borrowers upload when they
// apply for a loan. A stored document is referred to by an opaque string reference.
package documents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrUnsupportedType is returned for uploads that are not images or PDFs.
	ErrUnsupportedType = errors.New("unsupported document type")
	// ErrUnknownRef is returned by Delete for references the store did not issue.
	ErrUnknownRef = errors.New("unknown document reference")
)

var allowedTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/gif":       true,
	"image/webp":      true,
	"application/pdf": true,
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Store persists a document and returns a reference to it. Delete removes a
// document by that reference; deleting one that is already gone is not an error.
type Store interface {
	Put(ctx context.Context, filename, contentType string, body io.Reader) (string, error)
	Delete(ctx context.Context, ref string) error
}

// Sniff detects the content type from the first bytes of body and rejects anything
// that is not an accepted document format. The returned reader replays the sniffed
// bytes.
func Sniff(body io.Reader) (string, io.Reader, error) {
	br := bufio.NewReaderSize(body, 512)
	head, err := br.Peek(512)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", nil, fmt.Errorf("failed to read document: %w", err)
	}
	if len(head) == 0 {
		return "", nil, fmt.Errorf("%w: empty file", ErrUnsupportedType)
	}

	contentType := http.DetectContentType(head)
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	if !allowedTypes[contentType] {
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}
	return contentType, br, nil
}

// objectName builds "<unix millis>-<sanitized upload name>".
func objectName(now time.Time, filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	base = unsafeChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if base == "" {
		base = "document"
	}
	return fmt.Sprintf("%d-%s", now.UnixMilli(), base)
}

var (
	_ Store = (*DiskStore)(nil)
	_ Store = (*S3Store)(nil)
)
