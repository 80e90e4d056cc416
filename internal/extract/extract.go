package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stellarlinkco/caseintake/internal/evidence"
)

// ErrUnsupported is returned for file types no extractor handles.
var ErrUnsupported = errors.New("unsupported file type")

// Page is the text of one page; Index starts at 1.
type Page struct {
	Index int
	Text  string
}

// Document is the extraction result. Pages is empty for single-unit files
// such as images.
type Document struct {
	Full  string
	Pages []Page
}

// Extractor turns a file on disk into text.
type Extractor interface {
	Extract(ctx context.Context, path string) (Document, error)
}

// Router dispatches on file extension.
type Router struct {
	PDF   Extractor
	Image Extractor
	Text  Extractor
}

func (r *Router) Extract(ctx context.Context, path string) (Document, error) {
	var ex Extractor
	switch Kind(path) {
	case KindPDF:
		ex = r.PDF
	case KindImage:
		ex = r.Image
	case KindText:
		ex = r.Text
	}
	if ex == nil {
		return Document{}, fmt.Errorf("extract %s: %w", filepath.Base(path), ErrUnsupported)
	}
	return ex.Extract(ctx, path)
}

type FileKind int

const (
	KindUnknown FileKind = iota
	KindPDF
	KindImage
	KindText
)

var imageTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".gif":  "image/gif",
}

// Kind classifies path by its extension.
func Kind(path string) FileKind {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == ".pdf":
		return KindPDF
	case imageTypes[ext] != "":
		return KindImage
	case ext == ".txt" || ext == ".md":
		return KindText
	default:
		return KindUnknown
	}
}

// TextExtractor reads plain text files as a single unit.
type TextExtractor struct{}

func (TextExtractor) Extract(ctx context.Context, path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return Document{Full: evidence.NormalizeText(string(data))}, nil
}
