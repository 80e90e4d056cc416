package extract

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/stellarlinkco/caseintake/internal/evidence"
	"github.com/unidoc/unipdf/v3/common/license"
	"github.com/unidoc/unipdf/v3/extractor"
	pdfmodel "github.com/unidoc/unipdf/v3/model"
)

var licenseOnce sync.Once

// PDFExtractor reads the embedded text layer page by page.
type PDFExtractor struct {
	// PageOCR, when set, transcribes pages whose text layer is empty.
	// Receives the PDF path and the 1-based page index.
	PageOCR func(ctx context.Context, path string, page int) (string, error)
}

// NewPDFExtractor registers the unidoc metered key once per process.
// An empty key leaves unipdf in its unlicensed mode.
func NewPDFExtractor(licenseKey string) *PDFExtractor {
	if key := strings.TrimSpace(licenseKey); key != "" {
		licenseOnce.Do(func() {
			if err := license.SetMeteredKey(key); err != nil {
				log.Printf("[extract] unidoc license: %v", err)
			}
		})
	}
	return &PDFExtractor{}
}

func (p *PDFExtractor) Extract(ctx context.Context, path string) (Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return Document{}, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	reader, err := pdfmodel.NewPdfReader(f)
	if err != nil {
		return Document{}, fmt.Errorf("read pdf %s: %w", filepath.Base(path), err)
	}
	numPages, err := reader.GetNumPages()
	if err != nil {
		return Document{}, fmt.Errorf("count pages: %w", err)
	}

	doc := Document{Pages: make([]Page, 0, numPages)}
	texts := make([]string, 0, numPages)
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return Document{}, err
		}
		page, err := reader.GetPage(i)
		if err != nil {
			return Document{}, fmt.Errorf("get page %d: %w", i, err)
		}
		ex, err := extractor.New(page)
		if err != nil {
			return Document{}, fmt.Errorf("page %d extractor: %w", i, err)
		}
		text, err := ex.ExtractText()
		if err != nil {
			return Document{}, fmt.Errorf("extract page %d: %w", i, err)
		}
		if strings.TrimSpace(text) == "" && p.PageOCR != nil {
			text, err = p.PageOCR(ctx, path, i)
			if err != nil {
				return Document{}, fmt.Errorf("ocr page %d: %w", i, err)
			}
		}
		text = evidence.NormalizeText(text)
		doc.Pages = append(doc.Pages, Page{Index: i, Text: text})
		texts = append(texts, text)
	}
	doc.Full = evidence.NormalizeText(strings.Join(texts, "\n\n"))
	return doc, nil
}
