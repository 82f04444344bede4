/**
 * Chunker - splits a scanned PDF into bounded-size page-range chunks.
 *
 * The OCR provider caps pages per request, so a document is processed as
 * ceil(totalPages/chunkSize) contiguous chunks. The planned ranges partition
 * [1, totalPages] exactly: ordered, no gaps, no overlaps. The merger depends
 * on that guarantee and never re-derives it.
 */

package chunker

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/lexatlas/ocr-worker/internal/errors"
	"github.com/lexatlas/ocr-worker/internal/logging"
)

// DefaultChunkSize is the provider's page-count limit per request.
const DefaultChunkSize = 25

// PageRange is a planned chunk span. PageStart and PageEnd are 1-based,
// inclusive and absolute with respect to the original document.
type PageRange struct {
	Index     int
	PageStart int
	PageEnd   int
}

// Pages returns the number of pages covered by the range.
func (r PageRange) Pages() int {
	return r.PageEnd - r.PageStart + 1
}

func (r PageRange) String() string {
	return fmt.Sprintf("%d-%d", r.PageStart, r.PageEnd)
}

// Chunk is a planned range plus the sub-PDF holding exactly those pages.
type Chunk struct {
	Index     int
	PageStart int
	PageEnd   int
	Data      []byte
}

// Range returns the chunk's page range.
func (c Chunk) Range() PageRange {
	return PageRange{Index: c.Index, PageStart: c.PageStart, PageEnd: c.PageEnd}
}

// Plan computes the chunk ranges for a document without touching its bytes.
// Pure arithmetic, kept separate from PDF handling so the partition property
// is testable on its own.
func Plan(totalPages, chunkSize int) ([]PageRange, error) {
	if chunkSize < 1 {
		return nil, fmt.Errorf("chunk size must be at least 1, got %d", chunkSize)
	}
	if totalPages < 1 {
		return nil, fmt.Errorf("total pages must be at least 1, got %d", totalPages)
	}

	chunkCount := (totalPages + chunkSize - 1) / chunkSize
	ranges := make([]PageRange, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		start := i*chunkSize + 1
		end := (i + 1) * chunkSize
		if end > totalPages {
			end = totalPages
		}
		ranges = append(ranges, PageRange{Index: i, PageStart: start, PageEnd: end})
	}
	return ranges, nil
}

// Splitter turns document bytes into OCR-ready chunks using pdfcpu.
type Splitter struct {
	conf   *model.Configuration
	count  func(rs io.ReadSeeker, conf *model.Configuration) (int, error)
	logger *logging.Logger
}

// NewSplitter creates a splitter. Validation is relaxed because scanned
// court filings frequently carry slightly malformed xref tables that still
// render fine.
func NewSplitter() *Splitter {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	return &Splitter{
		conf:   conf,
		count:  api.PageCount,
		logger: logging.NewLogger("chunker"),
	}
}

// PageCount parses the document and returns its page count.
// Fails with PDF_PARSE_ERROR for unreadable bytes and EMPTY_PDF for a
// zero-page document; both are terminal for the job.
func (s *Splitter) PageCount(jobID string, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, errors.NewPDFParseError(jobID, fmt.Errorf("empty input"))
	}

	totalPages, err := s.count(bytes.NewReader(data), s.conf)
	if err != nil {
		return 0, errors.NewPDFParseError(jobID, err)
	}

	if totalPages == 0 {
		return 0, errors.NewEmptyPDFError(jobID)
	}

	return totalPages, nil
}

// Split parses the document, plans the chunk ranges and extracts one sub-PDF
// per range containing exactly the pages [PageStart, PageEnd]. Returned
// chunks are ordered by Index.
func (s *Splitter) Split(ctx context.Context, jobID string, data []byte, chunkSize int) ([]Chunk, error) {
	if chunkSize < 1 {
		return nil, fmt.Errorf("chunk size must be at least 1, got %d", chunkSize)
	}

	totalPages, err := s.PageCount(jobID, data)
	if err != nil {
		return nil, err
	}

	ranges, err := Plan(totalPages, chunkSize)
	if err != nil {
		return nil, errors.NewPDFParseError(jobID, err)
	}

	s.logger.WithJob(jobID).Info("Planned document chunks",
		"totalPages", totalPages, "chunkSize", chunkSize, "chunkCount", len(ranges))

	chunks := make([]Chunk, 0, len(ranges))
	for _, r := range ranges {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var buf bytes.Buffer
		if err := api.Trim(bytes.NewReader(data), &buf, []string{r.String()}, s.conf); err != nil {
			return nil, errors.NewPDFParseError(jobID, fmt.Errorf("extracting pages %s: %w", r, err))
		}

		chunks = append(chunks, Chunk{
			Index:     r.Index,
			PageStart: r.PageStart,
			PageEnd:   r.PageEnd,
			Data:      buf.Bytes(),
		})
	}

	return chunks, nil
}
