/**
 * OCR types - shared data structures for chunk OCR results.
 *
 * A provider sees one chunk at a time, so every page number it emits is
 * chunk-relative (1-based within the chunk's sub-document). Reading order is
 * scoped per page, never per chunk or per document. Rebasing to absolute
 * pages is the merger's job.
 */

package ocr

import (
	"context"
	"time"

	"github.com/lexatlas/ocr-worker/internal/chunker"
)

// BoundingBox is one positioned unit of extracted text. Inside a ChunkResult
// Page is chunk-relative; after merging it is absolute. Geometry is
// normalized to [0,1] of the page's width/height.
type BoundingBox struct {
	ID           string  `json:"id"`
	Page         int     `json:"page"`
	ReadingOrder int     `json:"readingOrderIndex"`
	Text         string  `json:"text"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Width        float64 `json:"width"`
	Height       float64 `json:"height"`
	Confidence   float64 `json:"confidence"`
}

// ChunkResult is the provider's output for a single chunk. PageStart/PageEnd
// are copied from the chunk and trusted; PageCount must equal
// PageEnd-PageStart+1 or the merge is rejected.
type ChunkResult struct {
	ChunkIndex int           `json:"chunkIndex"`
	PageStart  int           `json:"pageStart"`
	PageEnd    int           `json:"pageEnd"`
	Boxes      []BoundingBox `json:"boundingBoxes"`
	FullText   string        `json:"fullText"`
	Confidence float64       `json:"overallConfidence"`
	PageCount  int           `json:"pageCount"`

	Provider string        `json:"provider,omitempty"`
	Duration time.Duration `json:"-"`
}

// ExpectedPageCount is the page count implied by the chunk's declared range.
func (r *ChunkResult) ExpectedPageCount() int {
	return r.PageEnd - r.PageStart + 1
}

// Provider turns one chunk's bytes into chunk-relative positioned text.
// Implementations must be safe for concurrent use; the dispatcher calls
// ProcessChunk from multiple goroutines.
type Provider interface {
	Name() string
	ProcessChunk(ctx context.Context, jobID string, chunk chunker.Chunk) (*ChunkResult, error)
	HealthCheck(ctx context.Context) error
}
