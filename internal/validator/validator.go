/**
 * Validator - last line of defense against arithmetic bugs in the merger.
 *
 * ValidateRange must pass before a merged result is persisted or exposed to
 * any downstream consumer; a failure terminally fails the document and
 * nothing partial is ever stored. ValidateBoundaries only surfaces
 * suspicious chunk-boundary patterns for operators - blank pages are
 * legitimate, so it never fails a document.
 */

package validator

import (
	"fmt"

	"github.com/lexatlas/ocr-worker/internal/chunker"
	"github.com/lexatlas/ocr-worker/internal/logging"
	"github.com/lexatlas/ocr-worker/internal/ocr"
)

// PageValidationError reports a merged bounding box whose absolute page
// falls outside [1, TotalPages].
type PageValidationError struct {
	BoxID      string
	Page       int
	TotalPages int
}

func (e *PageValidationError) Error() string {
	return fmt.Sprintf("bounding box %s has page %d outside expected range [1,%d]",
		e.BoxID, e.Page, e.TotalPages)
}

// BoundaryWarning flags a chunk-boundary page with no bounding boxes.
type BoundaryWarning struct {
	ChunkIndex int
	Page       int
	Edge       string // "start" or "end"
}

// ValidateRange checks that every bounding box carries an absolute page in
// [1, totalPages]. Returns a *PageValidationError for the first violation.
func ValidateRange(boxes []ocr.BoundingBox, totalPages int) error {
	for i := range boxes {
		box := &boxes[i]
		if box.Page < 1 || box.Page > totalPages {
			return &PageValidationError{
				BoxID:      box.ID,
				Page:       box.Page,
				TotalPages: totalPages,
			}
		}
	}
	return nil
}

// ValidateBoundaries warns for every chunk-boundary page (a chunk's first or
// last page) that has no bounding box at all. Historically chunk edges are
// where rebasing bugs hide, so empty boundary pages are worth an operator's
// glance even though a blank page is perfectly valid.
func ValidateBoundaries(boxes []ocr.BoundingBox, ranges []chunker.PageRange) []BoundaryWarning {
	logger := logging.NewLogger("validator")

	covered := make(map[int]bool, len(boxes))
	for i := range boxes {
		covered[boxes[i].Page] = true
	}

	var warnings []BoundaryWarning
	for _, rng := range ranges {
		if !covered[rng.PageStart] {
			warnings = append(warnings, BoundaryWarning{ChunkIndex: rng.Index, Page: rng.PageStart, Edge: "start"})
		}
		if rng.PageEnd != rng.PageStart && !covered[rng.PageEnd] {
			warnings = append(warnings, BoundaryWarning{ChunkIndex: rng.Index, Page: rng.PageEnd, Edge: "end"})
		}
	}

	for _, w := range warnings {
		logger.Warn("No bounding boxes on chunk boundary page",
			"chunkIndex", w.ChunkIndex, "page", w.Page, "edge", w.Edge)
	}

	return warnings
}
