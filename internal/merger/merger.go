/**
 * Merger - recombines per-chunk OCR results into one document-level result
 * with absolute page numbers.
 *
 * This is pure arithmetic over immutable inputs, but it is the trust-critical
 * part of the pipeline: an off-by-one here silently corrupts every page cited
 * or highlighted downstream. The offset for a chunk is PageStart-1, NOT
 * chunkIndex*chunkSize - the final chunk may be shorter than the chunk size.
 */

package merger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lexatlas/ocr-worker/internal/chunker"
	"github.com/lexatlas/ocr-worker/internal/errors"
	"github.com/lexatlas/ocr-worker/internal/ocr"
)

// TextSeparator joins chunk full texts, matching the per-page separator used
// when page texts are reassembled for indexing.
const TextSeparator = "\n\n"

// MergedResult is the document-level OCR result. Every box carries an
// absolute page in [1, PageCount]; downstream consumers treat these as
// ground truth once the validator has passed them.
type MergedResult struct {
	DocumentID string            `json:"documentId"`
	Boxes      []ocr.BoundingBox `json:"boundingBoxes"`
	FullText   string            `json:"fullText"`
	PageCount  int               `json:"pageCount"`
	Confidence float64           `json:"overallConfidence"`
}

// PageText is the concatenated text of a single absolute page.
type PageText struct {
	Page int
	Text string
}

// Merge combines one ChunkResult per planned range into a MergedResult.
// Results may arrive in any order; they are sorted by chunk index before
// concatenation, so the output is a pure function of the result set.
// A missing chunk, a duplicate, a range mismatch or an inconsistent
// PageCount fails the whole merge with MERGE_VALIDATION_ERROR - the merger
// never proceeds with partial or assumed data.
func Merge(documentID string, ranges []chunker.PageRange, results []ocr.ChunkResult) (*MergedResult, error) {
	if len(ranges) == 0 {
		return nil, errors.NewMergeValidationError(documentID, "no chunk ranges to merge against", nil)
	}

	byIndex := make(map[int]*ocr.ChunkResult, len(results))
	for i := range results {
		r := &results[i]
		if _, dup := byIndex[r.ChunkIndex]; dup {
			return nil, errors.NewMergeValidationError(documentID,
				fmt.Sprintf("duplicate result for chunk %d", r.ChunkIndex),
				map[string]interface{}{"chunk_index": r.ChunkIndex})
		}
		byIndex[r.ChunkIndex] = r
	}

	ordered := make([]*ocr.ChunkResult, 0, len(ranges))
	for _, rng := range ranges {
		res, ok := byIndex[rng.Index]
		if !ok {
			return nil, errors.NewMergeValidationError(documentID,
				fmt.Sprintf("missing result for chunk %d (pages %s)", rng.Index, rng),
				map[string]interface{}{"chunk_index": rng.Index, "page_start": rng.PageStart, "page_end": rng.PageEnd})
		}
		if res.PageStart != rng.PageStart || res.PageEnd != rng.PageEnd {
			return nil, errors.NewMergeValidationError(documentID,
				fmt.Sprintf("chunk %d declares pages %d-%d, planned %s", rng.Index, res.PageStart, res.PageEnd, rng),
				map[string]interface{}{"chunk_index": rng.Index})
		}
		if res.PageCount != res.ExpectedPageCount() {
			return nil, errors.NewMergeValidationError(documentID,
				fmt.Sprintf("chunk %d reports %d pages for range %s", rng.Index, res.PageCount, rng),
				map[string]interface{}{
					"chunk_index":    rng.Index,
					"reported_pages": res.PageCount,
					"expected_pages": res.ExpectedPageCount(),
				})
		}
		ordered = append(ordered, res)
	}
	if len(results) > len(ranges) {
		return nil, errors.NewMergeValidationError(documentID,
			fmt.Sprintf("%d results for %d planned chunks", len(results), len(ranges)),
			nil)
	}

	totalPages := ranges[len(ranges)-1].PageEnd

	var boxes []ocr.BoundingBox
	texts := make([]string, 0, len(ordered))
	for _, res := range ordered {
		// The absolute page immediately preceding this chunk's first page.
		offset := res.PageStart - 1
		for _, box := range res.Boxes {
			rebased := box
			rebased.Page = box.Page + offset
			boxes = append(boxes, rebased)
		}
		texts = append(texts, res.FullText)
	}

	return &MergedResult{
		DocumentID: documentID,
		Boxes:      boxes,
		FullText:   strings.Join(texts, TextSeparator),
		PageCount:  totalPages,
		Confidence: CombineConfidence(ordered),
	}, nil
}

// CombineConfidence aggregates chunk confidences into one document figure:
// the page-count-weighted mean, so a one-page trailing chunk does not carry
// the weight of a full 25-page chunk. Sanitized to 4 decimals in [0,1].
func CombineConfidence(results []*ocr.ChunkResult) float64 {
	var weighted float64
	var pages int
	for _, res := range results {
		weighted += res.Confidence * float64(res.PageCount)
		pages += res.PageCount
	}
	if pages == 0 {
		return 0
	}
	return sanitizeConfidence(weighted / float64(pages))
}

// PageTexts groups a merged result's box text by absolute page, preserving
// reading order within each page. Pages without boxes are omitted.
func PageTexts(result *MergedResult) []PageText {
	byPage := make(map[int][]ocr.BoundingBox)
	for _, box := range result.Boxes {
		byPage[box.Page] = append(byPage[box.Page], box)
	}

	pages := make([]int, 0, len(byPage))
	for page := range byPage {
		pages = append(pages, page)
	}
	sort.Ints(pages)

	out := make([]PageText, 0, len(pages))
	for _, page := range pages {
		boxes := byPage[page]
		sort.SliceStable(boxes, func(i, j int) bool {
			return boxes[i].ReadingOrder < boxes[j].ReadingOrder
		})
		parts := make([]string, 0, len(boxes))
		for _, box := range boxes {
			parts = append(parts, box.Text)
		}
		out = append(out, PageText{Page: page, Text: strings.Join(parts, "\n")})
	}
	return out
}

// sanitizeConfidence rounds to 4 decimal places and clamps to [0,1].
// Float64 representations like 0.9632000000000001 trip NUMERIC(5,4) casts
// when the value reaches PostgreSQL.
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}
