package chunker

import (
	"context"
	"io"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexatlas/ocr-worker/internal/errors"
)

func TestPlanSingleShortDocument(t *testing.T) {
	// A document smaller than the chunk size yields exactly one chunk.
	ranges, err := Plan(10, DefaultChunkSize)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, PageRange{Index: 0, PageStart: 1, PageEnd: 10}, ranges[0])
}

func TestPlanExactMultiple(t *testing.T) {
	// 100 pages at 25/chunk: four full chunks, no short tail.
	ranges, err := Plan(100, 25)
	require.NoError(t, err)
	require.Len(t, ranges, 4)

	assert.Equal(t, PageRange{Index: 0, PageStart: 1, PageEnd: 25}, ranges[0])
	assert.Equal(t, PageRange{Index: 1, PageStart: 26, PageEnd: 50}, ranges[1])
	assert.Equal(t, PageRange{Index: 2, PageStart: 51, PageEnd: 75}, ranges[2])
	assert.Equal(t, PageRange{Index: 3, PageStart: 76, PageEnd: 100}, ranges[3])
}

func TestPlanShortFinalChunk(t *testing.T) {
	// 60 pages at 25/chunk: the final chunk covers only 51-60.
	ranges, err := Plan(60, 25)
	require.NoError(t, err)
	require.Len(t, ranges, 3)

	assert.Equal(t, PageRange{Index: 2, PageStart: 51, PageEnd: 60}, ranges[2])
	assert.Equal(t, 10, ranges[2].Pages())
}

func TestPlanRemainderOfOne(t *testing.T) {
	// 51 pages at 25/chunk: the final chunk is the single page 51.
	ranges, err := Plan(51, 25)
	require.NoError(t, err)
	require.Len(t, ranges, 3)
	assert.Equal(t, PageRange{Index: 2, PageStart: 51, PageEnd: 51}, ranges[2])
	assert.Equal(t, 1, ranges[2].Pages())
}

func TestPlanSinglePageDocument(t *testing.T) {
	ranges, err := Plan(1, 25)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, PageRange{Index: 0, PageStart: 1, PageEnd: 1}, ranges[0])
}

func TestPlanChunkSizeOne(t *testing.T) {
	ranges, err := Plan(3, 1)
	require.NoError(t, err)
	require.Len(t, ranges, 3)
	for i, r := range ranges {
		assert.Equal(t, i+1, r.PageStart)
		assert.Equal(t, i+1, r.PageEnd)
	}
}

func TestPlanPartitionsPagesExactly(t *testing.T) {
	// For a spread of sizes, the ranges must partition [1, totalPages]:
	// ordered, contiguous, no gaps, no overlaps, and never wider than the
	// chunk size.
	for totalPages := 1; totalPages <= 130; totalPages++ {
		for _, chunkSize := range []int{1, 2, 7, 25, 200} {
			ranges, err := Plan(totalPages, chunkSize)
			require.NoError(t, err, "totalPages=%d chunkSize=%d", totalPages, chunkSize)

			expectedChunks := (totalPages + chunkSize - 1) / chunkSize
			require.Len(t, ranges, expectedChunks, "totalPages=%d chunkSize=%d", totalPages, chunkSize)

			prevEnd := 0
			for i, r := range ranges {
				require.Equal(t, i, r.Index)
				require.Equal(t, prevEnd+1, r.PageStart,
					"gap or overlap at chunk %d (totalPages=%d chunkSize=%d)", i, totalPages, chunkSize)
				require.LessOrEqual(t, r.Pages(), chunkSize)
				require.GreaterOrEqual(t, r.Pages(), 1)
				prevEnd = r.PageEnd
			}
			require.Equal(t, totalPages, prevEnd)
		}
	}
}

func TestPlanRejectsInvalidInput(t *testing.T) {
	_, err := Plan(10, 0)
	assert.Error(t, err)

	_, err = Plan(10, -3)
	assert.Error(t, err)

	_, err = Plan(0, 25)
	assert.Error(t, err)
}

func TestPageCountRejectsGarbageBytes(t *testing.T) {
	s := NewSplitter()

	_, err := s.PageCount("job-1", []byte("this is not a pdf"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrorPDFParse, errors.CodeOf(err))
	assert.False(t, errors.IsRetryable(err))
}

func TestPageCountZeroPageDocument(t *testing.T) {
	// A structurally valid PDF whose page tree is empty is terminally
	// EMPTY_PDF, distinct from unparseable bytes.
	s := NewSplitter()
	s.count = func(io.ReadSeeker, *model.Configuration) (int, error) {
		return 0, nil
	}

	_, err := s.PageCount("job-1", []byte("%PDF-1.4 empty page tree"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrorEmptyPDF, errors.CodeOf(err))
	assert.False(t, errors.IsRetryable(err))
}

func TestSplitZeroPageDocument(t *testing.T) {
	s := NewSplitter()
	s.count = func(io.ReadSeeker, *model.Configuration) (int, error) {
		return 0, nil
	}

	_, err := s.Split(context.Background(), "job-1", []byte("%PDF-1.4 empty page tree"), 25)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorEmptyPDF, errors.CodeOf(err))
}

func TestPageCountRejectsEmptyInput(t *testing.T) {
	s := NewSplitter()

	_, err := s.PageCount("job-1", nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorPDFParse, errors.CodeOf(err))
}

func TestSplitRejectsGarbageBytes(t *testing.T) {
	s := NewSplitter()

	_, err := s.Split(context.Background(), "job-1", []byte("%PDF-garbage"), 25)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorPDFParse, errors.CodeOf(err))
}

func TestSplitRejectsInvalidChunkSize(t *testing.T) {
	// Chunk size below 1 is programmer misuse, not a document problem; it
	// must surface as an error, never be silently replaced.
	s := NewSplitter()

	_, err := s.Split(context.Background(), "job-1", []byte("%PDF-1.4"), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk size")
	assert.Equal(t, errors.ErrorCode(""), errors.CodeOf(err))
}
