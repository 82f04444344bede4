/**
 * Tesseract OCR provider - local fallback when no remote service is
 * configured (offline development, air-gapped deployments).
 *
 * Renders the chunk's sub-PDF to page images with pdftoppm, then extracts
 * line-level bounding boxes per page with Tesseract. Pages are numbered by
 * render order, which for a chunk sub-PDF is exactly the chunk-relative
 * numbering the contract requires.
 */

package ocr

import (
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "image/jpeg"

	"github.com/google/uuid"
	"github.com/otiai10/gosseract/v2"

	"github.com/lexatlas/ocr-worker/internal/chunker"
	"github.com/lexatlas/ocr-worker/internal/errors"
	"github.com/lexatlas/ocr-worker/internal/logging"
)

// TesseractProvider runs OCR locally.
type TesseractProvider struct {
	language string
	dpi      int
	tempDir  string
	logger   *logging.Logger
}

// TesseractConfig holds provider settings.
type TesseractConfig struct {
	Language string // Tesseract language code, e.g. "eng"
	DPI      int    // Render resolution (default 300)
	TempDir  string // Scratch space for page images
}

// NewTesseractProvider creates the local provider.
func NewTesseractProvider(cfg TesseractConfig) (*TesseractProvider, error) {
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}

	return &TesseractProvider{
		language: cfg.Language,
		dpi:      cfg.DPI,
		tempDir:  cfg.TempDir,
		logger:   logging.NewLogger("ocr-tesseract"),
	}, nil
}

// Name identifies the provider in job records.
func (p *TesseractProvider) Name() string {
	return "tesseract"
}

// ProcessChunk renders and OCRs every page of the chunk.
func (p *TesseractProvider) ProcessChunk(ctx context.Context, jobID string, chunk chunker.Chunk) (*ChunkResult, error) {
	startTime := time.Now()

	workDir, err := os.MkdirTemp(p.tempDir, fmt.Sprintf("chunk-%d-", chunk.Index))
	if err != nil {
		return nil, errors.NewOCRProviderError(jobID, chunk.Index, err)
	}
	defer os.RemoveAll(workDir)

	pageImages, err := p.renderPages(ctx, workDir, chunk.Data)
	if err != nil {
		return nil, errors.NewOCRProviderError(jobID, chunk.Index, err)
	}

	expectedPages := chunk.Range().Pages()
	if len(pageImages) != expectedPages {
		return nil, errors.NewOCRProviderError(jobID, chunk.Index,
			fmt.Errorf("rendered %d pages, chunk spans %d", len(pageImages), expectedPages))
	}

	var boxes []BoundingBox
	pageTexts := make([]string, 0, len(pageImages))
	var confidenceSum float64
	var confidenceCount int

	client := gosseract.NewClient()
	defer client.Close()
	if err := client.SetLanguage(p.language); err != nil {
		return nil, errors.NewOCRProviderError(jobID, chunk.Index, err)
	}

	for relPage, imagePath := range pageImages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pageBoxes, pageText, err := p.extractPage(client, imagePath, relPage+1)
		if err != nil {
			return nil, errors.NewOCRProviderError(jobID, chunk.Index,
				fmt.Errorf("page %d: %w", relPage+1, err))
		}

		boxes = append(boxes, pageBoxes...)
		pageTexts = append(pageTexts, pageText)
		for _, box := range pageBoxes {
			confidenceSum += box.Confidence
			confidenceCount++
		}
	}

	confidence := 0.0
	if confidenceCount > 0 {
		confidence = confidenceSum / float64(confidenceCount)
	}

	result := &ChunkResult{
		ChunkIndex: chunk.Index,
		PageStart:  chunk.PageStart,
		PageEnd:    chunk.PageEnd,
		Boxes:      boxes,
		FullText:   strings.Join(pageTexts, "\n\n"),
		Confidence: confidence,
		PageCount:  expectedPages,
		Provider:   p.Name(),
		Duration:   time.Since(startTime),
	}

	p.logger.WithJob(jobID).Debug("Tesseract chunk complete",
		"chunkIndex", chunk.Index, "pages", expectedPages,
		"boxes", len(boxes), "duration", result.Duration)

	return result, nil
}

// HealthCheck verifies the tesseract and pdftoppm binaries are present.
func (p *TesseractProvider) HealthCheck(ctx context.Context) error {
	if _, err := exec.LookPath("pdftoppm"); err != nil {
		return fmt.Errorf("pdftoppm not found: %w", err)
	}
	client := gosseract.NewClient()
	defer client.Close()
	if version := client.Version(); version == "" {
		return fmt.Errorf("tesseract not available")
	}
	return nil
}

// renderPages writes the sub-PDF and renders one JPEG per page, returning
// paths sorted by page number.
func (p *TesseractProvider) renderPages(ctx context.Context, workDir string, data []byte) ([]string, error) {
	pdfPath := filepath.Join(workDir, "chunk.pdf")
	if err := os.WriteFile(pdfPath, data, 0o600); err != nil {
		return nil, err
	}

	prefix := filepath.Join(workDir, "page")
	cmd := exec.CommandContext(ctx, "pdftoppm", "-jpeg", "-r", strconv.Itoa(p.dpi), pdfPath, prefix)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}

	matches, err := filepath.Glob(prefix + "-*.jpg")
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no rendered pages found")
	}

	sort.Slice(matches, func(i, j int) bool {
		return pageIndexFromName(matches[i]) < pageIndexFromName(matches[j])
	})
	return matches, nil
}

// extractPage OCRs one page image into line-level boxes with normalized
// geometry. Reading order is assigned per page from Tesseract's natural
// line order, 0-based.
func (p *TesseractProvider) extractPage(client *gosseract.Client, imagePath string, relativePage int) ([]BoundingBox, string, error) {
	width, height, err := imageSize(imagePath)
	if err != nil {
		return nil, "", err
	}

	if err := client.SetImage(imagePath); err != nil {
		return nil, "", err
	}

	lines, err := client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, "", err
	}

	boxes := make([]BoundingBox, 0, len(lines))
	textParts := make([]string, 0, len(lines))
	readingOrder := 0
	for _, line := range lines {
		text := strings.TrimSpace(line.Word)
		if text == "" {
			continue
		}

		boxes = append(boxes, BoundingBox{
			ID:           uuid.New().String(),
			Page:         relativePage,
			ReadingOrder: readingOrder,
			Text:         text,
			X:            float64(line.Box.Min.X) / float64(width),
			Y:            float64(line.Box.Min.Y) / float64(height),
			Width:        float64(line.Box.Dx()) / float64(width),
			Height:       float64(line.Box.Dy()) / float64(height),
			Confidence:   clampUnit(line.Confidence / 100.0),
		})
		textParts = append(textParts, text)
		readingOrder++
	}

	return boxes, strings.Join(textParts, "\n"), nil
}

func imageSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return 0, 0, fmt.Errorf("degenerate image dimensions %dx%d", cfg.Width, cfg.Height)
	}
	return cfg.Width, cfg.Height, nil
}

// pageIndexFromName parses the page number out of a pdftoppm output name
// like page-03.jpg.
func pageIndexFromName(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	idx := strings.LastIndex(base, "-")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(base[idx+1:])
	if err != nil {
		return 0
	}
	return n
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
