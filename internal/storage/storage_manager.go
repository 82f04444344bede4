/**
 * Storage manager for the OCR pipeline worker.
 *
 * Coordinates PostgreSQL (jobs, merged results, bounding boxes) and Qdrant
 * (page-text vectors for search). PostgreSQL is the source of truth; page
 * indexing follows it and is rolled back from Qdrant if anything in the
 * index batch fails, so search never returns pages without a backing row.
 */

package storage

import (
	"context"
	"fmt"

	"github.com/lexatlas/ocr-worker/internal/merger"
)

// StorageManager coordinates PostgreSQL and Qdrant operations
type StorageManager struct {
	postgres *PostgresClient
	qdrant   *QdrantClient
}

// PageEmbedding pairs an absolute page with its embedding vector.
type PageEmbedding struct {
	Page   int
	Vector []float32
}

// NewStorageManager creates a new storage manager
func NewStorageManager(postgresURL string, qdrantAddress string, qdrantCollection string) (*StorageManager, error) {
	postgres, err := NewPostgresClient(postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	qdrant, err := NewQdrantClient(qdrantAddress, qdrantCollection)
	if err != nil {
		postgres.Close() // Cleanup on failure
		return nil, fmt.Errorf("failed to initialize Qdrant client: %w", err)
	}

	return &StorageManager{
		postgres: postgres,
		qdrant:   qdrant,
	}, nil
}

// StoreMergedResult persists a validated merged result transactionally and
// returns the new result ID. The caller guarantees validation has passed;
// this layer never re-validates page arithmetic.
func (sm *StorageManager) StoreMergedResult(ctx context.Context, jobID string, result *merger.MergedResult) (string, error) {
	return sm.postgres.StoreMergedResult(ctx, jobID, result)
}

// IndexPages replaces the document's page vectors in Qdrant. Stale points
// from an earlier processing run are dropped first.
func (sm *StorageManager) IndexPages(ctx context.Context, documentID, jobID string, embeddings []PageEmbedding) error {
	if len(embeddings) == 0 {
		return nil
	}

	if err := sm.qdrant.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("failed to clear stale page index: %w", err)
	}

	points := make([]*PagePoint, 0, len(embeddings))
	for _, emb := range embeddings {
		points = append(points, &PagePoint{
			DocumentID: documentID,
			JobID:      jobID,
			Page:       emb.Page,
			Vector:     emb.Vector,
		})
	}

	if err := sm.qdrant.UpsertPages(ctx, points); err != nil {
		// Roll back the partial index rather than leave a half-indexed doc.
		sm.qdrant.DeleteDocument(ctx, documentID)
		return fmt.Errorf("failed to index pages: %w", err)
	}

	return nil
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.postgres.UpdateJobStatus(ctx, update)
}

// GetJobByID retrieves job by ID
func (sm *StorageManager) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	return sm.postgres.GetJobByID(ctx, jobID)
}

// Ping checks PostgreSQL connectivity.
func (sm *StorageManager) Ping(ctx context.Context) error {
	return sm.postgres.Ping(ctx)
}

// GetStats returns statistics from both systems
func (sm *StorageManager) GetStats(ctx context.Context) (map[string]interface{}, error) {
	pgStats := sm.postgres.GetStats()

	qdrantStats, err := sm.qdrant.GetCollectionInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Qdrant stats: %w", err)
	}

	return map[string]interface{}{
		"postgres": map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		},
		"qdrant": qdrantStats,
	}, nil
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var pgErr, qdErr error

	if sm.postgres != nil {
		pgErr = sm.postgres.Close()
	}

	if sm.qdrant != nil {
		qdErr = sm.qdrant.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}

	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}

	return nil
}
