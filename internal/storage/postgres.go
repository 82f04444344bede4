/**
 * PostgreSQL client for the OCR pipeline worker.
 *
 * Owns job status persistence and the merged-result tables. The storage
 * contract with the pipeline core is narrow: only validated merged results
 * are ever handed to StoreMergedResult.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/lexatlas/ocr-worker/internal/merger"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	DocumentID       string
	Status           string
	Confidence       float64
	ProcessingTimeMs int64
	MergedResultID   string
	ErrorCode        string
	ErrorMessage     string
	ProviderUsed     string
	Metadata         map[string]interface{}
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// UpdateJobStatus upserts the job record. The worker may observe a job
// before the enqueuing API has created its row, so the first status update
// creates it.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// NUMERIC(5,4) cast bounds confidence precision; raw float64 values like
	// 0.9632000000000001 have caused casting errors here before.
	query := `
		INSERT INTO ocr.processing_jobs (
			id, document_id, status, confidence, processing_time_ms,
			merged_result_id, error_code, error_message, provider_used,
			metadata, created_at, updated_at
		) VALUES (
			$1::uuid, NULLIF($2, '')::uuid, $3,
			NULLIF($4::NUMERIC(5,4), 0), NULLIF($5, 0),
			CASE WHEN $6 = '' THEN NULL ELSE $6::uuid END,
			NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''),
			COALESCE($10::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			confidence = COALESCE(NULLIF(EXCLUDED.confidence::NUMERIC(5,4), 0), ocr.processing_jobs.confidence),
			processing_time_ms = COALESCE(NULLIF(EXCLUDED.processing_time_ms, 0), ocr.processing_jobs.processing_time_ms),
			merged_result_id = COALESCE(EXCLUDED.merged_result_id, ocr.processing_jobs.merged_result_id),
			error_code = NULLIF(EXCLUDED.error_code, ''),
			error_message = NULLIF(EXCLUDED.error_message, ''),
			provider_used = COALESCE(NULLIF(EXCLUDED.provider_used, ''), ocr.processing_jobs.provider_used),
			metadata = COALESCE(EXCLUDED.metadata, ocr.processing_jobs.metadata),
			document_id = COALESCE(EXCLUDED.document_id, ocr.processing_jobs.document_id),
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,
		update.DocumentID,
		update.Status,
		update.Confidence,
		update.ProcessingTimeMs,
		update.MergedResultID,
		update.ErrorCode,
		update.ErrorMessage,
		update.ProviderUsed,
		metadataJSON,
	).Scan(&returnedID)

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w",
			update.JobID, update.Status, err)
	}

	return nil
}

// StoreMergedResult persists a validated merged result and all of its
// bounding boxes in one transaction. Either everything lands or nothing
// does; a half-stored document would be worse than a failed one.
func (p *PostgresClient) StoreMergedResult(ctx context.Context, jobID string, result *merger.MergedResult) (string, error) {
	if result == nil {
		return "", fmt.Errorf("merged result is required")
	}
	if result.DocumentID == "" {
		return "", fmt.Errorf("document ID is required")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	resultID := uuid.New().String()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ocr.merged_results (
			id, document_id, job_id, page_count, confidence, full_text, created_at
		) VALUES ($1, $2::uuid, $3::uuid, $4, $5::NUMERIC(5,4), $6, NOW())
	`, resultID, result.DocumentID, jobID, result.PageCount, result.Confidence, result.FullText)
	if err != nil {
		return "", fmt.Errorf("failed to store merged result: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema("ocr", "bounding_boxes",
		"id", "result_id", "page", "reading_order", "text", "x", "y", "width", "height", "confidence"))
	if err != nil {
		return "", fmt.Errorf("failed to prepare bounding box copy: %w", err)
	}

	for i := range result.Boxes {
		box := &result.Boxes[i]
		if _, err := stmt.ExecContext(ctx, box.ID, resultID, box.Page, box.ReadingOrder,
			box.Text, box.X, box.Y, box.Width, box.Height, box.Confidence); err != nil {
			stmt.Close()
			return "", fmt.Errorf("failed to stage bounding box %s: %w", box.ID, err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return "", fmt.Errorf("failed to copy bounding boxes: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return "", fmt.Errorf("failed to close bounding box copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit merged result: %w", err)
	}

	return resultID, nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, document_id, status, confidence, processing_time_ms,
			merged_result_id, error_code, error_message, provider_used,
			metadata, created_at, updated_at
		FROM ocr.processing_jobs
		WHERE id = $1::uuid
	`

	var (
		id                                    string
		documentID, status                    sql.NullString
		confidence                            sql.NullFloat64
		processingTimeMs                      sql.NullInt64
		mergedResultID, errorCode, errorMsg   sql.NullString
		providerUsed                          sql.NullString
		metadataJSON                          []byte
		createdAt, updatedAt                  time.Time
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&id, &documentID, &status, &confidence, &processingTimeMs,
		&mergedResultID, &errorCode, &errorMsg, &providerUsed,
		&metadataJSON, &createdAt, &updatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var metadata map[string]interface{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	result := map[string]interface{}{
		"id":        id,
		"status":    status.String,
		"createdAt": createdAt,
		"updatedAt": updatedAt,
		"metadata":  metadata,
	}

	if documentID.Valid {
		result["documentId"] = documentID.String
	}
	if confidence.Valid {
		result["confidence"] = confidence.Float64
	}
	if processingTimeMs.Valid {
		result["processingTimeMs"] = processingTimeMs.Int64
	}
	if mergedResultID.Valid {
		result["mergedResultId"] = mergedResultID.String
	}
	if errorCode.Valid {
		result["errorCode"] = errorCode.String
	}
	if errorMsg.Valid {
		result["errorMessage"] = errorMsg.String
	}
	if providerUsed.Valid {
		result["providerUsed"] = providerUsed.String
	}

	return result, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
