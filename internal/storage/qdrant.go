/**
 * Qdrant client for page-text search indexing.
 *
 * Each point is one absolute page of a merged document, embedded for
 * semantic search. Uses Qdrant's native gRPC API.
 */

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	qdrant "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// EmbeddingDims matches the VoyageAI voyage-3 embedding size.
const EmbeddingDims = 1024

// QdrantClient handles vector database operations
type QdrantClient struct {
	client           qdrant.PointsClient
	collectionClient qdrant.CollectionsClient
	conn             *grpc.ClientConn
	collectionName   string
}

// PagePoint is one indexed document page.
type PagePoint struct {
	ID         string
	DocumentID string
	JobID      string
	Page       int
	Vector     []float32
}

// NewQdrantClient creates a new Qdrant client
func NewQdrantClient(address string, collectionName string) (*QdrantClient, error) {
	if address == "" {
		return nil, fmt.Errorf("qdrant address is required")
	}

	if collectionName == "" {
		return nil, fmt.Errorf("collection name is required")
	}

	conn, err := grpc.Dial(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}

	qc := &QdrantClient{
		client:           qdrant.NewPointsClient(conn),
		collectionClient: qdrant.NewCollectionsClient(conn),
		conn:             conn,
		collectionName:   collectionName,
	}

	if err := qc.ensureCollection(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}

	return qc, nil
}

// ensureCollection creates the collection if it doesn't exist
func (q *QdrantClient) ensureCollection(ctx context.Context) error {
	listResp, err := q.collectionClient.List(ctx, &qdrant.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	for _, col := range listResp.Collections {
		if col.Name == q.collectionName {
			return nil
		}
	}

	_, err = q.collectionClient.Create(ctx, &qdrant.CreateCollection{
		CollectionName: q.collectionName,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     EmbeddingDims,
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	})

	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

// UpsertPages stores one point per document page in a single batch.
func (q *QdrantClient) UpsertPages(ctx context.Context, points []*PagePoint) error {
	if len(points) == 0 {
		return nil
	}

	structs := make([]*qdrant.PointStruct, 0, len(points))
	now := time.Now().Unix()
	for _, point := range points {
		if len(point.Vector) != EmbeddingDims {
			return fmt.Errorf("invalid vector dimensions for page %d: expected %d, got %d",
				point.Page, EmbeddingDims, len(point.Vector))
		}
		if point.ID == "" {
			point.ID = uuid.New().String()
		}

		structs = append(structs, &qdrant.PointStruct{
			Id: &qdrant.PointId{
				PointIdOptions: &qdrant.PointId_Uuid{Uuid: point.ID},
			},
			Vectors: &qdrant.Vectors{
				VectorsOptions: &qdrant.Vectors_Vector{
					Vector: &qdrant.Vector{Data: point.Vector},
				},
			},
			Payload: map[string]*qdrant.Value{
				"document_id": {Kind: &qdrant.Value_StringValue{StringValue: point.DocumentID}},
				"job_id":      {Kind: &qdrant.Value_StringValue{StringValue: point.JobID}},
				"page":        {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(point.Page)}},
				"indexed_at":  {Kind: &qdrant.Value_IntegerValue{IntegerValue: now}},
			},
		})
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collectionName,
		Points:         structs,
	})

	if err != nil {
		return fmt.Errorf("failed to upsert page points: %w", err)
	}

	return nil
}

// DeleteDocument removes every indexed page for a document. Used when a
// document is re-processed so stale pages never shadow fresh ones.
func (q *QdrantClient) DeleteDocument(ctx context.Context, documentID string) error {
	if documentID == "" {
		return fmt.Errorf("document ID is required")
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collectionName,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						{
							ConditionOneOf: &qdrant.Condition_Field{
								Field: &qdrant.FieldCondition{
									Key: "document_id",
									Match: &qdrant.Match{
										MatchValue: &qdrant.Match_Keyword{Keyword: documentID},
									},
								},
							},
						},
					},
				},
			},
		},
	})

	if err != nil {
		return fmt.Errorf("failed to delete document pages: %w", err)
	}

	return nil
}

// SearchPages performs similarity search over indexed pages.
func (q *QdrantClient) SearchPages(ctx context.Context, queryVector []float32, limit int) ([]*PagePoint, error) {
	if len(queryVector) != EmbeddingDims {
		return nil, fmt.Errorf("invalid query vector dimensions: expected %d, got %d",
			EmbeddingDims, len(queryVector))
	}

	if limit <= 0 {
		limit = 10
	}

	results, err := q.client.Search(ctx, &qdrant.SearchPoints{
		CollectionName: q.collectionName,
		Vector:         queryVector,
		Limit:          uint64(limit),
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search pages: %w", err)
	}

	points := make([]*PagePoint, 0, len(results.Result))
	for _, result := range results.Result {
		point := &PagePoint{}
		if result.Id != nil {
			point.ID = result.Id.GetUuid()
		}
		if result.Payload != nil {
			if v, ok := result.Payload["document_id"]; ok {
				point.DocumentID = v.GetStringValue()
			}
			if v, ok := result.Payload["job_id"]; ok {
				point.JobID = v.GetStringValue()
			}
			if v, ok := result.Payload["page"]; ok {
				point.Page = int(v.GetIntegerValue())
			}
		}
		points = append(points, point)
	}

	return points, nil
}

// GetCollectionInfo returns collection statistics
func (q *QdrantClient) GetCollectionInfo(ctx context.Context) (map[string]interface{}, error) {
	info, err := q.collectionClient.Get(ctx, &qdrant.GetCollectionInfoRequest{
		CollectionName: q.collectionName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get collection info: %w", err)
	}

	return map[string]interface{}{
		"collection_name": q.collectionName,
		"vectors_count":   info.Result.GetVectorsCount(),
		"points_count":    info.Result.GetPointsCount(),
		"indexed_vectors": info.Result.GetIndexedVectorsCount(),
		"status":          info.Result.GetStatus().String(),
	}, nil
}

// Close closes the Qdrant client connection
func (q *QdrantClient) Close() error {
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
