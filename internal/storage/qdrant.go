package storage

import (
	"context"
	"fmt"

	"docucore/internal/config"
	"docucore/internal/logging"
	"docucore/internal/types"

	qdrant "github.com/qdrant/go-client/qdrant"
)

// QdrantStore implements VectorStore against a Qdrant collection.
type QdrantStore struct {
	client         *qdrant.Client
	config         *config.QdrantConfig
	collectionName string
}

// NewQdrantStore creates a vector store bound to cfg.Collection.
func NewQdrantStore(cfg *config.QdrantConfig) *QdrantStore {
	return &QdrantStore{
		config:         cfg,
		collectionName: cfg.Collection,
	}
}

// Initialize connects to Qdrant and creates the collection if absent.
// A pre-existing collection whose vector size disagrees with
// config.VectorSize is a fatal startup error.
func (qs *QdrantStore) Initialize(ctx context.Context) error {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:                   qs.config.Host,
		Port:                   qs.config.Port,
		APIKey:                 qs.config.APIKey,
		UseTLS:                 qs.config.UseTLS,
		SkipCompatibilityCheck: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create qdrant client: %w", err)
	}
	qs.client = client

	info, err := client.GetCollectionInfo(ctx, qs.collectionName)
	if err != nil {
		if createErr := client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: qs.collectionName,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(qs.config.VectorSize), //nolint:gosec // VectorSize is operator-configured, positive
				Distance: qdrant.Distance_Cosine,
			}),
		}); createErr != nil {
			return fmt.Errorf("failed to create collection %q: %w", qs.collectionName, createErr)
		}
		logging.Info("created qdrant collection", "collection", qs.collectionName)
		return nil
	}

	existingSize := info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
	if existingSize != 0 && existingSize != uint64(qs.config.VectorSize) { //nolint:gosec // VectorSize is operator-configured, positive
		return fmt.Errorf("qdrant collection %q has vector size %d, configured size is %d", qs.collectionName, existingSize, qs.config.VectorSize)
	}

	return nil
}

// Upsert writes points with wait=true so a subsequent Search observes them.
func (qs *QdrantStore) Upsert(ctx context.Context, points []VectorPoint) error {
	if len(points) == 0 {
		return nil
	}

	structs := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		structs[i] = pointToStruct(p)
	}

	_, err := qs.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: qs.collectionName,
		Points:         structs,
		Wait:           qdrant.PtrOf(true),
		Ordering:       &qdrant.WriteOrdering{Type: qdrant.WriteOrderingType_Medium},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

// Search runs a similarity search, optionally narrowed by filter.
func (qs *QdrantStore) Search(ctx context.Context, vector []float32, limit int, filter *VectorFilter) ([]VectorSearchResult, error) {
	var qf *qdrant.Filter
	if filter != nil {
		qf = &qdrant.Filter{
			Must: []*qdrant.Condition{fieldEquals(filter.Key, filter.Equals)},
		}
	}

	res, err := qs.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: qs.collectionName,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)), //nolint:gosec // limit is caller-bounded, positive
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         qf,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]VectorSearchResult, 0, len(res))
	for _, scored := range res {
		hits = append(hits, VectorSearchResult{
			ID:      types.PointID(pointIDToString(scored.GetId())),
			Score:   float64(scored.GetScore()),
			Payload: payloadFromMap(scored.GetPayload()),
		})
	}
	return hits, nil
}

// Delete removes points by id; an absent id is a no-op success.
func (qs *QdrantStore) Delete(ctx context.Context, ids []types.PointID) error {
	if len(ids) == 0 {
		return nil
	}

	qids := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		qids[i] = stringToPointID(string(id))
	}

	_, err := qs.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: qs.collectionName,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: qids},
			},
		},
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

// DeleteByFilter removes every point matching filter.
func (qs *QdrantStore) DeleteByFilter(ctx context.Context, filter VectorFilter) error {
	_, err := qs.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: qs.collectionName,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{Must: []*qdrant.Condition{fieldEquals(filter.Key, filter.Equals)}},
			},
		},
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to delete points by filter: %w", err)
	}
	return nil
}

// HealthCheck verifies the collection is reachable.
func (qs *QdrantStore) HealthCheck(ctx context.Context) error {
	_, err := qs.client.GetCollectionInfo(ctx, qs.collectionName)
	if err != nil {
		return fmt.Errorf("qdrant health check failed: %w", err)
	}
	return nil
}

// Close releases the client connection.
func (qs *QdrantStore) Close() error {
	if qs.client == nil {
		return nil
	}
	return qs.client.Close()
}

func pointToStruct(p VectorPoint) *qdrant.PointStruct {
	payload := map[string]*qdrant.Value{
		"content":      stringToValue(p.Payload.Content),
		"docId":        stringToValue(p.Payload.DocID.String()),
		"collectionId": stringToValue(p.Payload.CollectionID.String()),
		"chunkIndex":   int64ToValue(int64(p.Payload.ChunkIndex)),
	}
	if len(p.Payload.TitleChain) > 0 {
		payload["titleChain"] = stringSliceToValue(p.Payload.TitleChain)
	}
	if p.Payload.Source != "" {
		payload["source"] = stringToValue(p.Payload.Source)
	}
	if p.Payload.ContentHash != "" {
		payload["contentHash"] = stringToValue(p.Payload.ContentHash)
	}

	return &qdrant.PointStruct{
		Id:      stringToPointID(string(p.ID)),
		Vectors: qdrant.NewVectors(p.Vector...),
		Payload: payload,
	}
}

func payloadFromMap(payload map[string]*qdrant.Value) VectorPayload {
	vp := VectorPayload{
		Content:      getString(payload, "content"),
		Source:       getString(payload, "source"),
		ContentHash:  getString(payload, "contentHash"),
		DocID:        types.DocumentID(getString(payload, "docId")),
		CollectionID: types.CollectionID(getString(payload, "collectionId")),
	}
	if v, ok := payload["chunkIndex"]; ok {
		vp.ChunkIndex = int(v.GetIntegerValue())
	}
	if v, ok := payload["titleChain"]; ok {
		for _, item := range v.GetListValue().GetValues() {
			vp.TitleChain = append(vp.TitleChain, item.GetStringValue())
		}
	}
	return vp
}

func getString(payload map[string]*qdrant.Value, key string) string {
	if v, ok := payload[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func fieldEquals(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   key,
				Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func stringToValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func int64ToValue(i int64) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: i}}
}

func stringSliceToValue(slice []string) *qdrant.Value {
	values := make([]*qdrant.Value, len(slice))
	for i, s := range slice {
		values[i] = stringToValue(s)
	}
	return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: values}}}
}

// stringToPointID wraps a point id for the wire. Point ids are name-based
// UUIDs by construction (content.PointID), which is the only string form
// the server accepts in this field.
func stringToPointID(s string) *qdrant.PointId {
	return &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: s}}
}

func pointIDToString(id *qdrant.PointId) string {
	if uuid := id.GetUuid(); uuid != "" {
		return uuid
	}
	return fmt.Sprintf("%d", id.GetNum())
}
