package sqlite_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/complymap/engine/mappings"
	"github.com/complymap/engine/models"
	"github.com/complymap/engine/relationship"
	"github.com/complymap/engine/storage/sqlite"
)

func newClient(t *testing.T) *sqlite.Client {
	t.Helper()

	client, err := sqlite.NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.InitSchema())

	return client
}

func storedMapping(id string, confidence float64, createdAt time.Time) models.ControlMapping {
	return models.ControlMapping{
		ID:               id,
		DocumentID:       "doc-1",
		ControlID:        "AC-1",
		ControlFramework: "nist",
		ConfidenceScore:  confidence,
		MappingCriteria: models.MappingCriteria{
			SemanticSimilarity: 0.85,
			KeywordMatch:       0.7,
			ContextRelevance:   0.6,
			DocumentType:       0.55,
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		CreatedBy: "auditor",
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	client := newClient(t)
	require.NoError(t, client.InitSchema())
}

func TestMappingRoundTrip(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()

	m := storedMapping("m-1", 82.5, time.Now())
	require.NoError(t, client.InsertMapping(ctx, &m))

	got, err := client.GetMappingByID(ctx, "m-1")
	require.NoError(t, err)

	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.DocumentID, got.DocumentID)
	assert.Equal(t, m.ControlID, got.ControlID)
	assert.Equal(t, m.ControlFramework, got.ControlFramework)
	assert.InDelta(t, m.ConfidenceScore, got.ConfidenceScore, 1e-9)
	assert.Equal(t, m.MappingCriteria, got.MappingCriteria)
	assert.Equal(t, m.CreatedAt.Unix(), got.CreatedAt.Unix())
	assert.Equal(t, m.UpdatedAt.Unix(), got.UpdatedAt.Unix())
	assert.Equal(t, m.CreatedBy, got.CreatedBy)
}

func TestGetMappingByID_NotFound(t *testing.T) {
	client := newClient(t)

	_, err := client.GetMappingByID(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestQueryMappings_OrderAndTotal(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()
	now := time.Now()

	for _, m := range []models.ControlMapping{
		storedMapping("m-low", 70, now),
		storedMapping("m-high", 90, now),
		storedMapping("m-b", 80, now),
		storedMapping("m-a", 80, now),
	} {
		m := m
		require.NoError(t, client.InsertMapping(ctx, &m))
	}

	rows, total, err := client.QueryMappings(ctx, mappings.Query{Limit: 3})
	require.NoError(t, err)

	assert.Equal(t, 4, total)
	require.Len(t, rows, 3)
	assert.Equal(t, "m-high", rows[0].ID)
	// Ties on confidence fall back to id order.
	assert.Equal(t, "m-a", rows[1].ID)
	assert.Equal(t, "m-b", rows[2].ID)
}

func TestDeleteMapping_NotFound(t *testing.T) {
	client := newClient(t)

	err := client.DeleteMapping(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUpdateMapping_NotFound(t *testing.T) {
	client := newClient(t)

	m := storedMapping("missing", 50, time.Now())
	err := client.UpdateMapping(context.Background(), &m)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDeleteMappingsBefore_CutoffIsExclusive(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()

	cutoff := time.Now().AddDate(0, 0, -90)
	older := storedMapping("m-older", 80, cutoff.Add(-time.Hour))
	boundary := storedMapping("m-boundary", 80, cutoff)
	recent := storedMapping("m-recent", 80, time.Now())

	for _, m := range []models.ControlMapping{older, boundary, recent} {
		m := m
		require.NoError(t, client.InsertMapping(ctx, &m))
	}

	deleted, err := client.DeleteMappingsBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, total, err := client.QueryMappings(ctx, mappings.Query{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestHistoryOrdering_SameSecondUsesInsertionOrder(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()
	at := time.Now()

	for _, id := range []string{"h-1", "h-2", "h-3"} {
		entry := models.MappingHistoryEntry{
			ID:        id,
			MappingID: "m-1",
			Action:    models.ActionCreated,
			ChangedAt: at,
		}
		require.NoError(t, client.InsertHistoryEntry(ctx, &entry))
	}

	entries, err := client.GetHistoryByMappingID(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "h-3", entries[0].ID)
	assert.Equal(t, "h-2", entries[1].ID)
	assert.Equal(t, "h-1", entries[2].ID)
}

func TestInsertRelationship_DuplicateTuple(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()

	rel := models.ControlRelationship{
		ID:               "r-1",
		SourceControlID:  "AC-2",
		TargetControlID:  "AC-1",
		RelationshipType: "depends_on",
		Framework:        "nist",
		Strength:         0.8,
		CreatedAt:        time.Now(),
	}
	require.NoError(t, client.InsertRelationship(ctx, &rel))

	duplicate := rel
	duplicate.ID = "r-2"
	err := client.InsertRelationship(ctx, &duplicate)
	assert.ErrorIs(t, err, models.ErrValidation)

	otherFramework := rel
	otherFramework.ID = "r-3"
	otherFramework.Framework = "iso27001"
	assert.NoError(t, client.InsertRelationship(ctx, &otherFramework))
}

func TestGetRelationshipByID(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()

	rel := models.ControlRelationship{
		ID:               "r-1",
		SourceControlID:  "AC-2",
		TargetControlID:  "AC-1",
		RelationshipType: "depends_on",
		Framework:        "nist",
		Strength:         0.8,
		CreatedAt:        time.Now(),
	}
	require.NoError(t, client.InsertRelationship(ctx, &rel))

	got, err := client.GetRelationshipByID(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, rel.SourceControlID, got.SourceControlID)
	assert.Equal(t, rel.TargetControlID, got.TargetControlID)
	assert.Equal(t, rel.RelationshipType, got.RelationshipType)
	assert.InDelta(t, rel.Strength, got.Strength, 1e-9)
	assert.Equal(t, rel.CreatedAt.Unix(), got.CreatedAt.Unix())

	_, err = client.GetRelationshipByID(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestQueryRelationships_EitherEndpointAndStrength(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()
	now := time.Now()

	for i, rel := range []models.ControlRelationship{
		{ID: "r-1", SourceControlID: "A", TargetControlID: "B", RelationshipType: "depends_on", Framework: "nist", Strength: 0.9},
		{ID: "r-2", SourceControlID: "B", TargetControlID: "C", RelationshipType: "supports", Framework: "nist", Strength: 0.4},
		{ID: "r-3", SourceControlID: "C", TargetControlID: "D", RelationshipType: "depends_on", Framework: "nist", Strength: 0.7},
	} {
		rel := rel
		rel.CreatedAt = now.Add(time.Duration(i) * time.Second)
		require.NoError(t, client.InsertRelationship(ctx, &rel))
	}

	rels, err := client.QueryRelationships(ctx, relationship.Filter{ControlIDs: []string{"B"}})
	require.NoError(t, err)
	require.Len(t, rels, 2)
	// Strongest first.
	assert.Equal(t, "r-1", rels[0].ID)
	assert.Equal(t, "r-2", rels[1].ID)

	rels, err = client.QueryRelationships(ctx, relationship.Filter{MinStrength: 0.5})
	require.NoError(t, err)
	require.Len(t, rels, 2)
	assert.Equal(t, "r-1", rels[0].ID)
	assert.Equal(t, "r-3", rels[1].ID)

	rels, err = client.QueryRelationships(ctx, relationship.Filter{SourceControlID: "B", RelationshipType: "supports"})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "r-2", rels[0].ID)
}

func TestUpdateRelationshipStrength_NotFound(t *testing.T) {
	client := newClient(t)

	err := client.UpdateRelationshipStrength(context.Background(), "missing", 0.5)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDeleteRelationship_NotFound(t *testing.T) {
	client := newClient(t)

	err := client.DeleteRelationship(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestWeights_UpsertAndIgnoreUnknown(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()

	require.NoError(t, client.SaveWeights(ctx, map[string]float64{
		models.CriterionSemanticSimilarity: 0.5,
		models.CriterionKeywordMatch:       0.5,
		"recency":                          0.9,
	}))

	weights, err := client.GetWeights(ctx)
	require.NoError(t, err)
	assert.Len(t, weights, 2, "unknown criteria are not persisted")
	assert.InDelta(t, 0.5, weights[models.CriterionSemanticSimilarity], 1e-9)

	require.NoError(t, client.SaveWeights(ctx, map[string]float64{
		models.CriterionSemanticSimilarity: 0.4,
		models.CriterionKeywordMatch:       0.3,
		models.CriterionContextRelevance:   0.2,
		models.CriterionDocumentType:       0.1,
	}))

	weights, err = client.GetWeights(ctx)
	require.NoError(t, err)
	assert.Len(t, weights, 4)
	assert.InDelta(t, 0.4, weights[models.CriterionSemanticSimilarity], 1e-9)
}

func TestGetWeights_EmptyTable(t *testing.T) {
	client := newClient(t)

	weights, err := client.GetWeights(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, weights)
	assert.Empty(t, weights)
}

func TestGetDocumentByID_MissingIsNil(t *testing.T) {
	client := newClient(t)

	doc, err := client.GetDocumentByID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestDocumentChunks_OrderedByPosition(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()

	require.NoError(t, client.InsertDocument(ctx, &models.Document{
		ID: "doc-1", Title: "Policy", DocumentType: "policy", CreatedAt: time.Now(),
	}))
	for _, position := range []int{2, 0, 1} {
		chunk := models.DocumentChunk{
			ID:         fmt.Sprintf("chunk-%d", position),
			DocumentID: "doc-1",
			Content:    "fragment",
			Position:   position,
		}
		require.NoError(t, client.InsertChunk(ctx, &chunk))
	}

	chunks, err := client.GetDocumentChunks(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, 0, chunks[0].Position)
	assert.Equal(t, 1, chunks[1].Position)
	assert.Equal(t, 2, chunks[2].Position)
}

func TestControls_FiltersAndUpsert(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()

	for _, control := range []models.Control{
		{ID: "AC-1", Framework: "nist", Title: "Account Management", Active: true},
		{ID: "AC-2", Framework: "nist", Title: "Access Enforcement", Active: true},
		{ID: "AC-3", Framework: "nist", Title: "Retired", Active: false},
		{ID: "A.9.1", Framework: "iso27001", Title: "Access Control Policy", Active: true},
	} {
		control := control
		require.NoError(t, client.InsertControl(ctx, &control))
	}

	controls, err := client.GetControlsByIDs(ctx, []string{"AC-1", "A.9.1"}, "")
	require.NoError(t, err)
	assert.Len(t, controls, 2)

	controls, err = client.GetControlsByIDs(ctx, []string{"AC-1", "A.9.1"}, "nist")
	require.NoError(t, err)
	require.Len(t, controls, 1)
	assert.Equal(t, "AC-1", controls[0].ID)

	controls, err = client.GetControlsByIDs(ctx, nil, "nist")
	require.NoError(t, err)
	assert.NotNil(t, controls)
	assert.Empty(t, controls)

	active, err := client.GetAllActiveControls(ctx, "nist")
	require.NoError(t, err)
	require.Len(t, active, 2, "inactive controls are excluded")
	assert.Equal(t, "AC-1", active[0].ID)
	assert.Equal(t, "AC-2", active[1].ID)

	// Re-inserting an existing id overwrites the row.
	updated := models.Control{ID: "AC-1", Framework: "nist", Title: "Account Management v2", Active: true}
	require.NoError(t, client.InsertControl(ctx, &updated))
	controls, err = client.GetControlsByIDs(ctx, []string{"AC-1"}, "")
	require.NoError(t, err)
	require.Len(t, controls, 1)
	assert.Equal(t, "Account Management v2", controls[0].Title)
}
