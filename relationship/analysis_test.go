package relationship_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/complymap/engine/models"
	"github.com/complymap/engine/relationship"
	"github.com/complymap/engine/storage/sqlite"
)

type edge struct {
	source string
	target string
}

func edgePairs(rels []models.ControlRelationship) []edge {
	pairs := make([]edge, 0, len(rels))
	for _, rel := range rels {
		pairs = append(pairs, edge{source: rel.SourceControlID, target: rel.TargetControlID})
	}
	return pairs
}

func TestGetDependencyTree_RespectsMaxDepth(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// A -> B -> C -> D -> E
	addEdge(t, svc, "A", "B", "depends_on", "nist", 0.9)
	addEdge(t, svc, "B", "C", "depends_on", "nist", 0.9)
	addEdge(t, svc, "C", "D", "depends_on", "nist", 0.9)
	addEdge(t, svc, "D", "E", "depends_on", "nist", 0.9)

	tree, err := svc.GetDependencyTree(ctx, "C", "nist", 1)
	require.NoError(t, err)
	assert.Equal(t, "C", tree.ControlID)
	assert.Equal(t, 1, tree.Depth)
	assert.ElementsMatch(t, []edge{{"B", "C"}}, edgePairs(tree.Dependencies))
	assert.ElementsMatch(t, []edge{{"C", "D"}}, edgePairs(tree.Dependents))

	tree, err = svc.GetDependencyTree(ctx, "C", "nist", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, tree.Depth)
	assert.ElementsMatch(t, []edge{{"B", "C"}, {"A", "B"}}, edgePairs(tree.Dependencies))
	assert.ElementsMatch(t, []edge{{"C", "D"}, {"D", "E"}}, edgePairs(tree.Dependents))
}

func TestGetDependencyTree_TerminatesOnCycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// A -> B -> C -> A
	addEdge(t, svc, "A", "B", "depends_on", "nist", 0.9)
	addEdge(t, svc, "B", "C", "depends_on", "nist", 0.9)
	addEdge(t, svc, "C", "A", "depends_on", "nist", 0.9)

	tree, err := svc.GetDependencyTree(ctx, "A", "nist", 10)
	require.NoError(t, err)

	assert.Len(t, tree.Dependencies, 2)
	assert.Len(t, tree.Dependents, 1)
	assert.ElementsMatch(t, []edge{{"C", "A"}, {"B", "C"}}, edgePairs(tree.Dependencies))
	assert.ElementsMatch(t, []edge{{"A", "B"}}, edgePairs(tree.Dependents))
	assert.Equal(t, 1, tree.Depth)
}

func TestGetDependencyTree_ReportsEachEdgeOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Diamond: A -> B -> D and A -> C -> D.
	addEdge(t, svc, "A", "B", "depends_on", "nist", 0.9)
	addEdge(t, svc, "A", "C", "depends_on", "nist", 0.9)
	addEdge(t, svc, "B", "D", "depends_on", "nist", 0.9)
	addEdge(t, svc, "C", "D", "depends_on", "nist", 0.9)

	tree, err := svc.GetDependencyTree(ctx, "A", "nist", 3)
	require.NoError(t, err)

	assert.Empty(t, tree.Dependencies)
	assert.ElementsMatch(t,
		[]edge{{"A", "B"}, {"A", "C"}, {"B", "D"}, {"C", "D"}},
		edgePairs(tree.Dependents))
	assert.Equal(t, 2, tree.Depth)
}

func TestGetDependencyTree_IsolatedControl(t *testing.T) {
	svc := newTestService(t)

	tree, err := svc.GetDependencyTree(context.Background(), "ZZ-99", "nist", 0)
	require.NoError(t, err)

	assert.NotNil(t, tree.Dependencies)
	assert.NotNil(t, tree.Dependents)
	assert.Empty(t, tree.Dependencies)
	assert.Empty(t, tree.Dependents)
	assert.Equal(t, 0, tree.Depth)
}

func TestDetectGaps_FlagsUnmappedNeighbors(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	addEdge(t, svc, "X", "A", "depends_on", "nist", 0.9)
	addEdge(t, svc, "B", "Y", "depends_on", "nist", 0.8)
	addEdge(t, svc, "A", "B", "depends_on", "nist", 0.7)

	report, err := svc.DetectGaps(ctx, []string{"A", "B"}, "nist")
	require.NoError(t, err)

	assert.ElementsMatch(t, []edge{{"X", "A"}}, edgePairs(report.MissingDependencies))
	assert.ElementsMatch(t, []edge{{"B", "Y"}}, edgePairs(report.MissingDependents))
	// 4 one-hop relationship sightings, 2 of them missing.
	assert.InDelta(t, 50.0, report.GapScore, 1e-9)
}

func TestDetectGaps_DeduplicatesMappedInput(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	addEdge(t, svc, "X", "A", "depends_on", "nist", 0.9)
	addEdge(t, svc, "A", "B", "depends_on", "nist", 0.7)

	deduped, err := svc.DetectGaps(ctx, []string{"A", "B"}, "nist")
	require.NoError(t, err)
	repeated, err := svc.DetectGaps(ctx, []string{"A", "A", "B"}, "nist")
	require.NoError(t, err)

	assert.InDelta(t, deduped.GapScore, repeated.GapScore, 1e-9)
	assert.Equal(t, len(deduped.MissingDependencies), len(repeated.MissingDependencies))
	assert.Equal(t, len(deduped.MissingDependents), len(repeated.MissingDependents))
}

func TestDetectGaps_NoRelationships(t *testing.T) {
	svc := newTestService(t)

	report, err := svc.DetectGaps(context.Background(), []string{"A", "B"}, "nist")
	require.NoError(t, err)

	assert.NotNil(t, report.MissingDependencies)
	assert.NotNil(t, report.MissingDependents)
	assert.Empty(t, report.MissingDependencies)
	assert.Empty(t, report.MissingDependents)
	assert.Zero(t, report.GapScore)
}

func seedControls(t *testing.T, store *sqlite.Client, controls []models.Control) {
	t.Helper()
	for i := range controls {
		require.NoError(t, store.InsertControl(context.Background(), &controls[i]))
	}
}

func TestGenerateCoverageReport(t *testing.T) {
	store := newTestStore(t)
	svc := relationship.NewService(store, store)
	ctx := context.Background()

	seedControls(t, store, []models.Control{
		{ID: "A", Framework: "nist", Active: true},
		{ID: "B", Framework: "nist", Active: true},
		{ID: "C", Framework: "nist", Active: true},
		{ID: "D", Framework: "nist", Active: true},
		{ID: "E", Framework: "nist", Active: false},
	})

	addEdge(t, svc, "A", "B", "depends_on", "nist", 0.9)
	addEdge(t, svc, "B", "C", "depends_on", "nist", 0.6)
	addEdge(t, svc, "C", "D", "depends_on", "nist", 0.2)

	report, err := svc.GenerateCoverageReport(ctx, []string{"A", "B"}, "nist")
	require.NoError(t, err)

	assert.Equal(t, 4, report.TotalControls, "inactive controls stay out of the catalog count")
	assert.Equal(t, 2, report.MappedControls)
	assert.InDelta(t, 50.0, report.CoveragePercentage, 1e-9)
	// Endpoints A..D, of which A and B are mapped.
	assert.InDelta(t, 50.0, report.DependencyCoverage, 1e-9)
	// Edges touching the mapped set: 0.9 and 0.6.
	assert.InDelta(t, 0.75, report.RelationshipStrength, 1e-9)

	require.Len(t, report.Recommendations, 1)
	assert.Contains(t, report.Recommendations[0], "Dependency coverage")
}

func TestGenerateCoverageReport_EmptyMappedSet(t *testing.T) {
	store := newTestStore(t)
	svc := relationship.NewService(store, store)

	seedControls(t, store, []models.Control{
		{ID: "A", Framework: "nist", Active: true},
		{ID: "B", Framework: "nist", Active: true},
	})

	report, err := svc.GenerateCoverageReport(context.Background(), nil, "nist")
	require.NoError(t, err)

	assert.Equal(t, 2, report.TotalControls)
	assert.Zero(t, report.MappedControls)
	assert.Zero(t, report.CoveragePercentage)
	assert.InDelta(t, 100.0, report.DependencyCoverage, 1e-9, "no relationship endpoints means nothing is uncovered")
	assert.Zero(t, report.RelationshipStrength)

	require.Len(t, report.Recommendations, 2)
	assert.Contains(t, report.Recommendations[0], "coverage is 0.0%")
	assert.Contains(t, report.Recommendations[1], "No control relationships")
}
