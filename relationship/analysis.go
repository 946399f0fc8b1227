package relationship

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/complymap/engine/metrics"
	"github.com/complymap/engine/models"
	"github.com/complymap/engine/pkg/logger"
)

const defaultMaxTreeDepth = 5

// DependencyTree is the bidirectional neighborhood of a control. Depth is
// the deepest BFS level actually reached, bounded by the requested
// maximum.
type DependencyTree struct {
	ControlID    string                       `json:"control_id"`
	Dependencies []models.ControlRelationship `json:"dependencies"`
	Dependents   []models.ControlRelationship `json:"dependents"`
	Depth        int                          `json:"depth"`
}

// GetDependencyTree walks the relationship graph outward from controlID
// in both directions, up to maxDepth hops. An explicit work queue and a
// call-local visited set guarantee termination on cyclic graphs; each
// edge is reported exactly once, in the direction list under which it
// was first discovered.
func (s *Service) GetDependencyTree(ctx context.Context, controlID, framework string, maxDepth int) (*DependencyTree, error) {
	if maxDepth <= 0 {
		maxDepth = defaultMaxTreeDepth
	}

	tree := &DependencyTree{
		ControlID:    controlID,
		Dependencies: make([]models.ControlRelationship, 0),
		Dependents:   make([]models.ControlRelationship, 0),
	}

	type queueItem struct {
		controlID string
		level     int
	}

	visited := map[string]bool{controlID: true}
	seenEdges := make(map[string]bool)
	queue := []queueItem{{controlID: controlID}}

	visit := func(item queueItem, next string) {
		if visited[next] {
			return
		}
		visited[next] = true
		if item.level+1 > tree.Depth {
			tree.Depth = item.level + 1
		}
		if item.level+1 < maxDepth {
			queue = append(queue, queueItem{controlID: next, level: item.level + 1})
		}
	}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		dependencies, err := s.GetDependencies(ctx, item.controlID, framework)
		if err != nil {
			return nil, fmt.Errorf("failed to build dependency tree for %s: %w", controlID, err)
		}
		for _, rel := range dependencies {
			if key := edgeKey(rel); !seenEdges[key] {
				seenEdges[key] = true
				tree.Dependencies = append(tree.Dependencies, rel)
			}
			visit(item, rel.SourceControlID)
		}

		dependents, err := s.GetDependents(ctx, item.controlID, framework)
		if err != nil {
			return nil, fmt.Errorf("failed to build dependency tree for %s: %w", controlID, err)
		}
		for _, rel := range dependents {
			if key := edgeKey(rel); !seenEdges[key] {
				seenEdges[key] = true
				tree.Dependents = append(tree.Dependents, rel)
			}
			visit(item, rel.TargetControlID)
		}
	}

	logger.Debug("Dependency tree built",
		zap.String("control_id", controlID),
		zap.Int("dependencies", len(tree.Dependencies)),
		zap.Int("dependents", len(tree.Dependents)),
		zap.Int("depth", tree.Depth),
	)

	return tree, nil
}

func edgeKey(rel models.ControlRelationship) string {
	return rel.SourceControlID + "\x00" + rel.TargetControlID + "\x00" + rel.RelationshipType
}

// GapReport lists one-hop relationships whose counterpart control is not
// in the mapped set. GapScore is the missing fraction scaled to [0,100].
type GapReport struct {
	MissingDependencies []models.ControlRelationship `json:"missing_dependencies"`
	MissingDependents   []models.ControlRelationship `json:"missing_dependents"`
	GapScore            float64                      `json:"gap_score"`
}

// DetectGaps inspects the one-hop neighborhood of every mapped control.
// A dependency is missing when its source control is not mapped; a
// dependent is missing when its target control is not mapped.
func (s *Service) DetectGaps(ctx context.Context, mappedControlIDs []string, framework string) (*GapReport, error) {
	report := &GapReport{
		MissingDependencies: make([]models.ControlRelationship, 0),
		MissingDependents:   make([]models.ControlRelationship, 0),
	}

	mapped := make(map[string]bool, len(mappedControlIDs))
	unique := make([]string, 0, len(mappedControlIDs))
	for _, id := range mappedControlIDs {
		if !mapped[id] {
			mapped[id] = true
			unique = append(unique, id)
		}
	}

	total := 0
	missing := 0

	for _, controlID := range unique {
		dependencies, err := s.GetDependencies(ctx, controlID, framework)
		if err != nil {
			return nil, fmt.Errorf("failed to detect gaps: %w", err)
		}
		for _, rel := range dependencies {
			total++
			if !mapped[rel.SourceControlID] {
				missing++
				report.MissingDependencies = append(report.MissingDependencies, rel)
			}
		}

		dependents, err := s.GetDependents(ctx, controlID, framework)
		if err != nil {
			return nil, fmt.Errorf("failed to detect gaps: %w", err)
		}
		for _, rel := range dependents {
			total++
			if !mapped[rel.TargetControlID] {
				missing++
				report.MissingDependents = append(report.MissingDependents, rel)
			}
		}
	}

	if total > 0 {
		report.GapScore = float64(missing) / float64(total) * 100
	}

	metrics.GapScore.Observe(report.GapScore)
	logger.Info("Gap detection completed",
		zap.Int("mapped_controls", len(unique)),
		zap.Int("missing_relationships", missing),
		zap.Float64("gap_score", report.GapScore),
	)

	return report, nil
}

type CoverageReport struct {
	TotalControls        int      `json:"total_controls"`
	MappedControls       int      `json:"mapped_controls"`
	CoveragePercentage   float64  `json:"coverage_percentage"`
	DependencyCoverage   float64  `json:"dependency_coverage"`
	RelationshipStrength float64  `json:"relationship_strength"`
	Recommendations      []string `json:"recommendations"`
}

// GenerateCoverageReport summarizes how much of the active catalog the
// mapped set covers and how well it covers the relationship graph.
// Recommendations are advisory text and never fail the call.
func (s *Service) GenerateCoverageReport(ctx context.Context, mappedControlIDs []string, framework string) (*CoverageReport, error) {
	controls, err := s.catalog.GetAllActiveControls(ctx, framework)
	if err != nil {
		return nil, fmt.Errorf("failed to generate coverage report: %w", err)
	}

	mapped := make(map[string]bool, len(mappedControlIDs))
	for _, id := range mappedControlIDs {
		mapped[id] = true
	}

	report := &CoverageReport{
		TotalControls:  len(controls),
		MappedControls: len(mapped),
	}
	if report.TotalControls > 0 {
		report.CoveragePercentage = float64(report.MappedControls) / float64(report.TotalControls) * 100
	}

	relationships, err := s.store.QueryRelationships(ctx, Filter{Framework: framework})
	if err != nil {
		return nil, fmt.Errorf("failed to generate coverage report: %w", err)
	}

	endpoints := make(map[string]bool)
	mappedEndpoints := make(map[string]bool)
	strengthSum := 0.0
	touching := 0
	for _, rel := range relationships {
		endpoints[rel.SourceControlID] = true
		endpoints[rel.TargetControlID] = true
		if mapped[rel.SourceControlID] {
			mappedEndpoints[rel.SourceControlID] = true
		}
		if mapped[rel.TargetControlID] {
			mappedEndpoints[rel.TargetControlID] = true
		}
		if mapped[rel.SourceControlID] || mapped[rel.TargetControlID] {
			strengthSum += rel.Strength
			touching++
		}
	}

	if len(endpoints) == 0 {
		report.DependencyCoverage = 100
	} else {
		report.DependencyCoverage = float64(len(mappedEndpoints)) / float64(len(endpoints)) * 100
	}
	if touching > 0 {
		report.RelationshipStrength = strengthSum / float64(touching)
	}

	report.Recommendations = buildRecommendations(report, len(relationships))

	logger.Info("Coverage report generated",
		zap.String("framework", framework),
		zap.Int("total_controls", report.TotalControls),
		zap.Int("mapped_controls", report.MappedControls),
		zap.Float64("coverage", report.CoveragePercentage),
	)

	return report, nil
}

func buildRecommendations(report *CoverageReport, relationshipCount int) []string {
	recommendations := make([]string, 0)

	if report.CoveragePercentage < 50 {
		recommendations = append(recommendations, fmt.Sprintf(
			"Control coverage is %.1f%%. Map evidence to more of the catalog to reach at least half of the active controls.",
			report.CoveragePercentage))
	}
	if relationshipCount == 0 {
		recommendations = append(recommendations,
			"No control relationships are defined. Define dependency edges to enable gap detection.")
		return recommendations
	}
	if report.DependencyCoverage < 75 {
		recommendations = append(recommendations, fmt.Sprintf(
			"Dependency coverage is %.1f%%. Controls related to the mapped set lack evidence of their own.",
			report.DependencyCoverage))
	}
	if report.RelationshipStrength > 0 && report.RelationshipStrength < 0.5 {
		recommendations = append(recommendations, fmt.Sprintf(
			"Average relationship strength around the mapped set is %.2f. Review weak relationships before relying on them.",
			report.RelationshipStrength))
	}

	return recommendations
}
