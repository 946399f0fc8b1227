package models

import "time"

// ControlMapping links a document to a control within a framework, with
// the confidence score and the factor values that produced it.
type ControlMapping struct {
	ID               string          `json:"id"`
	DocumentID       string          `json:"document_id"`
	ControlID        string          `json:"control_id"`
	ControlFramework string          `json:"control_framework"`
	ConfidenceScore  float64         `json:"confidence_score"`
	MappingCriteria  MappingCriteria `json:"mapping_criteria"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CreatedBy        string          `json:"created_by,omitempty"`
}

// MappingCriteria holds the four scoring factors, each normalized to [0,1].
type MappingCriteria struct {
	SemanticSimilarity float64 `json:"semantic_similarity"`
	KeywordMatch       float64 `json:"keyword_match"`
	ContextRelevance   float64 `json:"context_relevance"`
	DocumentType       float64 `json:"document_type"`
}

type HistoryAction string

const (
	ActionCreated            HistoryAction = "created"
	ActionUpdated            HistoryAction = "updated"
	ActionConfidenceAdjusted HistoryAction = "confidence_adjusted"
	ActionDeleted            HistoryAction = "deleted"
)

// MappingHistoryEntry is an append-only audit record. Entries survive
// deletion of the mapping they describe.
type MappingHistoryEntry struct {
	ID                 string        `json:"id"`
	MappingID          string        `json:"mapping_id"`
	Action             HistoryAction `json:"action"`
	OldConfidenceScore *float64      `json:"old_confidence_score,omitempty"`
	NewConfidenceScore *float64      `json:"new_confidence_score,omitempty"`
	ChangeReason       string        `json:"change_reason,omitempty"`
	ChangedBy          string        `json:"changed_by,omitempty"`
	ChangedAt          time.Time     `json:"changed_at"`
}

// ControlRelationship is a directed, typed edge between two controls.
// Strength is normalized to [0,1].
type ControlRelationship struct {
	ID               string    `json:"id"`
	SourceControlID  string    `json:"source_control_id"`
	TargetControlID  string    `json:"target_control_id"`
	RelationshipType string    `json:"relationship_type"`
	Framework        string    `json:"framework"`
	Strength         float64   `json:"strength"`
	CreatedAt        time.Time `json:"created_at"`
}

// ConfidenceWeights is the named weight set applied to MappingCriteria.
// A usable set has every weight in [0,1] and a sum of 1.0.
type ConfidenceWeights struct {
	SemanticSimilarity float64 `json:"semantic_similarity"`
	KeywordMatch       float64 `json:"keyword_match"`
	ContextRelevance   float64 `json:"context_relevance"`
	DocumentType       float64 `json:"document_type"`
}

const (
	CriterionSemanticSimilarity = "semantic_similarity"
	CriterionKeywordMatch       = "keyword_match"
	CriterionContextRelevance   = "context_relevance"
	CriterionDocumentType       = "document_type"
)

// CriterionNames lists the canonical weight criteria in scoring order.
func CriterionNames() []string {
	return []string{
		CriterionSemanticSimilarity,
		CriterionKeywordMatch,
		CriterionContextRelevance,
		CriterionDocumentType,
	}
}

// DefaultWeights is the fallback weight set used when no stored
// configuration is available.
func DefaultWeights() ConfidenceWeights {
	return ConfidenceWeights{
		SemanticSimilarity: 0.4,
		KeywordMatch:       0.3,
		ContextRelevance:   0.2,
		DocumentType:       0.1,
	}
}

const (
	ClassificationHigh    = "high"
	ClassificationMedium  = "medium"
	ClassificationLow     = "low"
	ClassificationVeryLow = "very_low"
)

// Document and DocumentChunk are supplied by the document collaborator.
type Document struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	DocumentType string    `json:"document_type"`
	CreatedAt    time.Time `json:"created_at"`
}

type DocumentChunk struct {
	ID           string `json:"id"`
	DocumentID   string `json:"document_id"`
	Content      string `json:"content"`
	SectionType  string `json:"section_type"`
	DocumentType string `json:"document_type"`
	Position     int    `json:"position"`
}

// Control is a catalog entry supplied by the control catalog collaborator.
type Control struct {
	ID          string `json:"id"`
	Framework   string `json:"framework"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Active      bool   `json:"active"`
}
