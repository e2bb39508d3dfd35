package parser

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/harrison/maestro/internal/models"
)

// defaultPriority sorts subtasks without an explicit priority last.
const defaultPriority = 99

var validate = validator.New()

// PlannedSubtask is the wire shape a planning or bridging worker returns
// for one subtask.
type PlannedSubtask struct {
	ID             string   `json:"id"`
	Title          string   `json:"title" validate:"required"`
	Description    string   `json:"description" validate:"required"`
	Dependencies   []string `json:"dependencies"`
	EstimatedFiles []string `json:"estimated_files"`
	Priority       *int     `json:"priority"`
}

// ReplanDecision is the wire shape a re-planning worker returns for a
// failed subtask.
type ReplanDecision struct {
	Action               models.ReplanAction `json:"action" validate:"required,oneof=retry bridge cancel"`
	ModifiedInstructions string              `json:"modified_instructions"`
	NewTasks             []PlannedSubtask    `json:"new_tasks"`
	Reason               string              `json:"reason"`
}

// ReviewIssue is one critical defect reported by the review worker.
type ReviewIssue struct {
	Title          string   `json:"title"`
	Description    string   `json:"description" validate:"required"`
	EstimatedFiles []string `json:"estimated_files"`
	Priority       *int     `json:"priority"`
}

// ReviewVerdict is the review worker's overall result.
type ReviewVerdict struct {
	Critical bool          `json:"critical"`
	Issues   []ReviewIssue `json:"issues"`
}

// ToSubtask converts a validated wire subtask into the domain model,
// filling the id and priority defaults.
func (p *PlannedSubtask) ToSubtask() *models.Subtask {
	id := p.ID
	if id == "" {
		id = uuid.NewString()[:8]
	}
	priority := defaultPriority
	if p.Priority != nil {
		priority = *p.Priority
	}
	return &models.Subtask{
		ID:             id,
		Title:          p.Title,
		Description:    p.Description,
		Dependencies:   p.Dependencies,
		EstimatedFiles: p.EstimatedFiles,
		Priority:       priority,
		Status:         models.StatusPending,
	}
}

// ParseSubtaskArray parses worker output expected to contain a JSON
// array of subtask objects. It strips code fences, extracts the first
// balanced array, and validates each element's schema. The DAG itself
// (dangling titles, cycles) is validated by the caller against the full
// subtask set.
func ParseSubtaskArray(raw string) ([]*models.Subtask, error) {
	cleaned := StripCodeFences(raw)
	arr, err := ExtractArray(cleaned)
	if err != nil {
		return nil, err
	}

	var planned []PlannedSubtask
	if err := json.Unmarshal([]byte(arr), &planned); err != nil {
		return nil, fmt.Errorf("subtask array is not valid JSON: %w", err)
	}

	subtasks := make([]*models.Subtask, 0, len(planned))
	for i := range planned {
		if err := validate.Struct(&planned[i]); err != nil {
			return nil, fmt.Errorf("subtask %d failed schema validation: %w", i, err)
		}
		subtasks = append(subtasks, planned[i].ToSubtask())
	}
	return subtasks, nil
}

// ParseReplanDecision parses a re-planning worker's JSON object.
func ParseReplanDecision(raw string) (*ReplanDecision, error) {
	cleaned := StripCodeFences(raw)
	obj, err := ExtractObject(cleaned)
	if err != nil {
		return nil, err
	}

	var decision ReplanDecision
	if err := json.Unmarshal([]byte(obj), &decision); err != nil {
		return nil, fmt.Errorf("replan decision is not valid JSON: %w", err)
	}
	if err := validate.Struct(&decision); err != nil {
		return nil, fmt.Errorf("replan decision failed schema validation: %w", err)
	}
	for i := range decision.NewTasks {
		if err := validate.Struct(&decision.NewTasks[i]); err != nil {
			return nil, fmt.Errorf("bridge task %d failed schema validation: %w", i, err)
		}
	}
	return &decision, nil
}

// ParseReviewVerdict parses the review worker's JSON verdict. Issues
// failing schema validation are dropped rather than failing the verdict;
// a verdict with critical=true and no usable issues is treated by the
// caller as acceptance.
func ParseReviewVerdict(raw string) (*ReviewVerdict, error) {
	cleaned := StripCodeFences(raw)
	obj, err := ExtractObject(cleaned)
	if err != nil {
		return nil, err
	}

	var verdict ReviewVerdict
	if err := json.Unmarshal([]byte(obj), &verdict); err != nil {
		return nil, fmt.Errorf("review verdict is not valid JSON: %w", err)
	}

	kept := verdict.Issues[:0]
	for i := range verdict.Issues {
		if err := validate.Struct(&verdict.Issues[i]); err == nil {
			kept = append(kept, verdict.Issues[i])
		}
	}
	verdict.Issues = kept
	return &verdict, nil
}
