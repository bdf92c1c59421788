package schema

import "fmt"

// ValidationIssue is a single graph validation problem, located at a
// node or an edge.
type ValidationIssue struct {
	NodeID  string `json:"node_id,omitempty"`
	EdgeID  string `json:"edge_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult aggregates all issues found in a definition. Graph
// validation is batch: every violation is reported, not just the first,
// since users fix several issues per edit.
type ValidationResult struct {
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// Valid returns true if no issues were found.
func (r *ValidationResult) Valid() bool {
	return len(r.Issues) == 0
}

// AddNodeIssue appends an issue located at a node.
func (r *ValidationResult) AddNodeIssue(nodeID, code, message string) {
	r.Issues = append(r.Issues, ValidationIssue{NodeID: nodeID, Code: code, Message: message})
}

// AddEdgeIssue appends an issue located at an edge.
func (r *ValidationResult) AddEdgeIssue(edgeID, code, message string) {
	r.Issues = append(r.Issues, ValidationIssue{EdgeID: edgeID, Code: code, Message: message})
}

// AddIssue appends an issue with no node/edge location.
func (r *ValidationResult) AddIssue(code, message string) {
	r.Issues = append(r.Issues, ValidationIssue{Code: code, Message: message})
}

// ToError converts the result to an EngineError if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Issues[0].Message
	if len(r.Issues) > 1 {
		msg = fmt.Sprintf("validation failed with %d issues", len(r.Issues))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"issue_count": len(r.Issues),
			"issues":      r.Issues,
		})
}
