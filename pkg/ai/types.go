package ai

import "context"

// CommentaryInput contains what the model sees about one graded submission.
type CommentaryInput struct {
	AssignmentTitle string
	Language        string
	Code            string
	Narrative       string
	Total           float64
	MaxPoints       float64
	Feedback        []string
}

// Commentary is narrative feedback written for the student.
type Commentary struct {
	Summary      string                 `json:"summary"`
	Strengths    []string               `json:"strengths"`
	Improvements []string               `json:"improvements"`
	Raw          map[string]interface{} `json:"raw,omitempty"`
}

// Commentator produces narrative commentary for graded submissions. It never
// changes the score.
type Commentator interface {
	Comment(ctx context.Context, input CommentaryInput) (Commentary, error)
	Provider() string
}
