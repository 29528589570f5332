package messagequeue

import "time"

// LeaderboardRegeneratePayload is the schema for leaderboard.regenerate messages.
type LeaderboardRegeneratePayload struct {
	Reason    string    `json:"reason" validate:"required"`
	ProblemID string    `json:"problem_id,omitempty"`
	At        time.Time `json:"at" validate:"required"`
}

// EvaluationCompletedPayload is the schema for evaluations.completed messages.
// It carries the public eval_id only.
type EvaluationCompletedPayload struct {
	EvalID    string  `json:"eval_id" validate:"required"`
	Submitter string  `json:"username" validate:"required"`
	BotName   string  `json:"botname" validate:"required"`
	ProblemID string  `json:"problem_id" validate:"required"`
	Score     float64 `json:"score"`
	Error     string  `json:"error,omitempty"`
	CohortID  string  `json:"problem_ci_id,omitempty"`
	ReportURL string  `json:"report_url,omitempty" validate:"omitempty,url"`
}

// CohortFinishedPayload is the schema for cohorts.finished messages.
type CohortFinishedPayload struct {
	CohortID  string `json:"cohort_id" validate:"required"`
	ProblemID string `json:"problem_id" validate:"required"`
	PRNumber  int    `json:"pr_number" validate:"gte=0"`
	Status    string `json:"status" validate:"oneof=passed failed"`
	Error     string `json:"error,omitempty"`
}
