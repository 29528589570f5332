// Package evaluation defines the lifecycle of a single third-party evaluation.
package evaluation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/botleague/internal/domain"
	"github.com/Strob0t/botleague/internal/domain/league"
)

// Status is the lifecycle state of an evaluation.
type Status string

const (
	StatusStarted   Status = "started"
	StatusConfirmed Status = "confirmed"
	StatusComplete  Status = "complete"
)

// Store key prefixes. The eval_key is secret, so the public id gets its own index key.
const (
	keyPrefix   = "eval_"
	idKeyPrefix = "eval_id_"
)

// Key returns the store key of the record identified by evalKey.
func Key(evalKey string) string { return keyPrefix + evalKey }

// IDKey returns the store key of the public eval_id index entry.
func IDKey(evalID string) string { return idKeyPrefix + evalID }

// IsIndexKey reports whether key names an eval_id index entry.
func IsIndexKey(key string) bool { return strings.HasPrefix(key, idKeyPrefix) }

// IsRecordKey reports whether key names an evaluation record.
func IsRecordKey(key string) bool {
	return strings.HasPrefix(key, keyPrefix) && !IsIndexKey(key)
}

// PullRequest is the revision metadata of the change that triggered an evaluation.
type PullRequest struct {
	Number         int       `json:"number"`
	URL            string    `json:"url,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitzero"`
	MergeCommitSHA string    `json:"merge_commit_sha,omitempty"`
	HeadCommit     string    `json:"head_commit"`
	HeadFullName   string    `json:"head_full_name,omitempty"`
	BaseCommit     string    `json:"base_commit,omitempty"`
	BaseFullName   string    `json:"base_full_name"`
	Draft          bool      `json:"draft,omitempty"`
}

// Results is the document an evaluator posts when an evaluation finishes.
// Metadata fields are filled in by the liaison before the document is stored
// and published.
type Results struct {
	Score   float64         `json:"score"`
	Errors  json.RawMessage `json:"errors,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`

	Submitter       string  `json:"username,omitempty"`
	BotName         string  `json:"botname,omitempty"`
	ProblemID       string  `json:"problem,omitempty"`
	Seed            int     `json:"seed,omitempty"`
	Started         float64 `json:"started,omitempty"`
	Finished        float64 `json:"finished,omitempty"`
	UTCTimestamp    float64 `json:"utc_timestamp,omitempty"`
	LeagueCommitSHA string  `json:"league_commit_sha,omitempty"`
	SourceCommit    string  `json:"source_commit,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// HasErrors reports whether the evaluator reported errors. Empty objects,
// arrays and strings, null, false and zero count as no errors, however
// they are formatted. A value that does not decode counts as errors.
func (r *Results) HasErrors() bool {
	if len(bytes.TrimSpace(r.Errors)) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(r.Errors, &v); err != nil {
		return true
	}
	switch e := v.(type) {
	case nil:
		return false
	case map[string]any:
		return len(e) > 0
	case []any:
		return len(e) > 0
	case string:
		return e != ""
	case bool:
		return e
	case float64:
		return e != 0
	}
	return true
}

// Record is one triggered evaluation. Records are never deleted and are
// immutable once complete.
type Record struct {
	EvalKey      string          `json:"eval_key"`
	EvalID       string          `json:"eval_id"`
	Status       Status          `json:"status"`
	Submitter    string          `json:"username"`
	BotName      string          `json:"botname"`
	ProblemID    string          `json:"problem_id"`
	Problem      league.Problem  `json:"problem"`
	ProblemDef   json.RawMessage `json:"problem_def,omitempty"`
	DockerTag    string          `json:"docker_tag"`
	SourceCommit string          `json:"source_commit,omitempty"`
	Seed         int             `json:"seed"`
	LiaisonHost  string          `json:"botleague_liaison_host,omitempty"`
	CohortID     string          `json:"problem_ci_id,omitempty"`
	PullRequest  PullRequest     `json:"pull_request"`
	StartedAt    time.Time       `json:"started_at"`
	ConfirmedAt  time.Time       `json:"confirmed_at,omitzero"`
	CompletedAt  time.Time       `json:"results_at,omitzero"`
	Results      *Results        `json:"results,omitempty"`
	Error        string          `json:"error,omitempty"`
	ReportURL    string          `json:"report_url,omitempty"`
}

// NewParams carries everything needed to create a Started record.
type NewParams struct {
	EvalKey     string
	EvalID      string
	Seed        int
	Bot         league.Bot
	Problem     league.Problem
	PullRequest PullRequest
	CohortID    string
	LiaisonHost string
	Now         time.Time
}

// New creates a record in Started state. The secret key and the public id
// must differ.
func New(p NewParams) (*Record, error) {
	if p.EvalKey == "" || p.EvalID == "" {
		return nil, fmt.Errorf("%w: eval_key and eval_id are required", domain.ErrValidation)
	}
	if p.EvalKey == p.EvalID {
		return nil, fmt.Errorf("%w: eval_key and eval_id must differ", domain.ErrValidation)
	}
	return &Record{
		EvalKey:      p.EvalKey,
		EvalID:       p.EvalID,
		Status:       StatusStarted,
		Submitter:    p.Bot.Submitter,
		BotName:      p.Bot.Name,
		ProblemID:    p.Problem.ID,
		Problem:      p.Problem,
		ProblemDef:   p.Problem.Raw,
		DockerTag:    p.Bot.DockerTag,
		SourceCommit: p.Bot.SourceCommit,
		Seed:         p.Seed,
		LiaisonHost:  p.LiaisonHost,
		CohortID:     p.CohortID,
		PullRequest:  p.PullRequest,
		StartedAt:    p.Now.UTC(),
	}, nil
}

// Confirm moves a Started or Confirmed record to Confirmed.
// Re-confirming is idempotent; confirming a complete record is a conflict.
func (r *Record) Confirm(now time.Time) error {
	switch r.Status {
	case StatusStarted:
		r.Status = StatusConfirmed
		r.ConfirmedAt = now.UTC()
		return nil
	case StatusConfirmed:
		return nil
	case StatusComplete:
		return fmt.Errorf("%w: this evaluation has already been processed", domain.ErrConflict)
	default:
		return fmt.Errorf("%w: eval data status unknown %s", domain.ErrConflict, r.Status)
	}
}

// CanComplete reports, as a conflict error, why the record may not be completed.
func (r *Record) CanComplete() error {
	switch r.Status {
	case StatusConfirmed:
		return nil
	case StatusStarted:
		return fmt.Errorf("%w: this evaluation has not been confirmed", domain.ErrConflict)
	case StatusComplete:
		return fmt.Errorf("%w: this evaluation has already been processed", domain.ErrConflict)
	default:
		return fmt.Errorf("%w: eval data status unknown %s", domain.ErrConflict, r.Status)
	}
}

// Complete moves a Confirmed record to Complete, storing results and any
// evaluator error. It is rejected from every other state.
func (r *Record) Complete(results *Results, evalErr string, now time.Time) error {
	if err := r.CanComplete(); err != nil {
		return err
	}
	r.Status = StatusComplete
	r.Results = results
	r.Error = evalErr
	r.CompletedAt = now.UTC()
	return nil
}

// IsComplete reports whether the record reached its terminal state.
func (r *Record) IsComplete() bool { return r.Status == StatusComplete }

// Annotate copies evaluation metadata into results so the published
// document is self-describing. now is when the results arrived.
func (r *Record) Annotate(results *Results, now time.Time) {
	results.Submitter = r.Submitter
	results.BotName = r.BotName
	results.ProblemID = r.ProblemID
	results.Seed = r.Seed
	results.Started = unixSeconds(r.StartedAt)
	results.LeagueCommitSHA = r.PullRequest.HeadCommit
	results.SourceCommit = r.SourceCommit
	results.Finished = unixSeconds(now)
	results.UTCTimestamp = unixSeconds(now)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// PublicView is the part of a record that may be shown to anyone.
type PublicView struct {
	EvalID      string    `json:"eval_id"`
	Status      Status    `json:"status"`
	Submitter   string    `json:"username"`
	BotName     string    `json:"botname"`
	ProblemID   string    `json:"problem_id"`
	Seed        int       `json:"seed"`
	PRNumber    int       `json:"pr_number,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"results_at,omitzero"`
	Results     *Results  `json:"results,omitempty"`
	Error       string    `json:"error,omitempty"`
	ReportURL   string    `json:"report_url,omitempty"`
}

// Public returns the record without its secret key.
func (r *Record) Public() PublicView {
	return PublicView{
		EvalID:      r.EvalID,
		Status:      r.Status,
		Submitter:   r.Submitter,
		BotName:     r.BotName,
		ProblemID:   r.ProblemID,
		Seed:        r.Seed,
		PRNumber:    r.PullRequest.Number,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Results:     r.Results,
		Error:       r.Error,
		ReportURL:   r.ReportURL,
	}
}

// DispatchPayload is the body POSTed to a problem's evaluator endpoint.
// The evaluator needs the eval_key to call back confirm and results.
type DispatchPayload struct {
	EvalKey     string          `json:"eval_key"`
	EvalID      string          `json:"eval_id"`
	Seed        int             `json:"seed"`
	DockerTag   string          `json:"docker_tag"`
	Submitter   string          `json:"username"`
	BotName     string          `json:"botname"`
	ProblemID   string          `json:"problem_id"`
	ProblemDef  json.RawMessage `json:"problem_def,omitempty"`
	LiaisonHost string          `json:"botleague_liaison_host,omitempty"`
	PullRequest PullRequest     `json:"pull_request"`
	StartedAt   time.Time       `json:"started_at"`
}

// Payload builds the evaluator request body for the record.
func (r *Record) Payload() DispatchPayload {
	return DispatchPayload{
		EvalKey:     r.EvalKey,
		EvalID:      r.EvalID,
		Seed:        r.Seed,
		DockerTag:   r.DockerTag,
		Submitter:   r.Submitter,
		BotName:     r.BotName,
		ProblemID:   r.ProblemID,
		ProblemDef:  r.ProblemDef,
		LiaisonHost: r.LiaisonHost,
		PullRequest: r.PullRequest,
		StartedAt:   r.StartedAt,
	}
}
