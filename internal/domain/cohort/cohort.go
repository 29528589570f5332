// Package cohort defines a problem-revision regression check: the set of
// evaluations triggered together to validate one problem-definition change.
package cohort

import (
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/botleague/internal/domain"
	"github.com/Strob0t/botleague/internal/domain/evaluation"
	"github.com/Strob0t/botleague/internal/domain/league"
)

// Status is the state of a regression check. Failed and Passed are terminal.
type Status string

const (
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
	StatusPassed  Status = "passed"
)

const (
	keyPrefix      = "problem_ci_"
	claimKeyPrefix = "reduce_claim_"
	revisionPrefix = 6
)

// ID derives the cohort id from the change-request number and the head
// revision, e.g. "problem_ci_42_abcdef". The store key is the id itself.
func ID(prNumber int, headCommit string) string {
	rev := headCommit
	if len(rev) > revisionPrefix {
		rev = rev[:revisionPrefix]
	}
	return fmt.Sprintf("%s%d_%s", keyPrefix, prNumber, rev)
}

// IsKey reports whether key names a cohort.
func IsKey(key string) bool { return strings.HasPrefix(key, keyPrefix) }

// ClaimKey returns the store key of the reduce claim guarding cohortID.
func ClaimKey(cohortID string) string { return claimKeyPrefix + cohortID }

// Cohort is one problem-revision check. EvalKeys is fixed at creation and
// its order is the order members are reduced in.
type Cohort struct {
	ID          string                 `json:"id"`
	ProblemID   string                 `json:"problem_id"`
	Problem     league.Problem         `json:"problem_def"`
	PullRequest evaluation.PullRequest `json:"pull_request"`
	EvalKeys    []string               `json:"bot_eval_keys"`
	Status      Status                 `json:"status"`
	Error       string                 `json:"error,omitempty"`
	ReportURLs  []string               `json:"report_urls,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// New creates a pending cohort.
func New(problem league.Problem, pr evaluation.PullRequest, evalKeys []string, now time.Time) *Cohort {
	return &Cohort{
		ID:          ID(pr.Number, pr.HeadCommit),
		ProblemID:   problem.ID,
		Problem:     problem,
		PullRequest: pr,
		EvalKeys:    evalKeys,
		Status:      StatusPending,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
}

// IsTerminal reports whether the cohort reached Failed or Passed.
func (c *Cohort) IsTerminal() bool {
	return c.Status == StatusFailed || c.Status == StatusPassed
}

// MarkPassed moves a pending cohort to Passed.
func (c *Cohort) MarkPassed(reportURLs []string, now time.Time) error {
	if c.IsTerminal() {
		return fmt.Errorf("%w: cohort %s already %s", domain.ErrConflict, c.ID, c.Status)
	}
	c.Status = StatusPassed
	c.ReportURLs = reportURLs
	c.UpdatedAt = now.UTC()
	return nil
}

// MarkFailed moves a pending cohort to Failed with a diagnostic.
func (c *Cohort) MarkFailed(reason string, now time.Time) error {
	if c.IsTerminal() {
		return fmt.Errorf("%w: cohort %s already %s", domain.ErrConflict, c.ID, c.Status)
	}
	c.Status = StatusFailed
	c.Error = reason
	c.UpdatedAt = now.UTC()
	return nil
}

// StatusView is the public problem CI status.
type StatusView struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// View returns the public status of the cohort.
func (c *Cohort) View() StatusView {
	return StatusView{ID: c.ID, Status: c.Status, Error: c.Error, CreatedAt: c.CreatedAt}
}

// Claim is the reduce guard for one cohort. Whoever creates it runs the
// reduction. A claim older than the configured TTL on a still pending
// cohort may be taken over.
type Claim struct {
	CohortID  string    `json:"cohort_id"`
	Owner     string    `json:"owner"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Stale reports whether the claim has outlived ttl. A non-positive ttl
// means claims never expire.
func (c *Claim) Stale(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(c.ClaimedAt) > ttl
}

// Decision is the outcome of reducing a ready cohort.
type Decision struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}
