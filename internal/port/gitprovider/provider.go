// Package gitprovider defines the Git hosting platform port (interface).
package gitprovider

import (
	"context"
	"errors"
)

// ErrFileNotFound is returned by FetchFile when the path does not exist at ref.
var ErrFileNotFound = errors.New("file not found")

// Commit status states accepted by hosting platforms.
const (
	StateError   = "error"
	StateFailure = "failure"
	StatePending = "pending"
	StateSuccess = "success"
)

// maxDescription is the longest commit status description GitHub accepts.
const maxDescription = 140

// Status is a commit status posted against a revision.
type Status struct {
	State       string `json:"state"`
	Description string `json:"description"`
	TargetURL   string `json:"target_url,omitempty"`
	Context     string `json:"context"`
}

// TruncateDescription shortens msg to fit a commit status description.
func TruncateDescription(msg string) string {
	r := []rune(msg)
	if len(r) <= maxDescription {
		return msg
	}
	return string(r[:maxDescription-3]) + "..."
}

// PullRequest is the subset of change-request state the liaison needs.
type PullRequest struct {
	Number         int    `json:"number"`
	Draft          bool   `json:"draft"`
	MergeableState string `json:"mergeable_state"`
	Merged         bool   `json:"merged"`
}

// MergeResult reports the outcome of a merge request.
type MergeResult struct {
	Merged  bool   `json:"merged"`
	Message string `json:"message"`
	SHA     string `json:"sha,omitempty"`
}

// Provider is the port interface for interacting with a Git hosting platform.
type Provider interface {
	// Name returns the unique identifier for this provider (e.g. "github").
	Name() string

	// FetchFile returns the content of path in repo at ref. An empty ref means
	// the default branch.
	FetchFile(ctx context.Context, repo, path, ref string) ([]byte, error)

	// CreateStatus posts a commit status on sha.
	CreateStatus(ctx context.Context, repo, sha string, status Status) error

	// GetPullRequest returns the current state of change request number.
	GetPullRequest(ctx context.Context, repo string, number int) (*PullRequest, error)

	// Merge asks the platform to merge change request number.
	Merge(ctx context.Context, repo string, number int, message string) (*MergeResult, error)
}
