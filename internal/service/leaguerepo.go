package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Strob0t/botleague/internal/config"
	"github.com/Strob0t/botleague/internal/domain"
	"github.com/Strob0t/botleague/internal/domain/evaluation"
	"github.com/Strob0t/botleague/internal/port/gitprovider"
	"github.com/Strob0t/botleague/internal/port/messagequeue"
)

// leagueRepo wraps the hosting platform calls made against change requests
// of the league repository. A nil provider turns every call into a no-op.
type leagueRepo struct {
	git gitprovider.Provider
	cfg config.GitHub
}

func (r leagueRepo) repoFor(pr evaluation.PullRequest) string {
	if pr.BaseFullName != "" {
		return pr.BaseFullName
	}
	return r.cfg.Repo
}

// fetch reads path at ref. A missing file is reported as domain.ErrNotFound.
func (r leagueRepo) fetch(ctx context.Context, repo, path, ref string) ([]byte, error) {
	if r.git == nil {
		return nil, fmt.Errorf("%w: no git provider configured", domain.ErrUpstream)
	}
	data, err := r.git.FetchFile(ctx, repo, path, ref)
	if errors.Is(err, gitprovider.ErrFileNotFound) {
		return nil, fmt.Errorf("%w: %s not found in %s", domain.ErrNotFound, path, repo)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s from %s: %v", domain.ErrUpstream, path, repo, err)
	}
	return data, nil
}

// postStatus posts a commit status on the change request's head revision.
func (r leagueRepo) postStatus(ctx context.Context, pr evaluation.PullRequest, state, msg, targetURL string) error {
	if r.git == nil || pr.HeadCommit == "" {
		return nil
	}
	repo := r.repoFor(pr)
	err := r.git.CreateStatus(ctx, repo, pr.HeadCommit, gitprovider.Status{
		State:       state,
		Description: gitprovider.TruncateDescription(msg),
		TargetURL:   targetURL,
		Context:     r.cfg.StatusContext,
	})
	if err != nil {
		return fmt.Errorf("%w: post %s status to %s: %v", domain.ErrUpstream, state, repo, err)
	}
	slog.Info("commit status posted", "repo", repo, "pr_number", pr.Number, "state", state)
	return nil
}

// merge asks the platform to merge the change request. Drafts and already
// merged requests are left alone.
func (r leagueRepo) merge(ctx context.Context, pr evaluation.PullRequest) error {
	if r.git == nil || pr.Number == 0 {
		return nil
	}
	repo := r.repoFor(pr)
	if pr.Draft {
		slog.Info("pull request is draft, not merging", "repo", repo, "pr_number", pr.Number)
		return nil
	}
	current, err := r.git.GetPullRequest(ctx, repo, pr.Number)
	if err != nil {
		return fmt.Errorf("%w: get pull request %d: %v", domain.ErrUpstream, pr.Number, err)
	}
	switch {
	case current.Draft || current.MergeableState == "draft":
		slog.Info("pull request is draft, not merging", "repo", repo, "pr_number", pr.Number)
		return nil
	case current.Merged:
		return nil
	}
	res, err := r.git.Merge(ctx, repo, pr.Number, r.cfg.MergeMessage)
	if err != nil {
		return fmt.Errorf("%w: merge pull request %d: %v", domain.ErrUpstream, pr.Number, err)
	}
	if !res.Merged {
		return fmt.Errorf("%w: merge pull request %d: %s", domain.ErrUpstream, pr.Number, res.Message)
	}
	slog.Info("pull request merged", "repo", repo, "pr_number", pr.Number, "sha", res.SHA)
	return nil
}

// publish sends v on subject. Failures are logged and swallowed; consumers
// of these messages can always rebuild from the record store.
func publish(ctx context.Context, q messagequeue.Queue, subject string, v any) {
	if q == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal message", "subject", subject, "error", err)
		return
	}
	if err := q.Publish(ctx, subject, data); err != nil {
		slog.Warn("publish failed", "subject", subject, "error", err)
	}
}
