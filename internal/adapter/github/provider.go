// Package github implements a gitprovider.Provider for GitHub using the
// `gh api` command. Without a configured token, authentication is whatever
// gh is logged in with.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/Strob0t/botleague/internal/port/gitprovider"
)

const providerName = "github"

var _ gitprovider.Provider = (*Provider)(nil)

// Provider implements gitprovider.Provider via the gh CLI.
type Provider struct {
	hostname string
	token    string

	// execCommand is swappable for testing.
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func newProvider(hostname, token string) *Provider {
	return &Provider{hostname: hostname, token: token, execCommand: exec.CommandContext}
}

func (p *Provider) Name() string { return providerName }

// api runs `gh api` with args and returns stdout.
func (p *Provider) api(ctx context.Context, args ...string) ([]byte, error) {
	full := []string{"api"}
	if p.hostname != "" {
		full = append(full, "--hostname", p.hostname)
	}
	full = append(full, args...)
	cmd := p.execCommand(ctx, "gh", full...)
	if p.token != "" {
		cmd.Env = append(os.Environ(), "GH_TOKEN="+p.token)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &apiError{msg: strings.TrimSpace(stderr.String()), err: err}
	}
	return stdout.Bytes(), nil
}

type apiError struct {
	msg string
	err error
}

func (e *apiError) Error() string { return fmt.Sprintf("gh api: %s: %v", e.msg, e.err) }
func (e *apiError) Unwrap() error { return e.err }

func (e *apiError) notFound() bool { return strings.Contains(e.msg, "HTTP 404") }

func (p *Provider) FetchFile(ctx context.Context, repo, path, ref string) ([]byte, error) {
	if err := validateRepo(repo); err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("repos/%s/contents/%s", repo, strings.TrimPrefix(path, "/"))
	if ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref)
	}
	data, err := p.api(ctx, endpoint, "-H", "Accept: application/vnd.github.raw")
	if err != nil {
		if ae, ok := err.(*apiError); ok && ae.notFound() {
			return nil, fmt.Errorf("%s@%s: %w", path, ref, gitprovider.ErrFileNotFound)
		}
		return nil, fmt.Errorf("fetch %s: %w", path, err)
	}
	return data, nil
}

func (p *Provider) CreateStatus(ctx context.Context, repo, sha string, status gitprovider.Status) error {
	if err := validateRepo(repo); err != nil {
		return err
	}
	args := []string{
		"-X", "POST", fmt.Sprintf("repos/%s/statuses/%s", repo, sha),
		"-f", "state=" + status.State,
		"-f", "description=" + gitprovider.TruncateDescription(status.Description),
		"-f", "context=" + status.Context,
	}
	if status.TargetURL != "" {
		args = append(args, "-f", "target_url="+status.TargetURL)
	}
	if _, err := p.api(ctx, args...); err != nil {
		return fmt.Errorf("create status on %s: %w", sha, err)
	}
	return nil
}

// ghPull mirrors the fields of the pulls API the liaison reads.
type ghPull struct {
	Number         int    `json:"number"`
	Draft          bool   `json:"draft"`
	MergeableState string `json:"mergeable_state"`
	Merged         bool   `json:"merged"`
}

func (p *Provider) GetPullRequest(ctx context.Context, repo string, number int) (*gitprovider.PullRequest, error) {
	if err := validateRepo(repo); err != nil {
		return nil, err
	}
	data, err := p.api(ctx, fmt.Sprintf("repos/%s/pulls/%d", repo, number))
	if err != nil {
		return nil, fmt.Errorf("get pull request %d: %w", number, err)
	}
	var pr ghPull
	if err := json.Unmarshal(data, &pr); err != nil {
		return nil, fmt.Errorf("parse gh output: %w", err)
	}
	return &gitprovider.PullRequest{
		Number:         pr.Number,
		Draft:          pr.Draft,
		MergeableState: pr.MergeableState,
		Merged:         pr.Merged,
	}, nil
}

func (p *Provider) Merge(ctx context.Context, repo string, number int, message string) (*gitprovider.MergeResult, error) {
	if err := validateRepo(repo); err != nil {
		return nil, err
	}
	data, err := p.api(ctx,
		"-X", "PUT", fmt.Sprintf("repos/%s/pulls/%s/merge", repo, strconv.Itoa(number)),
		"-f", "commit_message="+message,
	)
	if err != nil {
		return nil, fmt.Errorf("merge pull request %d: %w", number, err)
	}
	var res gitprovider.MergeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parse gh output: %w", err)
	}
	return &res, nil
}

func validateRepo(ref string) error {
	parts := strings.Split(ref, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("invalid repo %q: expected owner/repo", ref)
	}
	return nil
}
