// Package gitlocal implements the bot registry on a local clone of the league
// repository, using the git CLI to keep it current.
package gitlocal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/botleague/internal/domain/league"
	"github.com/Strob0t/botleague/internal/git"
	"github.com/Strob0t/botleague/internal/port/botregistry"
)

var _ botregistry.Registry = (*Registry)(nil)

// Registry scans bots/<submitter>/<bot>/bot.json in a league checkout.
type Registry struct {
	dir   string
	pull  bool
	git   *git.Runner
	group singleflight.Group
}

// NewRegistry creates a Registry over the clone at dir. With pull set, every
// scan first fast-forwards the clone; concurrent scans share one pull.
func NewRegistry(dir string, pull bool, runner *git.Runner) *Registry {
	return &Registry{dir: dir, pull: pull, git: runner}
}

// BotsForProblem returns every bot declaring problemID, ordered by submitter
// then bot name. Unreadable bot definitions are skipped.
func (r *Registry) BotsForProblem(ctx context.Context, problemID string) ([]league.Bot, error) {
	if r.pull {
		if err := r.Pull(ctx); err != nil {
			return nil, err
		}
	}

	paths, err := filepath.Glob(filepath.Join(r.dir, league.BotsDir, "*", "*", league.BotDefinitionFile))
	if err != nil {
		return nil, fmt.Errorf("gitlocal: glob bots: %w", err)
	}

	var bots []league.Bot
	for _, p := range paths {
		data, err := os.ReadFile(p) //nolint:gosec // G304: path comes from a glob under the league dir
		if err != nil {
			continue
		}
		botDir := filepath.Dir(p)
		bot, err := league.ParseBot(filepath.Base(filepath.Dir(botDir)), filepath.Base(botDir), data)
		if err != nil {
			continue
		}
		if bot.Declares(problemID) {
			bots = append(bots, *bot)
		}
	}

	sort.Slice(bots, func(i, j int) bool {
		if bots[i].Submitter != bots[j].Submitter {
			return bots[i].Submitter < bots[j].Submitter
		}
		return bots[i].Name < bots[j].Name
	})
	return bots, nil
}

// Pull fast-forwards the clone to its upstream.
func (r *Registry) Pull(ctx context.Context) error {
	_, err, _ := r.group.Do("pull", func() (any, error) {
		if _, err := r.git.Git(ctx, r.dir, "pull", "--ff-only", "--quiet"); err != nil {
			return nil, fmt.Errorf("gitlocal: %w", err)
		}
		return nil, nil
	})
	return err
}

// HeadCommit returns the commit the clone is at.
func (r *Registry) HeadCommit(ctx context.Context) (string, error) {
	out, err := r.git.Git(ctx, r.dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("gitlocal: %w", err)
	}
	return strings.TrimSpace(out), nil
}
