// Package league defines the bot and problem definitions read from the league repository.
package league

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Well-known file names inside the league repository.
const (
	BotDefinitionFile     = "bot.json"
	ProblemDefinitionFile = "problem.json"
	ProblemsDir           = "problems"
	BotsDir               = "bots"
)

// Bot is a bot.json definition plus the directory it was found in.
type Bot struct {
	Submitter    string   `json:"-"`
	Name         string   `json:"-"`
	DockerTag    string   `json:"docker_tag"`
	SourceCommit string   `json:"source_commit,omitempty"`
	Problems     []string `json:"problems"`
}

// Declares reports whether the bot lists problemID among its problems.
func (b *Bot) Declares(problemID string) bool {
	for _, p := range b.Problems {
		if p == problemID {
			return true
		}
	}
	return false
}

// Problem is a problem.json definition.
type Problem struct {
	ID                       string          `json:"id,omitempty"`
	Endpoint                 string          `json:"endpoint"`
	AcceptableScoreDeviation float64         `json:"acceptable_score_deviation"`
	ReplaceSimURL            string          `json:"problem_ci_replace_sim_url,omitempty"`
	Raw                      json.RawMessage `json:"-"`
}

// ParseProblem decodes a problem.json document, keeping the raw bytes so the
// full definition can be forwarded to evaluators.
func ParseProblem(id string, data []byte) (*Problem, error) {
	var p Problem
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse problem %s: %w", id, err)
	}
	p.ID = id
	p.Raw = append(json.RawMessage(nil), data...)
	return &p, nil
}

// ParseBot decodes a bot.json document found under bots/<submitter>/<name>/.
func ParseBot(submitter, name string, data []byte) (*Bot, error) {
	var b Bot
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bot %s/%s: %w", submitter, name, err)
	}
	b.Submitter = submitter
	b.Name = name
	return &b, nil
}

// ProblemIDFromPath derives a problem id ("owner/name") from the path of a
// changed problem definition, e.g. "problems/deepdrive/domain_randomization/problem.json".
func ProblemIDFromPath(path string) (string, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[len(parts)-1] != ProblemDefinitionFile {
		return "", fmt.Errorf("not a problem definition path: %q", path)
	}
	return strings.Join(parts[len(parts)-3:len(parts)-1], "/"), nil
}

// ProblemPath returns the repository path of a problem's definition file.
func ProblemPath(problemID string) string {
	return ProblemsDir + "/" + problemID + "/" + ProblemDefinitionFile
}
