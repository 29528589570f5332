package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/botleague/internal/config"
	"github.com/Strob0t/botleague/internal/domain"
	"github.com/Strob0t/botleague/internal/domain/evaluation"
	"github.com/Strob0t/botleague/internal/domain/league"
	"github.com/Strob0t/botleague/internal/port/gitprovider"
	"github.com/Strob0t/botleague/internal/port/messagequeue"
	"github.com/Strob0t/botleague/internal/port/recordstore"
	"github.com/Strob0t/botleague/internal/resilience"
)

var testPolicy = resilience.RetryPolicy{MaxAttempts: 500, InitialBackoff: time.Microsecond, MaxBackoff: time.Millisecond}

var testGitHub = config.GitHub{
	Repo:          "botleague/botleague",
	StatusContext: "Botleague",
	MergeMessage:  "Automatically merged by Botleague problem CI",
}

// memRecords is an in-memory recordstore.Store with per-key revisions.
type memRecords struct {
	mu      sync.Mutex
	rev     uint64
	entries map[string]recordstore.Entry

	// loseSwaps makes every CompareAndSwap on keys with this prefix report a lost race.
	loseSwaps string
	// failCreates makes Create fail on keys with this prefix.
	failCreates string
	// beforeCreate, when set, runs ahead of every Create.
	beforeCreate func(key string)
}

var _ recordstore.Store = (*memRecords)(nil)

func newMemRecords() *memRecords {
	return &memRecords{entries: make(map[string]recordstore.Entry)}
}

func (m *memRecords) Get(_ context.Context, key string) (recordstore.Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *memRecords) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(key, value)
	return nil
}

func (m *memRecords) Create(ctx context.Context, key string, value []byte) (bool, error) {
	if m.beforeCreate != nil {
		m.beforeCreate(key)
	}
	if m.failCreates != "" && strings.HasPrefix(key, m.failCreates) {
		return false, errors.New("record store unreachable")
	}
	return m.CompareAndSwap(ctx, key, 0, value)
}

// count returns how many keys start with prefix.
func (m *memRecords) count(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n
}

func (m *memRecords) CompareAndSwap(_ context.Context, key string, expected uint64, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loseSwaps != "" && len(key) >= len(m.loseSwaps) && key[:len(m.loseSwaps)] == m.loseSwaps {
		return false, nil
	}
	cur, ok := m.entries[key]
	switch {
	case expected == 0 && ok:
		return false, nil
	case expected != 0 && (!ok || cur.Revision != expected):
		return false, nil
	}
	m.put(key, value)
	return true, nil
}

func (m *memRecords) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *memRecords) put(key string, value []byte) {
	m.rev++
	m.entries[key] = recordstore.Entry{Value: append([]byte(nil), value...), Revision: m.rev}
}

// stubDispatcher records every dispatch. Endpoints listed in fail return an
// upstream error.
type stubDispatcher struct {
	mu       sync.Mutex
	payloads []evaluation.DispatchPayload
	fail     map[string]bool
}

func (d *stubDispatcher) Dispatch(_ context.Context, endpoint string, p evaluation.DispatchPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[endpoint] {
		return fmt.Errorf("%w: endpoint %s took too long to respond", domain.ErrUpstream, endpoint)
	}
	d.payloads = append(d.payloads, p)
	return nil
}

func (d *stubDispatcher) sent() []evaluation.DispatchPayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]evaluation.DispatchPayload(nil), d.payloads...)
}

// stubGit is an in-memory hosting platform.
type stubGit struct {
	mu       sync.Mutex
	files    map[string][]byte // "repo:path"
	statuses []gitprovider.Status
	merges   []int
	draft    bool
	mergeErr error
}

var _ gitprovider.Provider = (*stubGit)(nil)

func newStubGit() *stubGit { return &stubGit{files: make(map[string][]byte)} }

func (g *stubGit) Name() string { return "stub" }

func (g *stubGit) FetchFile(_ context.Context, repo, path, _ string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, ok := g.files[repo+":"+path]
	if !ok {
		return nil, gitprovider.ErrFileNotFound
	}
	return data, nil
}

func (g *stubGit) CreateStatus(_ context.Context, _, _ string, st gitprovider.Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses = append(g.statuses, st)
	return nil
}

func (g *stubGit) GetPullRequest(_ context.Context, _ string, n int) (*gitprovider.PullRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &gitprovider.PullRequest{Number: n, Draft: g.draft}, nil
}

func (g *stubGit) Merge(_ context.Context, _ string, n int, _ string) (*gitprovider.MergeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mergeErr != nil {
		return nil, g.mergeErr
	}
	g.merges = append(g.merges, n)
	return &gitprovider.MergeResult{Merged: true, SHA: "merged"}, nil
}

func (g *stubGit) lastStatus() gitprovider.Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.statuses) == 0 {
		return gitprovider.Status{}
	}
	return g.statuses[len(g.statuses)-1]
}

func (g *stubGit) mergeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.merges)
}

type stubRegistry struct {
	bots []league.Bot
}

func (r *stubRegistry) BotsForProblem(_ context.Context, problemID string) ([]league.Bot, error) {
	var out []league.Bot
	for _, b := range r.bots {
		if b.Declares(problemID) {
			out = append(out, b)
		}
	}
	return out, nil
}

type stubReports struct {
	mu    sync.Mutex
	names []string
}

func (r *stubReports) Upload(_ context.Context, name string, _ []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	return r.Link(name), nil
}

func (r *stubReports) Link(name string) string { return "https://reports.example/" + name }

func (r *stubReports) uploads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

type queued struct {
	subject string
	data    []byte
}

// stubQueue keeps what was published.
type stubQueue struct {
	mu   sync.Mutex
	msgs []queued
}

func (q *stubQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, queued{subject: subject, data: data})
	return nil
}

func (q *stubQueue) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *stubQueue) Drain() error      { return nil }
func (q *stubQueue) Close() error      { return nil }
func (q *stubQueue) IsConnected() bool { return true }

var _ messagequeue.Queue = (*stubQueue)(nil)

func (q *stubQueue) count(subject string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, m := range q.msgs {
		if m.subject == subject {
			n++
		}
	}
	return n
}

const testLiaison = "https://liaison.example"

var testProblem = league.Problem{
	ID:                       "deepdrive/dr",
	Endpoint:                 "https://sim.example/eval/dr",
	AcceptableScoreDeviation: 100,
}

var testPR = evaluation.PullRequest{
	Number:       42,
	HeadCommit:   "abcdef1234567890",
	BaseFullName: "botleague/botleague",
}

// harness wires every service against in-memory collaborators.
type harness struct {
	store    *memRecords
	disp     *stubDispatcher
	git      *stubGit
	registry *stubRegistry
	reports  *stubReports
	queue    *stubQueue
	ledgers  *LedgerService
	evals    *EvaluationService
	reducer  *ReduceCoordinator
	ci       *ProblemCIService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    newMemRecords(),
		disp:     &stubDispatcher{fail: map[string]bool{}},
		git:      newStubGit(),
		registry: &stubRegistry{},
		reports:  &stubReports{},
		queue:    &stubQueue{},
	}
	h.git.files["botleague/botleague:"+league.ProblemPath(testProblem.ID)] =
		[]byte(`{"endpoint":"https://sim.example/eval/dr","acceptable_score_deviation":100}`)

	h.ledgers = NewLedgerService(h.store, testPolicy, nil)
	h.evals = NewEvaluationService(EvaluationDeps{
		Store:       h.store,
		Dispatcher:  h.disp,
		Reports:     h.reports,
		Queue:       h.queue,
		Ledgers:     h.ledgers,
		Git:         h.git,
		GitHub:      testGitHub,
		Retry:       testPolicy,
		LiaisonHost: testLiaison,
	})
	h.reducer = NewReduceCoordinator(h.store, h.ledgers, time.Minute, testPolicy, nil)
	h.ci = NewProblemCIService(ProblemCIDeps{
		Store:       h.store,
		Evaluations: h.evals,
		Reducer:     h.reducer,
		Ledgers:     h.ledgers,
		Registry:    h.registry,
		Queue:       h.queue,
		Git:         h.git,
		GitHub:      testGitHub,
		MaxParallel: 2,
		PublicHost:  testLiaison,
	})
	h.evals.SetCohortHandler(h.ci)
	return h
}

// finish confirms and completes the evaluation with evalKey.
func (h *harness) finish(t *testing.T, evalKey string, score float64, errs string) (*CompleteResponse, error) {
	t.Helper()
	if _, err := h.evals.Confirm(context.Background(), ConfirmRequest{EvalKey: evalKey}); err != nil {
		t.Fatalf("confirm %s: %v", evalKey, err)
	}
	res := &evaluation.Results{Score: score}
	if errs != "" {
		res.Errors = json.RawMessage(errs)
	}
	return h.evals.Complete(context.Background(), ResultsRequest{EvalKey: evalKey, Results: res})
}
