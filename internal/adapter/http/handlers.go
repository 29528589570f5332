package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Strob0t/botleague/internal/domain/ledger"
	"github.com/Strob0t/botleague/internal/service"
)

const (
	callbackBodyLimit = 1 << 20
	resultsBodyLimit  = 16 << 20
)

// Handlers serves the evaluator callbacks and the operator API.
type Handlers struct {
	Evaluations *service.EvaluationService
	ProblemCI   *service.ProblemCIService
	Ledgers     *service.LedgerService
	// Checks are run by the health endpoint, keyed by dependency name.
	Checks map[string]func(context.Context) error
}

// Confirm handles POST /confirm
func (h *Handlers) Confirm(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.ConfirmRequest](w, r, callbackBodyLimit)
	if !ok {
		return
	}
	resp, err := h.Evaluations.Confirm(r.Context(), req)
	writeJSON(w, statusFor(err), resp)
}

// Results handles POST /results
//
// Results reporting errors are stored like any other; the response then
// carries the error next to the annotated results.
func (h *Handlers) Results(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.ResultsRequest](w, r, resultsBodyLimit)
	if !ok {
		return
	}
	resp, err := h.Evaluations.Complete(r.Context(), req)
	if resp == nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, statusFor(err), resp)
}

// ProblemCIStatus handles GET /problem_ci_status?id= or ?pr_number=&commit=
func (h *Handlers) ProblemCIStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := service.StatusQuery{ID: q.Get("id"), Commit: q.Get("commit")}
	if raw := q.Get("pr_number"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "pr_number must be a positive integer")
			return
		}
		query.PRNumber = n
	}
	view, err := h.ProblemCI.Status(r.Context(), query)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetEvaluation handles GET /api/v1/evaluations/{evalID}
func (h *Handlers) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	view, err := h.Evaluations.GetPublic(r.Context(), urlParam(r, "evalID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// TriggerBotEvaluation handles POST /api/v1/evaluations
func (h *Handlers) TriggerBotEvaluation(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.BotEvaluationRequest](w, r, callbackBodyLimit)
	if !ok {
		return
	}
	results, err := h.Evaluations.TriggerBotEvaluation(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, results)
}

// GetLedger handles GET /api/v1/ledgers?submitter=&bot=&problem=
func (h *Handlers) GetLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref := ledger.Ref{Submitter: q.Get("submitter"), BotName: q.Get("bot"), ProblemID: q.Get("problem")}
	if !requireField(w, ref.Submitter, "submitter") ||
		!requireField(w, ref.BotName, "bot") ||
		!requireField(w, ref.ProblemID, "problem") {
		return
	}
	l, err := h.Ledgers.Get(r.Context(), ref)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l.Summary())
}

// CheckProblemChange handles POST /api/v1/problem-checks
func (h *Handlers) CheckProblemChange(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.ProblemChangeRequest](w, r, callbackBodyLimit)
	if !ok {
		return
	}
	res, err := h.ProblemCI.CheckProblemChange(r.Context(), req)
	if res == nil {
		writeDomainError(w, err)
		return
	}
	status := statusFor(err)
	if err == nil && res.Outcome == service.OutcomeTriggered {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// RedriveProblemCheck handles POST /api/v1/problem-checks/{id}/reduce
func (h *Handlers) RedriveProblemCheck(w http.ResponseWriter, r *http.Request) {
	c, err := h.ProblemCI.Redrive(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.View())
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.Checks))}
	status := http.StatusOK
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			slog.Warn("health check failed", "check", name, "error", err)
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}
