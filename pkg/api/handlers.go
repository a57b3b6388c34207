package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
	"github.com/kenhuangus/agent-payment-platform/pkg/errorir"
	"github.com/kenhuangus/agent-payment-platform/pkg/orchestrator"
)

// maxWait bounds the ?wait= parameter on POST /v1/payments.
const maxWait = 30 * time.Second

type decisionRequest struct {
	Approved bool `json:"approved"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateConsent(w http.ResponseWriter, r *http.Request) {
	var c contracts.Consent
	if err := s.schemas.decode(w, r, "consent", &c); err != nil {
		WriteErrorFrom(w, r, err)
		return
	}
	if c.ID == "" {
		c.ID = "cns_" + uuid.NewString()
	}
	created, err := s.consents.Create(r.Context(), c)
	if err != nil {
		WriteErrorFrom(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/consents/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListConsents(w http.ResponseWriter, r *http.Request) {
	list, err := s.consents.List(r.Context(), r.URL.Query().Get("agent_id"))
	if err != nil {
		WriteErrorFrom(w, r, err)
		return
	}
	if list == nil {
		list = []contracts.Consent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"consents": list})
}

func (s *Server) handleGetConsent(w http.ResponseWriter, r *http.Request) {
	c, err := s.consents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErrorFrom(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRevokeConsent(w http.ResponseWriter, r *http.Request) {
	c, err := s.consents.Revoke(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErrorFrom(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleStartPayment starts a workflow and answers 202 with its snapshot.
// With ?wait=<duration> it blocks until the workflow stops running and
// answers 200 when it is terminal.
func (s *Server) handleStartPayment(w http.ResponseWriter, r *http.Request) {
	wait, err := parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		WriteErrorFrom(w, r, err)
		return
	}
	var req contracts.TransactionRequest
	if err := s.schemas.decode(w, r, "payment", &req); err != nil {
		WriteErrorFrom(w, r, err)
		return
	}
	wf, err := s.payments.Start(r.Context(), req)
	if err != nil {
		WriteErrorFrom(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/workflows/"+wf.ID)

	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		if done, err := s.payments.Await(ctx, wf.ID); err == nil {
			wf = done
		} else if !errorir.HasCode(err, errorir.CodeTimeout) {
			WriteErrorFrom(w, r, err)
			return
		}
	}
	status := http.StatusAccepted
	if wf.Status.Terminal() {
		status = http.StatusOK
	}
	writeJSON(w, status, wf)
}

func parseWait(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, errorir.Newf(errorir.CodeInvalidRequest, "invalid_wait", "wait %q is not a non-negative duration", v)
	}
	return min(d, maxWait), nil
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.payments.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErrorFrom(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleCosign(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.payments.Resume)
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.payments.DisposeReview)
}

type decider func(ctx context.Context, id, group, by string, approved bool) (orchestrator.Workflow, error)

func (s *Server) decide(w http.ResponseWriter, r *http.Request, fn decider) {
	approver, ok := ApproverFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	var d decisionRequest
	if err := s.schemas.decode(w, r, "decision", &d); err != nil {
		WriteErrorFrom(w, r, err)
		return
	}
	id := r.PathValue("id")
	wf, err := fn(r.Context(), id, approver.Group, approver.ID, d.Approved)
	if err != nil {
		WriteErrorFrom(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "workflow decision recorded",
		"workflow_id", id, "approver", approver.ID, "group", approver.Group,
		"approved", d.Approved, "status", wf.Status)
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var c cancelRequest
	if err := s.schemas.decode(w, r, "cancel", &c); err != nil {
		WriteErrorFrom(w, r, err)
		return
	}
	reason := strings.TrimSpace(c.Reason)
	if reason == "" {
		reason = "cancelled by caller"
	}
	wf, err := s.payments.Cancel(r.Context(), r.PathValue("id"), reason)
	if err != nil {
		WriteErrorFrom(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, wf)
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErrorFrom(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleVerify answers 200 for an intact range and 409 with the
// verification body when the chain is broken.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseSeq(q.Get("from"), "from")
	if err != nil {
		WriteErrorFrom(w, r, err)
		return
	}
	to, err := parseSeq(q.Get("to"), "to")
	if err != nil {
		WriteErrorFrom(w, r, err)
		return
	}
	if to != 0 && from > to {
		WriteErrorFrom(w, r, errorir.Newf(errorir.CodeInvalidRequest, "invalid_range", "from %d is after to %d", from, to))
		return
	}
	v, err := s.ledger.VerifyChain(r.Context(), from, to)
	if err != nil {
		WriteErrorFrom(w, r, err)
		return
	}
	status := http.StatusOK
	if !v.OK {
		s.logger.WarnContext(r.Context(), "ledger chain verification failed",
			"from", v.From, "to", v.To, "broken_at", v.BrokenAt, "reason", v.Reason)
		status = http.StatusConflict
	}
	writeJSON(w, status, v)
}

func parseSeq(v, name string) (uint64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errorir.Newf(errorir.CodeInvalidRequest, "invalid_range", "%s=%q is not a sequence number", name, v)
	}
	return n, nil
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	tb, err := s.ledger.TrialBalance(r.Context())
	if err != nil {
		WriteErrorFrom(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tb)
}

// handleAudit reports on workflows and postings created in [from, to).
// Bounds are RFC 3339 timestamps or YYYY-MM-DD dates in UTC.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseInstant(q.Get("from"), "from")
	if err != nil {
		WriteErrorFrom(w, r, err)
		return
	}
	to, err := parseInstant(q.Get("to"), "to")
	if err != nil {
		WriteErrorFrom(w, r, err)
		return
	}
	rep, err := s.payments.Audit(r.Context(), s.ledger, from, to)
	if err != nil {
		WriteErrorFrom(w, r, err)
		return
	}
	if !rep.OK {
		s.logger.WarnContext(r.Context(), "audit found integrity issues", "issues", rep.Issues)
	}
	writeJSON(w, http.StatusOK, rep)
}

func parseInstant(v, name string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	return time.Time{}, errorir.Newf(errorir.CodeInvalidRequest, "invalid_range", "%s=%q is not an RFC 3339 time or a date", name, v)
}
