// Package cosign tracks approvals the payment core waits on: cosign
// requests for transactions above a consent's threshold and manual risk
// reviews.
//
// The manager creates requests, tracks their lifecycle, expires them, and
// produces content-hashed receipts for every resolution.
package cosign

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kenhuangus/agent-payment-platform/pkg/canonicalize"
	"github.com/kenhuangus/agent-payment-platform/pkg/errorir"
)

// Kind distinguishes what an approval unblocks.
type Kind string

const (
	KindCosign Kind = "cosign"
	KindReview Kind = "review"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
	StatusTimedOut Status = "TIMED_OUT"
)

var (
	ErrNotFound      = errorir.New(errorir.CodeNotFound, "approval_not_found", "")
	ErrNotPending    = errorir.New(errorir.CodeInvalidState, "approval_not_pending", "")
	ErrGroupMismatch = errorir.New(errorir.CodeDenied, "approver_group_mismatch", "")
)

// Request is one pending approval. ApproverGroup may be empty for reviews,
// in which case any group may resolve it.
type Request struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflow_id"`
	Kind          Kind            `json:"kind"`
	ApproverGroup string          `json:"approver_group,omitempty"`
	AmountUSD     decimal.Decimal `json:"amount_usd"`
	Reason        string          `json:"reason,omitempty"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// Receipt records how a request was resolved. Hash covers every other field.
type Receipt struct {
	RequestID     string    `json:"request_id"`
	WorkflowID    string    `json:"workflow_id"`
	Kind          Kind      `json:"kind"`
	Outcome       Status    `json:"outcome"`
	ApproverGroup string    `json:"approver_group,omitempty"`
	ResolvedBy    string    `json:"resolved_by,omitempty"`
	ResolvedAt    time.Time `json:"resolved_at"`
	DurationMs    int64     `json:"duration_ms"`
	Hash          string    `json:"hash,omitempty"`
}

type key struct {
	workflowID string
	kind       Kind
}

// Manager handles the lifecycle of approval requests.
type Manager struct {
	mu       sync.Mutex
	requests map[key]*Request
	timeout  time.Duration
	clock    func() time.Time
}

// NewManager creates a manager whose requests expire after timeout.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		requests: make(map[key]*Request),
		timeout:  timeout,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Open creates a pending request for workflowID. Opening a kind that is
// already pending for the workflow returns the existing request.
func (m *Manager) Open(_ context.Context, workflowID string, kind Kind, approverGroup string, amountUSD decimal.Decimal, reason string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{workflowID, kind}
	if existing, ok := m.requests[k]; ok && existing.Status == StatusPending {
		cp := *existing
		return &cp, nil
	}

	now := m.clock()
	req := &Request{
		ID:            uuid.New().String(),
		WorkflowID:    workflowID,
		Kind:          kind,
		ApproverGroup: approverGroup,
		AmountUSD:     amountUSD,
		Reason:        reason,
		Status:        StatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.timeout),
	}
	m.requests[k] = req
	cp := *req
	return &cp, nil
}

// Resolve approves or denies the pending request of kind for workflowID.
// A group that does not match the request's approver group is refused and
// leaves the request pending. A request resolved after its expiry times out
// instead; check the receipt's Outcome.
func (m *Manager) Resolve(_ context.Context, workflowID string, kind Kind, approverGroup, resolvedBy string, approved bool) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[key{workflowID, kind}]
	if !ok {
		return nil, ErrNotFound.WithDetail("no %s request for %s", kind, workflowID)
	}
	if req.Status != StatusPending {
		return nil, ErrNotPending.WithDetail("%s request for %s is %s", kind, workflowID, req.Status)
	}
	if req.ApproverGroup != "" && req.ApproverGroup != approverGroup {
		return nil, ErrGroupMismatch.WithDetail("group %q cannot resolve a request for %q", approverGroup, req.ApproverGroup)
	}

	now := m.clock()
	switch {
	case now.After(req.ExpiresAt):
		req.Status = StatusTimedOut
		resolvedBy = ""
	case approved:
		req.Status = StatusApproved
	default:
		req.Status = StatusDenied
	}
	return m.createReceipt(req, resolvedBy, now)
}

// Expired times out every pending request past its expiry and returns
// their receipts, oldest first.
func (m *Manager) Expired(_ context.Context) ([]*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	var expired []*Request
	for _, req := range m.requests {
		if req.Status == StatusPending && now.After(req.ExpiresAt) {
			expired = append(expired, req)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt.Before(expired[j].CreatedAt) })

	receipts := make([]*Receipt, 0, len(expired))
	for _, req := range expired {
		req.Status = StatusTimedOut
		r, err := m.createReceipt(req, "", now)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, nil
}

// Get returns a copy of the request of kind for workflowID.
func (m *Manager) Get(workflowID string, kind Kind) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[key{workflowID, kind}]
	if !ok {
		return nil, ErrNotFound.WithDetail("no %s request for %s", kind, workflowID)
	}
	cp := *req
	return &cp, nil
}

// Forget drops every request for workflowID, pending or not.
func (m *Manager) Forget(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests, key{workflowID, KindCosign})
	delete(m.requests, key{workflowID, KindReview})
}

// PendingCount returns the number of pending requests.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, req := range m.requests {
		if req.Status == StatusPending {
			count++
		}
	}
	return count
}

func (m *Manager) createReceipt(req *Request, resolvedBy string, resolvedAt time.Time) (*Receipt, error) {
	receipt := &Receipt{
		RequestID:     req.ID,
		WorkflowID:    req.WorkflowID,
		Kind:          req.Kind,
		Outcome:       req.Status,
		ApproverGroup: req.ApproverGroup,
		ResolvedBy:    resolvedBy,
		ResolvedAt:    resolvedAt.UTC(),
		DurationMs:    resolvedAt.Sub(req.CreatedAt).Milliseconds(),
	}
	hash, err := canonicalize.CanonicalHash(receipt)
	if err != nil {
		return nil, errorir.Wrap(err, errorir.CodeInternal, "receipt_hash_failed", req.ID)
	}
	receipt.Hash = hash
	return receipt, nil
}

// VerifyReceipt recomputes a receipt's hash.
func VerifyReceipt(r *Receipt) (bool, error) {
	cp := *r
	cp.Hash = ""
	hash, err := canonicalize.CanonicalHash(&cp)
	if err != nil {
		return false, err
	}
	return hash == r.Hash, nil
}
