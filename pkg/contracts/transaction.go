package contracts

import "github.com/shopspring/decimal"

// TransactionRequest is an agent's request to move money. It is not
// persisted by the core; RequestID, when present, makes workflow creation
// idempotent.
type TransactionRequest struct {
	RequestID    string          `json:"request_id,omitempty"`
	AgentID      string          `json:"agent_id"`
	ConsentID    string          `json:"consent_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Counterparty string          `json:"counterparty"`
	Rail         string          `json:"rail,omitempty"`
	Memo         string          `json:"memo,omitempty"`
}

// Verdict is the RiskGate outcome.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReview  Verdict = "review"
	VerdictReject  Verdict = "reject"
)

// RiskDecision is produced fresh per request.
type RiskDecision struct {
	Score    float64  `json:"score"`
	Decision Verdict  `json:"decision"`
	Reason   string   `json:"reason"`
	Factors  []string `json:"factors,omitempty"`
}
