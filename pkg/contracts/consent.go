package contracts

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConsentLimits bound what a consent authorizes. Amounts are USD.
type ConsentLimits struct {
	SingleTxnUSD  decimal.Decimal `json:"single_txn_usd"`
	DailyUSD      decimal.Decimal `json:"daily_usd"`
	MaxTxnPerHour int             `json:"max_txn_per_hour"`
}

// CosignRule requires a secondary approval at or above ThresholdUSD.
// A zero threshold disables the rule.
type CosignRule struct {
	ThresholdUSD  decimal.Decimal `json:"threshold_usd"`
	ApproverGroup string          `json:"approver_group"`
}

// Enabled reports whether the rule applies at all.
func (r CosignRule) Enabled() bool {
	return r.ThresholdUSD.IsPositive()
}

// Consent is an owner-granted spending authorization for one agent.
// Revocation is permanent.
type Consent struct {
	ID                  string        `json:"id"`
	AgentID             string        `json:"agent_id"`
	OwnerPartyID        string        `json:"owner_party_id"`
	Rails               []string      `json:"rails"`
	CounterpartiesAllow []string      `json:"counterparties_allow"`
	Limits              ConsentLimits `json:"limits"`
	CosignRule          CosignRule    `json:"cosign_rule"`
	PolicyBundleVersion string        `json:"policy_bundle_version"`
	CreatedAt           time.Time     `json:"created_at"`
	Revoked             bool          `json:"revoked"`
}

// AllowsRail reports whether rail is in the consent's rail set.
func (c Consent) AllowsRail(rail string) bool {
	for _, r := range c.Rails {
		if r == rail {
			return true
		}
	}
	return false
}
