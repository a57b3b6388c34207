// Package consent holds owner-granted spending consents and answers
// authorization queries against them.
//
// Limit enforcement is check-then-commit: the window check and the usage
// record happen inside one per-consent critical section, so two concurrent
// requests can never both pass a limit only one of them fits.
package consent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/shopspring/decimal"

	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
	"github.com/kenhuangus/agent-payment-platform/pkg/errorir"
	"github.com/kenhuangus/agent-payment-platform/pkg/finance"
)

// Outcome of a successful Authorize.
type Outcome string

const (
	OutcomeAuthorized     Outcome = "authorized"
	OutcomeRequiresCosign Outcome = "requires_cosign"
)

// Policy configures creation checks and currency conversion.
type Policy struct {
	RequireRails     bool
	Rates            finance.RateTable
	BundleConstraint string // semver constraint on policy_bundle_version; empty disables
}

// DefaultPolicy requires rails and counterparties, knows USD only and
// accepts bundle versions >= 1.0.0.
func DefaultPolicy() Policy {
	return Policy{
		RequireRails:     true,
		Rates:            finance.DefaultRates(),
		BundleConstraint: ">= 1.0.0",
	}
}

// AuthorizeRequest is one authorization query. At is the window clock.
type AuthorizeRequest struct {
	ConsentID    string
	AgentID      string
	Amount       decimal.Decimal
	Currency     string
	Counterparty string
	Rail         string
	At           time.Time
}

// Authorization is the result of a successful Authorize. UsageID is set
// when usage was recorded and must be released if the payment is abandoned.
type Authorization struct {
	Outcome       Outcome         `json:"outcome"`
	ConsentID     string          `json:"consent_id"`
	ApproverGroup string          `json:"approver_group,omitempty"`
	UsageID       string          `json:"usage_id,omitempty"`
	AmountUSD     decimal.Decimal `json:"amount_usd"`
	Rail          string          `json:"rail"`
}

// Store is the ConsentStore.
type Store struct {
	repo       Repository
	window     UsageWindow
	policy     Policy
	constraint *semver.Constraints
	clock      func() time.Time
	logger     *slog.Logger
}

// NewStore creates a Store. It fails only on an unparseable bundle constraint.
func NewStore(repo Repository, window UsageWindow, policy Policy) (*Store, error) {
	s := &Store{
		repo:   repo,
		window: window,
		policy: policy,
		clock:  time.Now,
		logger: slog.Default().With("component", "consent"),
	}
	if s.policy.Rates == nil {
		s.policy.Rates = finance.DefaultRates()
	}
	if policy.BundleConstraint != "" {
		c, err := semver.NewConstraint(policy.BundleConstraint)
		if err != nil {
			return nil, errorir.Wrap(err, errorir.CodeInvalidRequest, "bad_bundle_constraint", policy.BundleConstraint)
		}
		s.constraint = c
	}
	return s, nil
}

// WithClock overrides the clock used for created_at and zero At values.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// WithLogger overrides the logger.
func (s *Store) WithLogger(logger *slog.Logger) *Store {
	s.logger = logger.With("component", "consent")
	return s
}

// Create validates and inserts c. CreatedAt defaults to now; Revoked must be false.
func (s *Store) Create(ctx context.Context, c contracts.Consent) (contracts.Consent, error) {
	if err := s.validate(c); err != nil {
		return contracts.Consent{}, err
	}
	rails := make([]string, len(c.Rails))
	for i, r := range c.Rails {
		rails[i] = normalizeRail(r)
	}
	c.Rails = rails
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock()
	}
	c.CreatedAt = c.CreatedAt.UTC().Truncate(time.Microsecond)

	if err := s.repo.Insert(ctx, c); err != nil {
		return contracts.Consent{}, err
	}
	s.logger.InfoContext(ctx, "consent created", "consent_id", c.ID, "agent_id", c.AgentID)
	return c, nil
}

func (s *Store) validate(c contracts.Consent) error {
	switch {
	case strings.TrimSpace(c.ID) == "":
		return invalid("missing_id", "consent id is required")
	case strings.TrimSpace(c.AgentID) == "":
		return invalid("missing_agent", "agent_id is required")
	case strings.TrimSpace(c.OwnerPartyID) == "":
		return invalid("missing_owner", "owner_party_id is required")
	case c.Revoked:
		return invalid("revoked_on_create", "a consent cannot be created revoked")
	}

	l := c.Limits
	if l.SingleTxnUSD.IsNegative() || l.DailyUSD.IsNegative() || l.MaxTxnPerHour < 0 || c.CosignRule.ThresholdUSD.IsNegative() {
		return invalid("negative_limit", "limits must be non-negative")
	}
	if c.CosignRule.Enabled() && strings.TrimSpace(c.CosignRule.ApproverGroup) == "" {
		return invalid("missing_approver_group", "cosign threshold set without approver group")
	}

	if s.policy.RequireRails {
		if len(c.Rails) == 0 {
			return invalid("empty_rails", "rails must not be empty")
		}
		if len(c.CounterpartiesAllow) == 0 {
			return invalid("empty_counterparties", "counterparties_allow must not be empty")
		}
	}

	if s.constraint != nil {
		v, err := semver.NewVersion(c.PolicyBundleVersion)
		if err != nil {
			return invalid("bad_policy_bundle_version", "policy_bundle_version %q: %v", c.PolicyBundleVersion, err)
		}
		if !s.constraint.Check(v) {
			return invalid("unsupported_policy_bundle_version", "policy_bundle_version %s does not satisfy %s", v, s.policy.BundleConstraint)
		}
	}
	return nil
}

// Get returns the consent or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (contracts.Consent, error) {
	return s.repo.Get(ctx, id)
}

// Revoke permanently revokes a consent. Revoking twice is not an error.
func (s *Store) Revoke(ctx context.Context, id string) (contracts.Consent, error) {
	if err := s.repo.Revoke(ctx, id); err != nil {
		return contracts.Consent{}, err
	}
	s.logger.InfoContext(ctx, "consent revoked", "consent_id", id)
	return s.repo.Get(ctx, id)
}

// List returns consents for agentID, or all when agentID is empty.
func (s *Store) List(ctx context.Context, agentID string) ([]contracts.Consent, error) {
	return s.repo.ListByAgent(ctx, agentID)
}

// Authorize decides whether req is covered by its consent. Checks run in a
// fixed order and stop at the first failure, which is returned as a Denied
// error carrying the reason code. An Authorized result has recorded usage;
// RequiresCosign has not, and CommitCosigned records it after approval.
func (s *Store) Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	auth, err := s.authorize(ctx, req)
	if err != nil {
		if reason := DenialReason(err); reason != "" {
			s.logger.InfoContext(ctx, "authorization denied",
				"consent_id", req.ConsentID, "agent_id", req.AgentID, "reason", reason)
		}
		return Authorization{}, err
	}
	s.logger.DebugContext(ctx, "authorization granted",
		"consent_id", req.ConsentID, "outcome", auth.Outcome, "amount_usd", auth.AmountUSD)
	return auth, nil
}

func (s *Store) authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	c, err := s.repo.Get(ctx, req.ConsentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Authorization{}, denied(ReasonNotFound, "consent %s does not exist", req.ConsentID)
		}
		return Authorization{}, err
	}
	amountUSD, err := s.check(c, req)
	if err != nil {
		return Authorization{}, err
	}

	cosign := c.CosignRule.Enabled() && amountUSD.GreaterThanOrEqual(c.CosignRule.ThresholdUSD)
	if !cosign && amountUSD.GreaterThan(c.Limits.SingleTxnUSD) {
		return Authorization{}, denied(ReasonSingleTxnLimit, "%s exceeds single transaction limit %s", amountUSD, c.Limits.SingleTxnUSD)
	}

	usage, err := s.window.Reserve(ctx, c.ID, quota(c), amountUSD, s.at(req), !cosign)
	if err != nil {
		return Authorization{}, err
	}

	auth := Authorization{
		Outcome:   OutcomeAuthorized,
		ConsentID: c.ID,
		UsageID:   usage.ID,
		AmountUSD: amountUSD,
		Rail:      normalizeRail(req.Rail),
	}
	if cosign {
		auth.Outcome = OutcomeRequiresCosign
		auth.ApproverGroup = c.CosignRule.ApproverGroup
	}
	return auth, nil
}

// check runs the static checks and returns the amount in USD.
func (s *Store) check(c contracts.Consent, req AuthorizeRequest) (decimal.Decimal, error) {
	if c.Revoked {
		return decimal.Zero, denied(ReasonRevoked, "consent %s is revoked", c.ID)
	}
	if c.AgentID != req.AgentID {
		return decimal.Zero, denied(ReasonAgentMismatch, "agent %s is not bound to consent %s", req.AgentID, c.ID)
	}
	if !c.AllowsRail(normalizeRail(req.Rail)) {
		return decimal.Zero, denied(ReasonRailNotPermitted, "rail %q not in consent rails", req.Rail)
	}
	if !containsNormalized(c.CounterpartiesAllow, NormalizeCounterparty(req.Counterparty)) {
		return decimal.Zero, denied(ReasonCounterparty, "counterparty %q not allowed", req.Counterparty)
	}
	if !req.Amount.IsPositive() {
		return decimal.Zero, errorir.Newf(errorir.CodeInvalidRequest, "non_positive_amount", "amount %s must be positive", req.Amount)
	}
	amountUSD, err := s.policy.Rates.ToUSD(req.Amount, req.Currency)
	if err != nil {
		return decimal.Zero, errorir.Wrap(err, errorir.CodeDenied, ReasonCurrencyUnsupported, req.Currency)
	}
	return amountUSD, nil
}

// CommitCosigned records usage for an approved cosign. The consent is
// re-checked because it may have been revoked while the approval was pending.
func (s *Store) CommitCosigned(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	c, err := s.repo.Get(ctx, req.ConsentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Authorization{}, denied(ReasonNotFound, "consent %s does not exist", req.ConsentID)
		}
		return Authorization{}, err
	}
	amountUSD, err := s.check(c, req)
	if err != nil {
		return Authorization{}, err
	}
	usage, err := s.window.Reserve(ctx, c.ID, quota(c), amountUSD, s.at(req), true)
	if err != nil {
		return Authorization{}, err
	}
	s.logger.InfoContext(ctx, "cosigned authorization committed", "consent_id", c.ID, "usage_id", usage.ID)
	return Authorization{
		Outcome:       OutcomeAuthorized,
		ConsentID:     c.ID,
		ApproverGroup: c.CosignRule.ApproverGroup,
		UsageID:       usage.ID,
		AmountUSD:     amountUSD,
		Rail:          normalizeRail(req.Rail),
	}, nil
}

// ReleaseUsage returns a recorded usage event to the window.
func (s *Store) ReleaseUsage(ctx context.Context, consentID, usageID string) error {
	if usageID == "" {
		return nil
	}
	return s.window.Release(ctx, consentID, usageID)
}

func (s *Store) at(req AuthorizeRequest) time.Time {
	if req.At.IsZero() {
		return s.clock()
	}
	return req.At
}

func quota(c contracts.Consent) Quota {
	return Quota{DailyUSD: c.Limits.DailyUSD, MaxPerHour: c.Limits.MaxTxnPerHour}
}
