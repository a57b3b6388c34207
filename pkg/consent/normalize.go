package consent

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeCounterparty folds case and Unicode compatibility forms so that
// "ACME Corp", "acme corp" and full-width variants compare equal.
// Casers carry state, so each call builds its own.
func NormalizeCounterparty(s string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(s)))
}

func normalizeRail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func containsNormalized(set []string, want string) bool {
	for _, s := range set {
		if NormalizeCounterparty(s) == want {
			return true
		}
	}
	return false
}
