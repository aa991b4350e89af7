package orchestrator

import (
	"strings"
	"unicode/utf8"

	"github.com/raterudder/solarsync/pkg/perr"
	"github.com/raterudder/solarsync/pkg/redact"
	"github.com/raterudder/solarsync/pkg/types"
)

const maxSyncErrorLen = 1000

// ReduceStatus derives the integration status from the categories collected
// during a sync. AUTH failures of sessionless adapters do not require a
// reconnect since their keys never expire.
func ReduceStatus(categories []perr.Category, sessionless bool) types.IntegrationStatus {
	var auth bool
	for _, c := range categories {
		switch c {
		case perr.CategoryPermission:
			return types.StatusBlocked
		case perr.CategoryAuth:
			auth = true
		}
	}
	switch {
	case auth && !sessionless:
		return types.StatusReconnectRequired
	case len(categories) > 0:
		return types.StatusError
	}
	return types.StatusConnected
}

// sanitize removes everything on the persistence denylist. The reauth secret
// survives in tokens only for adapters that need it to renew sessions.
func sanitize(info types.ProviderInfo, auth types.AuthResult) types.AuthResult {
	var keep []string
	if info.RetainsReauthSecret {
		keep = append(keep, redact.ReauthSecretKey)
	}
	return types.AuthResult{
		Credentials: redact.Persistence.Strip(auth.Credentials),
		Tokens:      redact.Persistence.Strip(auth.Tokens, keep...),
	}
}

func syncError(errs []string) string {
	s := strings.Join(errs, "; ")
	if len(s) > maxSyncErrorLen {
		cut := maxSyncErrorLen - 3
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}

// issues collects per-entity failures of one sync.
type issues struct {
	provider string
	list     []types.SyncIssue
}

func (is *issues) add(entity, externalID string, err error) {
	pe := perr.Normalize(err, is.provider)
	is.list = append(is.list, types.SyncIssue{
		Entity:     entity,
		ExternalID: externalID,
		Category:   pe.Category,
		Message:    pe.Message,
	})
}

func (is *issues) categories() []perr.Category {
	out := make([]perr.Category, len(is.list))
	for i, issue := range is.list {
		out[i] = issue.Category
	}
	return out
}

func (is *issues) messages() []string {
	out := make([]string, len(is.list))
	for i, issue := range is.list {
		out[i] = issue.String()
	}
	return out
}
