package types

// ProviderInfo describes a vendor integration to API clients.
type ProviderInfo struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Credentials []CredentialField `json:"credentials"`
	// Sessionless adapters sign every request with static keys, so an AUTH
	// failure does not mean the stored session went stale.
	Sessionless bool `json:"sessionless,omitempty"`
	// RetainsReauthSecret adapters keep the reauth_secret token so they can
	// log in again when the vendor silently drops the session.
	RetainsReauthSecret bool `json:"-"`
	SupportsRefresh     bool `json:"supportsRefresh,omitempty"`
	Legacy              bool `json:"legacy,omitempty"`
	Hidden              bool `json:"hidden,omitempty"`
}

// CredentialField defines a single credential input for a provider.
type CredentialField struct {
	Field       string `json:"field"`
	Name        string `json:"name"`
	Type        string `json:"type"` // e.g. "string" or "password"
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}
