package domain

import "time"

// TenantCredential is an OAuth client registration for one tenant at one
// provider. The secret is only ever stored sealed.
type TenantCredential struct {
	ID                    string    `json:"id"`
	Tenant                string    `json:"tenant"`
	Provider              string    `json:"provider"`
	ClientID              string    `json:"client_id"`
	ClientSecretEncrypted string    `json:"-"`
	ClientSecretMasked    string    `json:"client_secret,omitempty"`
	Enabled               bool      `json:"enabled"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// CreateTenantCredential is the admin API create payload.
type CreateTenantCredential struct {
	Tenant       string `json:"tenant"`
	Provider     string `json:"provider"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Enabled      *bool  `json:"enabled,omitempty"`
}

// UpdateTenantCredential is a partial update; nil fields are left unchanged.
type UpdateTenantCredential struct {
	ClientID     *string `json:"client_id,omitempty"`
	ClientSecret *string `json:"client_secret,omitempty"`
	Enabled      *bool   `json:"enabled,omitempty"`
}
