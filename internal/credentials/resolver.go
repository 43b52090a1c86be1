// Package credentials resolves OAuth client credentials per provider and
// tenant, from static configuration or from an encrypted credential store.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"extlogin/internal/oauth"
	"extlogin/internal/storage"
)

// ProviderCredentials are the statically configured credentials of one provider.
type ProviderCredentials struct {
	// Default is used when the request names no tenant. Zero means none.
	Default oauth.ClientCredential
	Tenants map[string]oauth.ClientCredential
}

// StaticResolver serves credentials from configuration.
type StaticResolver struct {
	providers map[string]ProviderCredentials
}

// NewStaticResolver creates a resolver over per-provider credentials.
func NewStaticResolver(providers map[string]ProviderCredentials) *StaticResolver {
	return &StaticResolver{providers: providers}
}

func (r *StaticResolver) Resolve(_ context.Context, rc oauth.ResolveContext) (oauth.ClientCredential, error) {
	pc, ok := r.providers[rc.Provider]
	if !ok {
		return oauth.ClientCredential{}, oauth.ConfigNotFound(rc)
	}
	if rc.Tenant == "" {
		if pc.Default.ClientID == "" {
			return oauth.ClientCredential{}, oauth.ConfigNotFound(rc)
		}
		return pc.Default, nil
	}
	cred, ok := pc.Tenants[rc.Tenant]
	if !ok || cred.ClientID == "" {
		return oauth.ClientCredential{}, oauth.ConfigNotFound(rc)
	}
	return cred, nil
}

// StoreResolver serves tenant credentials from a CredentialStore, opening the
// sealed secret on every call.
type StoreResolver struct {
	store  storage.CredentialStore
	sealer *Sealer
}

// NewStoreResolver creates a resolver reading store.
func NewStoreResolver(store storage.CredentialStore, sealer *Sealer) *StoreResolver {
	return &StoreResolver{store: store, sealer: sealer}
}

func (r *StoreResolver) Resolve(ctx context.Context, rc oauth.ResolveContext) (oauth.ClientCredential, error) {
	if rc.Tenant == "" {
		return oauth.ClientCredential{}, oauth.ConfigNotFound(rc)
	}
	rec, err := r.store.GetCredentialByTenant(ctx, rc.Provider, rc.Tenant)
	if errors.Is(err, storage.ErrNotFound) {
		return oauth.ClientCredential{}, oauth.ConfigNotFound(rc)
	}
	if err != nil {
		return oauth.ClientCredential{}, oauth.NewError(oauth.KindTransient, rc.Provider, "credential store", err)
	}
	if !rec.Enabled {
		return oauth.ClientCredential{}, oauth.ConfigNotFound(rc)
	}
	secret, err := r.sealer.Open(rec.ClientSecretEncrypted, rec.Tenant, rec.Provider)
	if err != nil {
		return oauth.ClientCredential{}, fmt.Errorf("open secret of credential %s: %w", rec.ID, err)
	}
	return oauth.ClientCredential{ClientID: rec.ClientID, ClientSecret: secret}, nil
}

// ChainResolver tries resolvers in order. A ConfigNotFound moves on to the
// next resolver; any other error stops the chain.
type ChainResolver []oauth.Resolver

func (c ChainResolver) Resolve(ctx context.Context, rc oauth.ResolveContext) (oauth.ClientCredential, error) {
	for _, r := range c {
		cred, err := r.Resolve(ctx, rc)
		if err == nil {
			return cred, nil
		}
		if !errors.Is(err, oauth.ErrConfigNotFound) {
			return oauth.ClientCredential{}, err
		}
	}
	return oauth.ClientCredential{}, oauth.ConfigNotFound(rc)
}

// WithSentinel applies the fallback policy: a request without a tenant that
// resolves to nothing gets oauth.SentinelCredential, which every provider
// rejects at token exchange. An unknown explicit tenant stays ConfigNotFound.
func WithSentinel(r oauth.Resolver, logger *slog.Logger) oauth.Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return oauth.ResolverFunc(func(ctx context.Context, rc oauth.ResolveContext) (oauth.ClientCredential, error) {
		cred, err := r.Resolve(ctx, rc)
		if err != nil && rc.Tenant == "" && errors.Is(err, oauth.ErrConfigNotFound) {
			logger.WarnContext(ctx, "falling back to sentinel client credential", "provider", rc.Provider)
			return oauth.SentinelCredential, nil
		}
		return cred, err
	})
}
