package credentials

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"extlogin/internal/domain"
	"extlogin/internal/oauth"
	"extlogin/internal/storage"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver(map[string]ProviderCredentials{
		"github": {
			Default: oauth.ClientCredential{ClientID: "default-id", ClientSecret: "default-secret"},
			Tenants: map[string]oauth.ClientCredential{
				"acme": {ClientID: "acme-id", ClientSecret: "acme-secret"},
			},
		},
		"google": {
			Tenants: map[string]oauth.ClientCredential{"acme": {ClientID: "g-acme"}},
		},
	})
	ctx := context.Background()

	tests := []struct {
		name    string
		rc      oauth.ResolveContext
		want    string
		wantErr bool
	}{
		{"default", oauth.ResolveContext{Provider: "github"}, "default-id", false},
		{"tenant", oauth.ResolveContext{Provider: "github", Tenant: "acme"}, "acme-id", false},
		{"unknown tenant", oauth.ResolveContext{Provider: "github", Tenant: "globex"}, "", true},
		{"no default", oauth.ResolveContext{Provider: "google"}, "", true},
		{"unknown provider", oauth.ResolveContext{Provider: "gitlab"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := r.Resolve(ctx, tt.rc)
			if tt.wantErr {
				if !errors.Is(err, oauth.ErrConfigNotFound) {
					t.Fatalf("err = %v, want ErrConfigNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if cred.ClientID != tt.want {
				t.Errorf("ClientID = %q, want %q", cred.ClientID, tt.want)
			}
		})
	}
}

func seedStore(t *testing.T, sealer *Sealer, enabled bool) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore()
	sealed, err := sealer.Seal("db-secret", "acme", "github")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	now := time.Now().UTC()
	err = store.CreateCredential(context.Background(), &domain.TenantCredential{
		ID:                    "c1",
		Tenant:                "acme",
		Provider:              "github",
		ClientID:              "db-id",
		ClientSecretEncrypted: sealed,
		Enabled:               enabled,
		CreatedAt:             now,
		UpdatedAt:             now,
	})
	if err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}
	return store
}

func TestStoreResolver(t *testing.T) {
	sealer := testSealer(t)
	r := NewStoreResolver(seedStore(t, sealer, true), sealer)
	ctx := context.Background()

	cred, err := r.Resolve(ctx, oauth.ResolveContext{Provider: "github", Tenant: "acme"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cred.ClientID != "db-id" || cred.ClientSecret != "db-secret" {
		t.Errorf("cred = %+v", cred)
	}

	for _, rc := range []oauth.ResolveContext{
		{Provider: "github"},
		{Provider: "github", Tenant: "globex"},
		{Provider: "google", Tenant: "acme"},
	} {
		if _, err := r.Resolve(ctx, rc); !errors.Is(err, oauth.ErrConfigNotFound) {
			t.Errorf("Resolve(%+v) err = %v, want ErrConfigNotFound", rc, err)
		}
	}
}

func TestStoreResolver_Disabled(t *testing.T) {
	sealer := testSealer(t)
	r := NewStoreResolver(seedStore(t, sealer, false), sealer)

	_, err := r.Resolve(context.Background(), oauth.ResolveContext{Provider: "github", Tenant: "acme"})
	if !errors.Is(err, oauth.ErrConfigNotFound) {
		t.Fatalf("err = %v, want ErrConfigNotFound", err)
	}
}

func TestStoreResolver_WrongKey(t *testing.T) {
	store := seedStore(t, testSealer(t), true)
	keys, _ := DeriveKeys(bytes.Repeat([]byte{9}, KeySize))
	other, _ := NewSealer(keys.Seal)
	r := NewStoreResolver(store, other)

	_, err := r.Resolve(context.Background(), oauth.ResolveContext{Provider: "github", Tenant: "acme"})
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("err = %v, want ErrDecryptionFailed", err)
	}
}

type failingStore struct{ storage.CredentialStore }

func (failingStore) GetCredentialByTenant(context.Context, string, string) (*domain.TenantCredential, error) {
	return nil, errors.New("connection refused")
}

func TestStoreResolver_StoreDown(t *testing.T) {
	r := NewStoreResolver(failingStore{}, testSealer(t))
	_, err := r.Resolve(context.Background(), oauth.ResolveContext{Provider: "github", Tenant: "acme"})
	if !errors.Is(err, oauth.ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
}

func TestChainResolver(t *testing.T) {
	sealer := testSealer(t)
	chain := ChainResolver{
		NewStoreResolver(seedStore(t, sealer, true), sealer),
		NewStaticResolver(map[string]ProviderCredentials{
			"github": {
				Default: oauth.ClientCredential{ClientID: "static-default"},
				Tenants: map[string]oauth.ClientCredential{
					"acme":   {ClientID: "static-acme"},
					"globex": {ClientID: "static-globex"},
				},
			},
		}),
	}
	ctx := context.Background()

	cases := map[string]string{"acme": "db-id", "globex": "static-globex", "": "static-default"}
	for tenant, want := range cases {
		cred, err := chain.Resolve(ctx, oauth.ResolveContext{Provider: "github", Tenant: tenant})
		if err != nil {
			t.Fatalf("tenant %q: %v", tenant, err)
		}
		if cred.ClientID != want {
			t.Errorf("tenant %q: ClientID = %q, want %q", tenant, cred.ClientID, want)
		}
	}

	if _, err := chain.Resolve(ctx, oauth.ResolveContext{Provider: "github", Tenant: "initech"}); !errors.Is(err, oauth.ErrConfigNotFound) {
		t.Errorf("err = %v, want ErrConfigNotFound", err)
	}

	broken := ChainResolver{NewStoreResolver(failingStore{}, sealer), chain}
	if _, err := broken.Resolve(ctx, oauth.ResolveContext{Provider: "github", Tenant: "acme"}); !errors.Is(err, oauth.ErrTransient) {
		t.Errorf("non-ConfigNotFound errors must stop the chain, got %v", err)
	}
}

func TestWithSentinel(t *testing.T) {
	r := WithSentinel(NewStaticResolver(map[string]ProviderCredentials{
		"github": {Tenants: map[string]oauth.ClientCredential{"acme": {ClientID: "acme-id"}}},
	}), discard)
	ctx := context.Background()

	cred, err := r.Resolve(ctx, oauth.ResolveContext{Provider: "github"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !cred.Sentinel || cred.ClientID != oauth.SentinelCredential.ClientID {
		t.Errorf("cred = %v, want sentinel", cred)
	}

	if _, err := r.Resolve(ctx, oauth.ResolveContext{Provider: "github", Tenant: "globex"}); !errors.Is(err, oauth.ErrConfigNotFound) {
		t.Errorf("unknown explicit tenant: err = %v, want ErrConfigNotFound", err)
	}

	cred, err = r.Resolve(ctx, oauth.ResolveContext{Provider: "github", Tenant: "acme"})
	if err != nil || cred.ClientID != "acme-id" || cred.Sentinel {
		t.Errorf("known tenant: %v, %v", cred, err)
	}
}
