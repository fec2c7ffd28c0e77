package credential

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/golang-jwt/jwt/v5"
)

// RedisScope is the Entra ID scope for Azure Cache for Redis data access.
const RedisScope = "https://redis.azure.com/.default"

// EntraProvider obtains Entra ID access tokens. The principal is the token's
// object id, which Azure Cache for Redis expects as the AUTH username.
type EntraProvider struct {
	cred   azcore.TokenCredential
	scopes []string
}

// NewEntraProvider wraps an existing token credential. With no scopes it
// requests RedisScope.
func NewEntraProvider(cred azcore.TokenCredential, scopes ...string) *EntraProvider {
	if len(scopes) == 0 {
		scopes = []string{RedisScope}
	}
	return &EntraProvider{cred: cred, scopes: scopes}
}

// NewDefaultEntraProvider uses the default Azure credential chain
// (environment, workload identity, managed identity, CLI).
func NewDefaultEntraProvider(scopes ...string) (*EntraProvider, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("loading Azure credentials: %w", err)
	}
	return NewEntraProvider(cred, scopes...), nil
}

func (p *EntraProvider) Fetch(ctx context.Context) (Credential, error) {
	tok, err := p.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: p.scopes})
	if err != nil {
		return Credential{}, fmt.Errorf("getting entra token: %w", err)
	}
	principal, err := PrincipalFromToken(tok.Token)
	if err != nil {
		return Credential{}, err
	}
	return Credential{
		Secret:    tok.Token,
		Principal: principal,
		ExpiresAt: tok.ExpiresOn,
	}, nil
}

// PrincipalFromToken decodes a JWT without verifying it and returns its "oid"
// claim, falling back to "sub". The signature is checked by the server the
// token is presented to.
func PrincipalFromToken(raw string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return "", fmt.Errorf("decoding token: %w", err)
	}
	for _, name := range []string{"oid", "sub"} {
		if v, ok := claims[name].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("token has no oid or sub claim")
}
