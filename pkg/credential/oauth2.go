package credential

import (
	"context"
	"fmt"

	"golang.org/x/oauth2/clientcredentials"
)

// ClientCredentialsProvider obtains bearer tokens with the OAuth2 client
// credentials grant. The principal is the client id.
type ClientCredentialsProvider struct {
	config *clientcredentials.Config
}

// NewClientCredentialsProvider returns a provider for the given token endpoint.
func NewClientCredentialsProvider(clientID, clientSecret, tokenURL string, scopes ...string) *ClientCredentialsProvider {
	return &ClientCredentialsProvider{
		config: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		},
	}
}

func (p *ClientCredentialsProvider) Fetch(ctx context.Context) (Credential, error) {
	tok, err := p.config.Token(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("client credentials grant: %w", err)
	}
	return Credential{
		Secret:    tok.AccessToken,
		Principal: p.config.ClientID,
		ExpiresAt: tok.Expiry,
	}, nil
}
