package provider

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
)

// CredentialSource supplies a currently-valid bearer credential on demand.
// The transfer engine calls it before each API operation; refresh logic
// (if any) lives behind the implementation.
type CredentialSource interface {
	AccessToken(ctx context.Context) (string, error)
}

type staticCredentials string

func (s staticCredentials) AccessToken(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("no access token configured")
	}
	return string(s), nil
}

// StaticCredentials returns a CredentialSource that always hands out the
// given token.
func StaticCredentials(token string) CredentialSource {
	return staticCredentials(token)
}

type tokenSourceCredentials struct {
	src oauth2.TokenSource
}

func (t *tokenSourceCredentials) AccessToken(context.Context) (string, error) {
	tok, err := t.src.Token()
	if err != nil {
		return "", err
	}
	if !tok.Valid() {
		return "", errors.New("token source returned an expired token")
	}
	return tok.AccessToken, nil
}

// OAuthCredentials adapts an oauth2.TokenSource (which handles refresh
// internally) to a CredentialSource.
func OAuthCredentials(src oauth2.TokenSource) CredentialSource {
	return &tokenSourceCredentials{src: src}
}
