package oidcclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/zitadel/oidc/v3/pkg/client/rp"
	"github.com/zitadel/oidc/v3/pkg/oidc"
	"golang.org/x/oauth2"
	"k8s.io/utils/clock"

	"github.com/clanvaro/unigrc/internal/session"
)

var (
	// ErrNoRefreshToken means the session cannot be refreshed at all.
	ErrNoRefreshToken = errors.New("no refresh token")
	// ErrRefreshFailed wraps provider and network errors from a refresh.
	ErrRefreshFailed = errors.New("token refresh failed")
	// ErrMalformedResponse is returned for provider responses that lack an
	// access token or a future expiry.
	ErrMalformedResponse = errors.New("malformed token response")
)

// Refresher exchanges refresh tokens at the provider's token endpoint.
type Refresher struct {
	discovery *Discovery
	clock     clock.PassiveClock
}

func NewRefresher(discovery *Discovery) *Refresher {
	return &Refresher{discovery: discovery, clock: discovery.clock}
}

// Refresh performs one refresh grant. It does not retry.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (*session.TokenMaterial, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	relyingParty, err := r.discovery.RelyingParty(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	tokens, err := rp.RefreshTokens[*oidc.IDTokenClaims](ctx, relyingParty, refreshToken, "", "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	material, err := MaterialFromTokens(tokens, refreshToken)
	if err != nil {
		return nil, err
	}
	if material.ExpiresAt <= r.clock.Now().Unix() {
		return nil, fmt.Errorf("%w: token already expired", ErrMalformedResponse)
	}
	return material, nil
}

// MaterialFromTokens converts a provider token response into session token
// material. The ID token's exp claim wins over the access token expiry.
// previousRefresh is kept when the provider does not rotate refresh tokens.
func MaterialFromTokens(tokens *oidc.Tokens[*oidc.IDTokenClaims], previousRefresh string) (*session.TokenMaterial, error) {
	if tokens == nil || tokens.Token == nil {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}

	material, err := fromOAuth2(tokens.Token, previousRefresh)
	if err != nil {
		return nil, err
	}
	if tokens.IDToken != "" {
		material.IDToken = tokens.IDToken
	}
	if tokens.IDTokenClaims != nil {
		if exp := tokens.IDTokenClaims.GetExpiration(); !exp.IsZero() {
			material.ExpiresAt = exp.Unix()
		}
	}
	if material.ExpiresAt == 0 {
		return nil, fmt.Errorf("%w: missing expiry", ErrMalformedResponse)
	}
	return material, nil
}

func fromOAuth2(tok *oauth2.Token, previousRefresh string) (*session.TokenMaterial, error) {
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access_token", ErrMalformedResponse)
	}
	material := &session.TokenMaterial{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if material.RefreshToken == "" {
		material.RefreshToken = previousRefresh
	}
	if !tok.Expiry.IsZero() {
		material.ExpiresAt = tok.Expiry.Unix()
	}
	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		material.IDToken = idToken
	}
	return material, nil
}
