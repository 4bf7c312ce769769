//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package authn verifies bearer tokens issued by the identity provider and
// implements the token-exchange step that strips a caller's IdP token down
// to a pseudonymous, sub-only access token for inter-service calls, per
// SPEC_FULL.md §6.
package authn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/flowpilot/flowpilot/pkg/ferrors"
)

// Claims is the subset of IdP claims the core cares about.
type Claims struct {
	Subject string
	Issuer  string
	Audience string
	Persona string // optional, service-account convenience claim
	AZP     string // optional, authorized party for service accounts
}

// Verifier checks bearer token signatures against a JWKS endpoint and
// extracts Claims, rejecting tokens with the wrong audience.
type Verifier struct {
	jwksURL  string
	audience string
	cache    jwk.Cache
}

// NewVerifier builds a Verifier. The JWKS cache is refreshed by
// lestrrat-go/jwx's background cache on first use; flowpilotd never polls
// it directly.
func NewVerifier(ctx context.Context, jwksURL, audience string) (*Verifier, error) {
	cache, err := jwk.NewCache(ctx, jwk.NewFetchWhitelist(jwk.WhitelistAll()))
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.Unauthenticated, "authn.jwks_cache_init_failed")
	}
	if err := cache.Register(ctx, jwksURL); err != nil {
		return nil, ferrors.Wrap(err, ferrors.Unauthenticated, "authn.jwks_register_failed")
	}
	return &Verifier{jwksURL: jwksURL, audience: audience, cache: *cache}, nil
}

// Verify parses and validates a bearer token, returning its Claims.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (Claims, error) {
	keyset, err := v.cache.Lookup(ctx, v.jwksURL)
	if err != nil {
		return Claims{}, ferrors.Wrap(err, ferrors.Unauthenticated, "authn.jwks_fetch_failed")
	}

	token, err := jwt.Parse(rawToken, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := lookupKey(keyset, kid)
		if !ok {
			return nil, fmt.Errorf("no matching JWKS key for kid %q", kid)
		}
		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	}, jwt.WithAudience(v.audience), jwt.WithValidMethods([]string{"RS256", "ES256"}))
	if err != nil || !token.Valid {
		return Claims{}, ferrors.Wrap(err, ferrors.Unauthenticated, "authn.invalid_token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ferrors.New(ferrors.Unauthenticated, "authn.invalid_claims", "token claims are malformed")
	}

	out := Claims{}
	if sub, _ := claims.GetSubject(); sub != "" {
		out.Subject = sub
	}
	if iss, _ := claims.GetIssuer(); iss != "" {
		out.Issuer = iss
	}
	if s, ok := claims["persona"].(string); ok {
		out.Persona = s
	}
	if s, ok := claims["azp"].(string); ok {
		out.AZP = s
	}
	if out.Subject == "" {
		return Claims{}, ferrors.New(ferrors.Unauthenticated, "authn.missing_subject", "token is missing required sub claim")
	}
	return out, nil
}

func lookupKey(keyset jwk.Set, kid string) (jwk.Key, bool) {
	if kid != "" {
		if key, ok := keyset.LookupKeyID(kid); ok {
			return key, true
		}
		return nil, false
	}
	if keyset.Len() == 1 {
		key, _ := keyset.Key(0)
		return key, key != nil
	}
	return nil, false
}

// Exchanger re-signs a verified IdP token into a pseudonymous, sub-only
// access token for inter-service calls, per §6's token-exchange endpoint.
type Exchanger struct {
	verifier *Verifier
	signKey  []byte
	ttl      time.Duration
}

func NewExchanger(verifier *Verifier, signKey []byte, ttl time.Duration) *Exchanger {
	return &Exchanger{verifier: verifier, signKey: signKey, ttl: ttl}
}

// Exchange verifies idpToken and returns a new HS256 token carrying only
// sub, iat and exp - every other claim (persona, azp, issuer) is deliberately
// dropped so downstream services never see identifying information beyond
// the subject.
func (e *Exchanger) Exchange(ctx context.Context, idpToken string) (string, error) {
	claims, err := e.verifier.Verify(ctx, idpToken)
	if err != nil {
		return "", err
	}

	now := time.Now()
	pseudonymous := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": claims.Subject,
		"iat": now.Unix(),
		"exp": now.Add(e.ttl).Unix(),
	})
	signed, err := pseudonymous.SignedString(e.signKey)
	if err != nil {
		return "", ferrors.Wrap(err, ferrors.Unauthenticated, "authn.token_sign_failed")
	}
	return signed, nil
}

// TokenSource caches a single service-to-service token process-wide,
// refreshing it 60s before expiry with a single-flight fetch per instance
// per SPEC_FULL.md §5's "shared resources" note.
type TokenSource struct {
	fetch func(ctx context.Context) (token string, expiresAt time.Time, err error)
	group singleflight.Group

	mu        sync.Mutex
	cached    atomic.Value // string
	expiresAt atomic.Value // time.Time
}

func NewTokenSource(fetch func(ctx context.Context) (string, time.Time, error)) *TokenSource {
	ts := &TokenSource{fetch: fetch}
	ts.cached.Store("")
	ts.expiresAt.Store(time.Time{})
	return ts
}

// Token returns the cached token, refreshing it (once, even under
// concurrent callers) if it is empty or within 60s of expiry.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	exp := ts.expiresAt.Load().(time.Time)
	if cur := ts.cached.Load().(string); cur != "" && time.Until(exp) > 60*time.Second {
		return cur, nil
	}

	v, err, _ := ts.group.Do("refresh", func() (any, error) {
		token, expiresAt, err := ts.fetch(ctx)
		if err != nil {
			return "", err
		}
		ts.cached.Store(token)
		ts.expiresAt.Store(expiresAt)
		return token, nil
	})
	if err != nil {
		return "", ferrors.Wrap(err, ferrors.UpstreamError, "authn.token_refresh_failed")
	}
	return v.(string), nil
}
