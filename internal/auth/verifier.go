// Package auth verifies bearer tokens for the management endpoints.
package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Modes
const (
	ModeOff  = "off"  // no verification; every caller is an admin
	ModeHMAC = "hmac" // HS256 with a shared secret
	ModeJWKS = "jwks" // RS256 with keys fetched from a JWKS URL
)

const RoleAdmin = "admin"

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrExpired         = errors.New("token expired")
)

// Verifier validates JWTs and extracts the caller's role.
type Verifier struct {
	Mode      string
	Secret    []byte
	JWKSURL   string
	RoleClaim string

	http     *http.Client
	mu       sync.RWMutex
	keys     map[string]*rsa.PublicKey
	fetched  time.Time
	cacheTTL time.Duration
	now      func() time.Time
}

type Principal struct {
	Subject string
	Role    string
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

func NewVerifier(mode, secret, jwksURL, roleClaim string) (*Verifier, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = ModeOff
	}
	if roleClaim == "" {
		roleClaim = "role"
	}
	switch {
	case mode == ModeHMAC && secret == "":
		return nil, fmt.Errorf("auth: hmac mode needs a secret")
	case mode == ModeJWKS && jwksURL == "":
		return nil, fmt.Errorf("auth: jwks mode needs a JWKS URL")
	case mode != ModeOff && mode != ModeHMAC && mode != ModeJWKS:
		return nil, fmt.Errorf("auth: unknown mode %q", mode)
	}
	return &Verifier{
		Mode:      mode,
		Secret:    []byte(secret),
		JWKSURL:   jwksURL,
		RoleClaim: roleClaim,
		http:      &http.Client{Timeout: 5 * time.Second},
		cacheTTL:  10 * time.Minute,
		now:       time.Now,
	}, nil
}

// Verify checks the signature and time claims of token.
func (v *Verifier) Verify(ctx context.Context, token string) (Principal, error) {
	if v.Mode == ModeOff {
		return Principal{Subject: "anonymous", Role: RoleAdmin}, nil
	}
	segs := strings.Split(token, ".")
	if len(segs) != 3 {
		return Principal{}, fmt.Errorf("%w: malformed token", ErrUnauthenticated)
	}
	var hdr struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := decodeSegment(segs[0], &hdr); err != nil {
		return Principal{}, err
	}
	var claims map[string]any
	if err := decodeSegment(segs[1], &claims); err != nil {
		return Principal{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(segs[2])
	if err != nil {
		return Principal{}, fmt.Errorf("%w: signature encoding", ErrUnauthenticated)
	}
	signingInput := []byte(segs[0] + "." + segs[1])

	switch v.Mode {
	case ModeHMAC:
		if hdr.Alg != "HS256" {
			return Principal{}, fmt.Errorf("%w: alg %q not allowed", ErrUnauthenticated, hdr.Alg)
		}
		mac := hmac.New(sha256.New, v.Secret)
		mac.Write(signingInput)
		if !hmac.Equal(mac.Sum(nil), sig) {
			return Principal{}, fmt.Errorf("%w: bad signature", ErrUnauthenticated)
		}
	case ModeJWKS:
		if hdr.Alg != "RS256" {
			return Principal{}, fmt.Errorf("%w: alg %q not allowed", ErrUnauthenticated, hdr.Alg)
		}
		pub, err := v.publicKey(ctx, hdr.Kid)
		if err != nil {
			return Principal{}, err
		}
		h := sha256.Sum256(signingInput)
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], sig); err != nil {
			return Principal{}, fmt.Errorf("%w: bad signature", ErrUnauthenticated)
		}
	}

	now := v.now().Unix()
	if exp, ok := claims["exp"].(float64); ok && now >= int64(exp) {
		return Principal{}, ErrExpired
	}
	if nbf, ok := claims["nbf"].(float64); ok && now < int64(nbf) {
		return Principal{}, fmt.Errorf("%w: token not yet valid", ErrUnauthenticated)
	}
	sub, _ := claims["sub"].(string)
	role, _ := claims[v.RoleClaim].(string)
	return Principal{Subject: sub, Role: strings.ToLower(role)}, nil
}

func decodeSegment(seg string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return fmt.Errorf("%w: segment encoding", ErrUnauthenticated)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: segment json", ErrUnauthenticated)
	}
	return nil
}

// publicKey returns the RSA key for kid, refreshing the JWKS cache when stale or missing.
func (v *Verifier) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	k, ok := v.keys[kid]
	stale := v.now().Sub(v.fetched) > v.cacheTTL
	v.mu.RUnlock()
	if ok && !stale {
		return k, nil
	}
	if err := v.fetchJWKS(ctx); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if k, ok := v.keys[kid]; ok {
		return k, nil
	}
	return nil, fmt.Errorf("%w: kid %q not in JWKS", ErrUnauthenticated, kid)
}

func (v *Verifier) fetchJWKS(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.JWKSURL, nil)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var set struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if !strings.EqualFold(k.Kty, "RSA") {
			continue
		}
		n, errN := base64.RawURLEncoding.DecodeString(k.N)
		e, errE := base64.RawURLEncoding.DecodeString(k.E)
		if errN != nil || errE != nil {
			continue
		}
		keys[k.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}
	}
	v.mu.Lock()
	v.keys = keys
	v.fetched = v.now()
	v.mu.Unlock()
	return nil
}
