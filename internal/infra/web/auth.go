package web

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errMissingCredentials = errors.New("missing credentials")
	errInvalidCredentials = errors.New("invalid credentials")
)

// ===== User session (JWT cookie) =====

type AuthConfig struct {
	HMACSecret   []byte
	CookieName   string
	CookieDomain string
	SecureCookie bool
	TTL          time.Duration
}

// AuthManager issues and verifies the signed session cookie the UI uses.
type AuthManager struct{ cfg AuthConfig }

func NewAuthManager(secret, cookieName, domain string, secure bool, ttl time.Duration) *AuthManager {
	if cookieName == "" {
		cookieName = "jobelix_session"
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &AuthManager{cfg: AuthConfig{
		HMACSecret:   []byte(secret),
		CookieName:   cookieName,
		CookieDomain: domain,
		SecureCookie: secure,
		TTL:          ttl,
	}}
}

type UserClaims struct {
	jwt.RegisteredClaims
}

// Sign returns a session JWT for userID.
func (a *AuthManager) Sign(userID string) (string, error) {
	now := time.Now()
	claims := UserClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.TTL)),
			Subject:   userID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.HMACSecret)
}

// Mint signs a session for userID and sets it as the session cookie.
func (a *AuthManager) Mint(w http.ResponseWriter, userID string) (string, error) {
	signed, err := a.Sign(userID)
	if err != nil {
		return "", err
	}
	http.SetCookie(w, a.cookie(signed, int(a.cfg.TTL.Seconds())))
	return signed, nil
}

func (a *AuthManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, a.cookie("", -1))
}

func (a *AuthManager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     a.cfg.CookieName,
		Value:    value,
		Path:     "/",
		Domain:   a.cfg.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   a.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	}
}

// UserFromRequest returns the authenticated user id. The cookie wins;
// a Bearer JWT is accepted for the desktop shell, which has no cookie jar.
func (a *AuthManager) UserFromRequest(r *http.Request) (userID string, viaCookie bool, err error) {
	if c, cerr := r.Cookie(a.cfg.CookieName); cerr == nil && c.Value != "" {
		claims, err := a.parse(c.Value)
		if err != nil {
			return "", true, err
		}
		return claims.Subject, true, nil
	}
	if tok := bearerToken(r); tok != "" {
		claims, err := a.parse(tok)
		if err != nil {
			return "", false, err
		}
		return claims.Subject, false, nil
	}
	return "", false, errMissingCredentials
}

func (a *AuthManager) parse(tok string) (*UserClaims, error) {
	claims := &UserClaims{}
	tkn, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return a.cfg.HMACSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tkn.Valid || claims.Subject == "" {
		return nil, errInvalidCredentials
	}
	return claims, nil
}

// bearerToken extracts the credential from "Authorization: Bearer <x>".
func bearerToken(r *http.Request) string {
	hdr := r.Header.Get("Authorization")
	if len(hdr) < 7 || !strings.EqualFold(hdr[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(hdr[7:])
}
