package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/learngoat/learngoat/internal/experiment"
)

const (
	tokenCookieName = "lg_token"
	// TokenSetting is the settings key holding the admin token.
	TokenSetting = "admin_token"
)

type settingStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// AdminToken returns the persisted admin token, generating and storing one
// when none exists or rotate is set.
func AdminToken(ctx context.Context, s settingStore, rotate bool) (string, error) {
	if !rotate {
		token, err := s.GetSetting(ctx, TokenSetting)
		if err == nil && token != "" {
			return token, nil
		}
		if err != nil && !experiment.IsNotFound(err) {
			return "", err
		}
	}
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	if err := s.SetSetting(ctx, TokenSetting, token); err != nil {
		return "", err
	}
	return token, nil
}

func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "failed to generate token")
	}
	return hex.EncodeToString(b), nil
}

func (s *Server) validToken(candidate string) bool {
	return candidate != "" && subtle.ConstantTimeCompare([]byte(candidate), []byte(s.token)) == 1
}

// authMiddleware accepts a bearer token, a token query param or the session
// cookie. A valid query param token also sets the cookie.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			if strings.HasPrefix(auth, "Bearer ") && s.validToken(strings.TrimPrefix(auth, "Bearer ")) {
				next.ServeHTTP(w, r)
				return
			}
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "UNAUTHORIZED")
			return
		}

		if queryToken := r.URL.Query().Get("token"); queryToken != "" {
			if !s.validToken(queryToken) {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "UNAUTHORIZED")
				return
			}
			http.SetCookie(w, &http.Cookie{
				Name:     tokenCookieName,
				Value:    s.token,
				Path:     "/",
				HttpOnly: true,
				MaxAge:   int(24 * time.Hour / time.Second),
				SameSite: http.SameSiteLaxMode,
			})
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(tokenCookieName)
		if err != nil || !s.validToken(cookie.Value) {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "UNAUTHORIZED")
			return
		}
		next.ServeHTTP(w, r)
	})
}
