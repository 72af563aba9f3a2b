// ABOUTME: Credential exchange against the Nexus auth endpoint.
// ABOUTME: Trades clientId/clientSecret for a short-lived JWT bearer token.

package oblivion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource obtains a bearer token for the realtime channel. expiresAt is
// zero when the token carries no readable expiry.
type TokenSource interface {
	Token(ctx context.Context) (token string, expiresAt time.Time, err error)
}

// httpTokenSource performs a single POST {baseURL}/auth/token per call.
// It does not retry; retry policy belongs to the client's reconnect loop.
type httpTokenSource struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

type tokenRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
}

func (s *httpTokenSource) Token(ctx context.Context) (string, time.Time, error) {
	body, err := json.Marshal(tokenRequest{ClientID: s.clientID, ClientSecret: s.clientSecret})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("marshaling token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("requesting token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", time.Time{}, &AuthError{StatusCode: resp.StatusCode}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", time.Time{}, fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("token response missing accessToken")
	}

	return tr.AccessToken, tokenExpiry(tr.AccessToken), nil
}

// tokenExpiry extracts the exp claim from a JWT without verifying the
// signature. The client holds no signing secret, it only needs the expiry
// for logging and introspection. Returns the zero time for opaque tokens.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
