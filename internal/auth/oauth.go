package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexcode/codex-gateway/internal/common/config"
)

// OAuth error codes per RFC 6749.
const (
	ErrCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrCodeInvalidClient        = "invalid_client"
	ErrCodeInvalidGrant         = "invalid_grant"
)

const (
	codeTTL       = 10 * time.Minute
	tokenTTLSecs  = 3600
	grantAuthCode = "authorization_code"
)

// OAuthError is the JSON error body for the token endpoint.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *OAuthError) Error() string {
	return e.Code
}

// Token is a successful token response.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type authCode struct {
	clientID    string
	redirectURI string
	expiresAt   time.Time
}

// OAuthStore implements a development authorization-code flow over an
// in-memory code and token map. One store lives for the gateway's lifetime.
// Production deployments replace it with a durable backend.
type OAuthStore struct {
	clientID     string
	clientSecret string

	mu     sync.Mutex
	codes  map[string]authCode
	tokens map[string]time.Time
}

// NewOAuthStore creates the shared store from the configured client
// credentials.
func NewOAuthStore(cfg config.OAuthConfig) *OAuthStore {
	return &OAuthStore{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		codes:        make(map[string]authCode),
		tokens:       make(map[string]time.Time),
	}
}

// IssueCode mints a single-use authorization code bound to the client and
// redirect URI.
func (s *OAuthStore) IssueCode(clientID, redirectURI string) (string, *OAuthError) {
	if clientID != s.clientID {
		return "", &OAuthError{Code: ErrCodeInvalidClient, Description: "unknown client_id"}
	}

	code := uuid.New().String()
	s.mu.Lock()
	s.codes[code] = authCode{
		clientID:    clientID,
		redirectURI: redirectURI,
		expiresAt:   time.Now().Add(codeTTL),
	}
	s.mu.Unlock()
	return code, nil
}

// Exchange redeems an authorization code for an access token. Codes are
// single-use; redirect URI and client credentials must match issuance.
func (s *OAuthStore) Exchange(grantType, clientID, clientSecret, code, redirectURI string) (*Token, *OAuthError) {
	if grantType != grantAuthCode {
		return nil, &OAuthError{Code: ErrCodeUnsupportedGrantType, Description: "only authorization_code is supported"}
	}
	if clientID != s.clientID || clientSecret != s.clientSecret {
		return nil, &OAuthError{Code: ErrCodeInvalidClient, Description: "client authentication failed"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.codes[code]
	if !ok {
		return nil, &OAuthError{Code: ErrCodeInvalidGrant, Description: "unknown or already used code"}
	}
	delete(s.codes, code)

	if time.Now().After(entry.expiresAt) {
		return nil, &OAuthError{Code: ErrCodeInvalidGrant, Description: "code expired"}
	}
	if entry.redirectURI != redirectURI {
		return nil, &OAuthError{Code: ErrCodeInvalidGrant, Description: "redirect_uri mismatch"}
	}

	token := uuid.New().String()
	s.tokens[token] = time.Now().Add(tokenTTLSecs * time.Second)
	return &Token{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   tokenTTLSecs,
	}, nil
}

// ValidToken reports whether an access token is live.
func (s *OAuthStore) ValidToken(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expires, ok := s.tokens[token]
	return ok && time.Now().Before(expires)
}
