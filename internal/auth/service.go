package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/KevinKickass/iotdserver/internal/config"
	"go.uber.org/zap"
)

type Permission string

const (
	PermViewer   Permission = "viewer"
	PermOperator Permission = "operator"
)

var ErrUnauthorized = errors.New("invalid or expired credentials")

const accessTokenTTL = 12 * time.Hour

// Principal is an authenticated operator.
type Principal struct {
	Subject     string       `json:"subject"`
	Method      string       `json:"method"`
	Permissions []Permission `json:"permissions"`
}

func (p *Principal) Has(perm Permission) bool {
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

// Authenticator checks operator bearer tokens and API keys. When disabled
// every request is treated as a full operator.
type Authenticator struct {
	enabled   bool
	jwt       *JWTHandler
	hasher    *KeyHasher
	keyHashes []string
	logger    *zap.Logger

	// verified caches digests of API keys that matched a hash.
	verified sync.Map
}

func NewAuthenticator(cfg config.AuthConfig, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		enabled:   cfg.Enabled,
		jwt:       NewJWTHandler(cfg.GetJWTSecret(), accessTokenTTL),
		hasher:    NewKeyHasher(),
		keyHashes: cfg.APIKeyHashes,
		logger:    logger,
	}
}

func (a *Authenticator) Enabled() bool {
	return a.enabled
}

// IssueToken signs an access token for subject.
func (a *Authenticator) IssueToken(subject string, role Permission) (string, error) {
	return a.jwt.GenerateAccessToken(subject, role)
}

// Authenticate resolves a bearer token or API key to a principal.
func (a *Authenticator) Authenticate(credential string) (*Principal, error) {
	if !a.enabled {
		return &Principal{
			Subject:     "anonymous",
			Method:      "none",
			Permissions: []Permission{PermViewer, PermOperator},
		}, nil
	}
	if credential == "" {
		return nil, ErrUnauthorized
	}

	if LooksLikeAPIKey(credential) {
		if a.checkAPIKey(credential) {
			return &Principal{
				Subject:     credential[:len(apiKeyPrefix)+8],
				Method:      "api_key",
				Permissions: []Permission{PermViewer, PermOperator},
			}, nil
		}
		return nil, ErrUnauthorized
	}

	claims, err := a.jwt.ValidateAccessToken(credential)
	if err != nil {
		a.logger.Debug("Token rejected", zap.Error(err))
		return nil, ErrUnauthorized
	}

	perms := []Permission{PermViewer}
	if claims.Role == PermOperator {
		perms = append(perms, PermOperator)
	}
	return &Principal{Subject: claims.Subject, Method: "jwt", Permissions: perms}, nil
}

func (a *Authenticator) checkAPIKey(key string) bool {
	d := digest(key)
	if _, ok := a.verified.Load(d); ok {
		return true
	}

	for _, encoded := range a.keyHashes {
		ok, err := a.hasher.Verify(key, encoded)
		if err != nil {
			a.logger.Warn("Ignoring malformed API key hash", zap.Error(err))
			continue
		}
		if ok {
			a.verified.Store(d, struct{}{})
			return true
		}
	}
	return false
}
