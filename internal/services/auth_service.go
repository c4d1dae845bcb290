package services

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	appErr "github.com/idp-studio/engine/pkg/errors"
)

// AuthService authenticates the operator account. The engine has a single
// admin identity configured through the environment; end users live in the
// identity provider, not here.
type AuthService interface {
	Login(ctx context.Context, email, password string) (string, error)
}

type authService struct {
	adminEmail        string
	adminPasswordHash []byte
	hmacSecret        []byte
	tokenTTL          time.Duration
}

func NewAuthService(adminEmail, adminPasswordHash string, secret []byte) AuthService {
	return &authService{
		adminEmail:        strings.ToLower(adminEmail),
		adminPasswordHash: []byte(adminPasswordHash),
		hmacSecret:        secret,
		tokenTTL:          24 * time.Hour,
	}
}

var _ AuthService = (*authService)(nil)

func (s *authService) Login(ctx context.Context, email, password string) (string, error) {
	if s.adminEmail == "" || len(s.adminPasswordHash) == 0 {
		return "", appErr.New(appErr.CodeUnauthorized, "admin login is not configured")
	}

	emailOK := subtle.ConstantTimeCompare([]byte(strings.ToLower(email)), []byte(s.adminEmail)) == 1
	passwordErr := bcrypt.CompareHashAndPassword(s.adminPasswordHash, []byte(password))
	if !emailOK || passwordErr != nil {
		return "", appErr.New(appErr.CodeUnauthorized, "invalid credentials")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": s.adminEmail,
		"exp": time.Now().Add(s.tokenTTL).Unix(),
	})
	signed, err := token.SignedString(s.hmacSecret)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeInternal, "sign token failed")
	}
	return signed, nil
}
