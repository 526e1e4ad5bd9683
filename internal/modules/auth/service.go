package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"permitpay/internal/pkg/jwt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type tokenIssuer interface {
	GenerateToken(email, role string) (string, error)
}

// Service authenticates the operator account configured through the
// environment. The service has no user store; operator provisioning happens
// in the deployment, not in the API.
type Service struct {
	issuer       tokenIssuer
	adminEmail   string
	passwordHash string
	tokenTTL     time.Duration
	loggerf      func(format string, args ...interface{})
}

func NewService(issuer tokenIssuer, adminEmail, passwordHash string, tokenTTL time.Duration, loggerf func(format string, args ...interface{})) *Service {
	if loggerf == nil {
		loggerf = func(string, ...interface{}) {}
	}
	return &Service{
		issuer:       issuer,
		adminEmail:   strings.ToLower(strings.TrimSpace(adminEmail)),
		passwordHash: passwordHash,
		tokenTTL:     tokenTTL,
		loggerf:      loggerf,
	}
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	if s.adminEmail == "" || s.passwordHash == "" {
		s.loggerf("level=error msg=operator login attempted without configured account")
		return nil, ErrInvalidCredentials
	}
	if strings.ToLower(strings.TrimSpace(req.Email)) != s.adminEmail {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, err := s.issuer.GenerateToken(s.adminEmail, jwt.RoleOperator)
	if err != nil {
		return nil, err
	}
	s.loggerf("level=info msg=operator logged in email=%s", s.adminEmail)
	return &LoginResponse{
		AccessToken: token,
		Role:        jwt.RoleOperator,
		ExpiresIn:   int64(s.tokenTTL.Seconds()),
	}, nil
}
