package usecase

import (
	"fmt"
	"time"

	authdomain "harvest-backend/internal/auth/domain"

	"github.com/golang-jwt/jwt/v5"
)

// AuthUsecase validates bearer tokens. Issuance belongs to the provisioning
// flow; IssueToken exists for it and for operational tooling.
type AuthUsecase interface {
	ValidateToken(tokenString string) (*authdomain.Principal, error)
	IssueToken(subject string, role authdomain.Role, ttl time.Duration) (string, error)
}

type authUsecase struct {
	secret []byte
}

func NewAuthUsecase(secret string) AuthUsecase {
	return &authUsecase{secret: []byte(secret)}
}

func (u *authUsecase) IssueToken(subject string, role authdomain.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": string(role),
		"exp":  now.Add(ttl).Unix(),
		"iat":  now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(u.secret)
}

func (u *authUsecase) ValidateToken(tokenString string) (*authdomain.Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return u.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, authdomain.ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, authdomain.ErrInvalidToken
	}

	subject, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if subject == "" {
		return nil, fmt.Errorf("%w: missing subject", authdomain.ErrInvalidToken)
	}
	switch authdomain.Role(role) {
	case authdomain.RoleDevice, authdomain.RoleAdmin:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", authdomain.ErrInvalidToken, role)
	}

	return &authdomain.Principal{Subject: subject, Role: authdomain.Role(role)}, nil
}
