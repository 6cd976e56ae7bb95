package domain

import "errors"

type Role string

const (
	RoleDevice Role = "device"
	RoleAdmin  Role = "admin"
)

var ErrInvalidToken = errors.New("invalid token")

// Principal is the authenticated caller: a harvesting device or an operator
type Principal struct {
	Subject string
	Role    Role
}
