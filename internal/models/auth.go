package models

import "github.com/golang-jwt/jwt/v5"

// UserRole is the caller's capability set at the API boundary. Identity and
// profile management live outside the engine; only the token is checked here.
type UserRole string

const (
	RoleAdmin   UserRole = "ADMIN"
	RoleTeacher UserRole = "TEACHER"
	RoleStudent UserRole = "STUDENT"
	RoleParent  UserRole = "PARENT"
)

// JWTClaims represents the access-token payload issued by the auth
// collaborator.
type JWTClaims struct {
	UserID string   `json:"user_id"`
	Role   UserRole `json:"role"`
	jwt.RegisteredClaims
}
