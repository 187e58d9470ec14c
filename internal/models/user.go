package models

// UserRole is read from the role claim of dashboard access tokens.
type UserRole string

const (
	RoleCoach UserRole = "coach"
	RoleAdmin UserRole = "admin"
)
