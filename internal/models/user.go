package models

import (
	"time"
)

const (
	RoleClient = "client"
	RoleAdmin  = "administrateur"
)

// User is the subset of the user record the payment core touches.
// KwBalance is the prepaid energy credit; it is only mutated through the
// atomic credit and the clamped admin adjustment, never overwritten.
type User struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Email       string    `json:"email" db:"email"`
	PhoneNumber string    `json:"phone_number" db:"phone_number"`
	Role        string    `json:"role" db:"role"`
	KwBalance   int64     `json:"kw_balance" db:"kw_balance"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}
