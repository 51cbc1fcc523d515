package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is a local actor hosted by this server.
type Account struct {
	Id            uuid.UUID
	Username      string
	PasswordHash  string
	DisplayName   string
	Summary       string
	IsAdmin       bool
	CreatedAt     time.Time
	WebPublicKey  string
	WebPrivateKey string
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tAdmin: %t \n\tCREATED_AT: %s)", acc.Id, acc.Username, acc.IsAdmin, acc.CreatedAt)
}

// BlockScope returns the scope under which this account's moderation
// actions are recorded. Admin blocks apply to the whole instance.
func (acc *Account) BlockScope() string {
	if acc.IsAdmin {
		return "*"
	}
	return acc.Username
}
