// Package domain contains core domain types for the Poten analysis service.
package domain

import (
	"regexp"
	"time"
)

// ProviderGoogle is the only identity provider currently wired.
const ProviderGoogle = "google"

// GuestPrefix marks anonymous per-device user IDs.
const GuestPrefix = "anon_"

var guestIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)

// User represents either an authenticated account or an anonymous guest.
// Authenticated users are keyed by email; guests by their device ID.
type User struct {
	UserID    string    `json:"user_id" bson:"_id"`
	Email     string    `json:"email,omitempty" bson:"email,omitempty"`
	Name      string    `json:"name" bson:"name"`
	Picture   string    `json:"picture,omitempty" bson:"picture,omitempty"`
	Provider  string    `json:"provider,omitempty" bson:"provider,omitempty"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// IsGuest returns true for anonymous device identities.
func (u *User) IsGuest() bool {
	return IsGuestID(u.UserID)
}

// IsGuestID reports whether id is a well-formed anonymous device ID. Emails
// such as anon_x@example.com are not guests.
func IsGuestID(id string) bool {
	return guestIDPattern.MatchString(id)
}

// GuestName derives a stable display name for an anonymous user.
func GuestName(userID string) string {
	if len(userID) > 13 {
		return "guest-" + userID[len(userID)-8:]
	}
	return "guest"
}

// LoginEvent is an append-only record of a successful sign-in.
type LoginEvent struct {
	Email     string    `json:"email" bson:"email"`
	Name      string    `json:"name" bson:"name"`
	Provider  string    `json:"provider" bson:"provider"`
	LoginTime time.Time `json:"login_time" bson:"login_time"`
}
