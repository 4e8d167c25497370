package domain

import (
	"encoding/json"
	"time"
)

// ArtifactKind names a structured document generated for a session.
type ArtifactKind string

const (
	ArtifactBMC     ArtifactKind = "bmc"
	ArtifactRatings ArtifactKind = "ratings"
	ArtifactPanel   ArtifactKind = "panel"
)

// Valid reports whether k is a known artifact kind.
func (k ArtifactKind) Valid() bool {
	switch k {
	case ArtifactBMC, ArtifactRatings, ArtifactPanel:
		return true
	}
	return false
}

// ChatSession is a named conversation owned by one user.
type ChatSession struct {
	ID        string                           `json:"id" bson:"_id"`
	UserID    string                           `json:"-" bson:"user_id"`
	Title     string                           `json:"title" bson:"title"`
	Persona   string                           `json:"persona,omitempty" bson:"persona,omitempty"`
	Artifacts map[ArtifactKind]json.RawMessage `json:"artifacts,omitempty" bson:"-"`
	CreatedAt time.Time                        `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time                        `json:"updated_at" bson:"updated_at"`
}

// ShortTitle returns the sidebar label for the session.
func (s *ChatSession) ShortTitle() string {
	return ShortTitle(s.Title)
}
