// Package users resolves session claims into the participant shown in rooms.
package users

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultProvider = "default"

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for participant resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service records provider identities and resolves participants.
type Service struct {
	db           *gorm.DB
	now          func() time.Time
	participants sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Participant is the canonical identity shown to collaborators.
type Participant struct {
	UserID      string
	DisplayName string
}

// ResolveParticipant maps the claims onto a canonical user id, records the
// login and returns the name shown in presence. The name falls back to the
// stored identity, then the email, then the id itself.
func (s *Service) ResolveParticipant(claims auth.SessionClaims) (Participant, error) {
	provider, subject := providerSubject(claims)
	if subject == "" {
		return Participant{}, ErrInvalidIdentity
	}
	key := provider + ":" + subject
	displayName := normalize(claims.UserDisplayName)
	if cached, ok := s.participants.Load(key); ok {
		participant := cached.(Participant)
		if displayName == "" || displayName == participant.DisplayName {
			return participant, nil
		}
	}

	identity := Identity{
		Provider:    provider,
		Subject:     subject,
		UserID:      subject,
		Email:       normalize(claims.UserEmail),
		DisplayName: displayName,
		LastSeenAt:  s.now().UTC(),
	}
	updated := []string{"last_seen_at"}
	if identity.Email != "" {
		updated = append(updated, "user_email")
	}
	if identity.DisplayName != "" {
		updated = append(updated, "user_display_name")
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "subject"}},
		DoUpdates: clause.AssignmentColumns(updated),
	}).Create(&identity).Error
	if err != nil {
		return Participant{}, err
	}

	var stored Identity
	if err := s.db.Where("provider = ? AND subject = ?", provider, subject).Take(&stored).Error; err != nil {
		return Participant{}, err
	}
	participant := Participant{UserID: stored.UserID, DisplayName: firstNonEmpty(stored.DisplayName, stored.Email, stored.UserID)}
	s.participants.Store(key, participant)
	return participant, nil
}

// providerSubject splits a "provider:subject" user id. Plain ids belong to
// the default provider.
func providerSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)
	if raw := normalize(claims.UserID); raw != "" {
		prefix, rest, found := strings.Cut(raw, ":")
		switch {
		case found && normalize(prefix) != "" && normalize(rest) != "":
			provider, subject = normalize(prefix), normalize(rest)
		case subject == "":
			subject = raw
		}
	}
	if subject == "" {
		subject = normalize(claims.UserEmail)
	}
	return provider, subject
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
