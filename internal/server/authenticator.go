package server

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/users"
)

var errMissingIdentityDependencies = errors.New("session validator and user service are required")

// ParticipantResolver maps validated claims to a collaborator identity.
type ParticipantResolver interface {
	ResolveParticipant(claims auth.SessionClaims) (users.Participant, error)
}

// TokenAuthenticator authenticates collaboration websockets with session
// tokens.
type TokenAuthenticator struct {
	validator *auth.SessionValidator
	users     ParticipantResolver
}

// NewTokenAuthenticator wires session validation to identity resolution.
func NewTokenAuthenticator(validator *auth.SessionValidator, resolver ParticipantResolver) (*TokenAuthenticator, error) {
	if validator == nil || resolver == nil {
		return nil, errMissingIdentityDependencies
	}
	return &TokenAuthenticator{validator: validator, users: resolver}, nil
}

// Authenticate validates the token and resolves the canonical participant.
func (a *TokenAuthenticator) Authenticate(_ context.Context, token string) (collab.Identity, error) {
	claims, err := a.validator.ValidateToken(token)
	if err != nil {
		return collab.Identity{}, err
	}
	participant, err := a.users.ResolveParticipant(claims)
	if err != nil {
		return collab.Identity{}, err
	}
	return collab.Identity{UserID: participant.UserID, UserName: participant.DisplayName}, nil
}
