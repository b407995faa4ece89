package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/Enclicainteractive/voltage-server/internal/core"
	"github.com/Enclicainteractive/voltage-server/internal/store"
)

var (
	// ErrInvalidToken is returned when a user or bot token fails validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrUnknownPrincipal is returned when a valid token resolves to nobody.
	ErrUnknownPrincipal = errors.New("unknown principal")
)

// Service resolves connecting sockets to exactly one principal. A socket
// that cannot be resolved is closed by the transport.
type Service struct {
	users     store.UserDirectory
	bots      store.BotRegistry
	jwtConfig *JWTConfig
}

// NewService creates a new authentication service.
func NewService(users store.UserDirectory, bots store.BotRegistry, jwtConfig *JWTConfig) *Service {
	return &Service{
		users:     users,
		bots:      bots,
		jwtConfig: jwtConfig,
	}
}

// AuthenticateUser validates a user JWT and resolves the user principal.
func (s *Service) AuthenticateUser(ctx context.Context, token string) (*core.User, error) {
	claims, err := ValidateToken(s.jwtConfig, token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	user, err := s.users.GetUser(ctx, claims.UserID)
	if err != nil || user == nil {
		return nil, ErrUnknownPrincipal
	}
	display := user.DisplayName
	if display == "" {
		display = user.Username
	}
	return &core.User{
		ID:          user.ID,
		DisplayName: display,
		Avatar:      user.Avatar,
	}, nil
}

// AuthenticateBot resolves a bot token by comparing its SHA-256 against the
// stored token hash.
func (s *Service) AuthenticateBot(ctx context.Context, token string) (*core.Bot, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	record, err := s.bots.GetBotByTokenHash(ctx, HashToken(token))
	if err != nil || record == nil {
		return nil, ErrUnknownPrincipal
	}
	return BotPrincipal(record), nil
}

// BotPrincipal maps a registry record onto the core principal shape.
func BotPrincipal(record *store.BotRecord) *core.Bot {
	perms := make(map[string]struct{}, len(record.Permissions))
	for _, p := range record.Permissions {
		perms[p] = struct{}{}
	}
	servers := make(map[string]struct{}, len(record.ServerIDs))
	for _, id := range record.ServerIDs {
		servers[id] = struct{}{}
	}
	return &core.Bot{
		ID:          record.ID,
		OwnerID:     record.OwnerID,
		BotName:     record.Name,
		Avatar:      record.Avatar,
		Permissions: perms,
		ServerIDs:   servers,
	}
}

// HashToken returns the hex SHA-256 of a bot token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ValidateToken validates a user JWT and returns its claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	return ValidateToken(s.jwtConfig, tokenString)
}
