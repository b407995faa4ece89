package core

// Principal is an authenticated identity that can hold sockets: a User or a Bot.
type Principal interface {
	// PrincipalID returns the opaque identity string.
	PrincipalID() string
	// Name returns the display name shown to other principals.
	Name() string
	// IsBot reports whether the principal is a bot.
	IsBot() bool
}

// User is a human principal.
type User struct {
	ID          string
	DisplayName string
	Avatar      string
}

func (u *User) PrincipalID() string { return u.ID }
func (u *User) Name() string        { return u.DisplayName }
func (u *User) IsBot() bool         { return false }

// Bot is an automated principal owned by a user and installed on servers.
type Bot struct {
	ID          string
	OwnerID     string
	BotName     string
	Avatar      string
	Permissions map[string]struct{}
	ServerIDs   map[string]struct{}
}

func (b *Bot) PrincipalID() string { return b.ID }
func (b *Bot) Name() string        { return b.BotName }
func (b *Bot) IsBot() bool         { return true }

// HasPermission reports whether the bot holds the permission key or the admin wildcard.
func (b *Bot) HasPermission(key string) bool {
	if _, ok := b.Permissions["*"]; ok {
		return true
	}
	_, ok := b.Permissions[key]
	return ok
}

// InServer reports whether the bot is installed on the given server.
func (b *Bot) InServer(serverID string) bool {
	_, ok := b.ServerIDs[serverID]
	return ok
}
