package auth

import (
	"context"
	"strings"

	"github.com/geosia-dev/gsnet/pkg/protocol"
)

// Username length bounds.
const (
	MinUsernameLength = 3
	MaxUsernameLength = 32
)

// BanList reports whether a username is banned.
type BanList interface {
	// Lookup returns the ban reason and true for a banned username.
	Lookup(ctx context.Context, username string) (reason string, banned bool, err error)
}

// Roster describes the players currently online.
type Roster interface {
	// PlayerCount returns the number of authenticated players.
	PlayerCount() int
	// Online reports whether username is already logged in.
	Online(username string) bool
}

// Privileges decides who may join a full server.
type Privileges interface {
	IsPrivileged(username string) bool
}

// Operators is a set of privileged usernames.
type Operators map[string]struct{}

// NewOperators builds an operator set.
func NewOperators(usernames ...string) Operators {
	ops := make(Operators, len(usernames))
	for _, u := range usernames {
		ops[NormalizeUsername(u)] = struct{}{}
	}
	return ops
}

// IsPrivileged implements Privileges.
func (o Operators) IsPrivileged(username string) bool {
	_, ok := o[NormalizeUsername(username)]
	return ok
}

// NormalizeUsername returns the key usernames are compared by.
func NormalizeUsername(username string) string {
	return strings.ToLower(username)
}

// ValidUsername reports whether username is 3 to 32 characters from
// [A-Za-z0-9_].
func ValidUsername(username string) bool {
	if len(username) < MinUsernameLength || len(username) > MaxUsernameLength {
		return false
	}
	for i := 0; i < len(username); i++ {
		c := username[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return false
		}
	}
	return true
}

// Validator runs the ordered login checks.
type Validator struct {
	// BanList is consulted second. Nil means nobody is banned.
	BanList BanList

	// PlayerLimit caps the roster. Zero or less means unlimited.
	PlayerLimit int

	// Roster supplies the current player count. Nil means empty.
	Roster Roster

	// Privileges exempts users from the player limit.
	Privileges Privileges
}

// Validate returns nil if username may log in, or a
// *protocol.AuthenticationError naming the first failed check.
func (v *Validator) Validate(ctx context.Context, username string) error {
	if !ValidUsername(username) {
		return protocol.NewAuthenticationError(protocol.AuthInvalidUsername,
			"username must be %d to %d letters, digits or underscores", MinUsernameLength, MaxUsernameLength)
	}

	if v.BanList != nil {
		reason, banned, err := v.BanList.Lookup(ctx, NormalizeUsername(username))
		if err != nil {
			return protocol.NewAuthenticationError(protocol.AuthUnspecified, "could not check the ban list")
		}
		if banned {
			return protocol.NewAuthenticationError(protocol.AuthBanned, "%s", reason)
		}
	}

	if v.Roster != nil && v.Roster.Online(username) {
		return protocol.NewAuthenticationError(protocol.AuthUnspecified, "%s is already online", username)
	}

	privileged := v.Privileges != nil && v.Privileges.IsPrivileged(username)
	if !privileged && v.PlayerLimit > 0 && v.Roster != nil {
		if n := v.Roster.PlayerCount(); n >= v.PlayerLimit {
			return protocol.NewAuthenticationError(protocol.AuthServerFull,
				"server is full (%d/%d players)", n, v.PlayerLimit)
		}
	}
	return nil
}
