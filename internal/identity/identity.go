// Package identity resolves who the local session is and which role it plays.
package identity

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/matheus3301/esh3ar/internal/auth"
)

// Role classifies the authenticated identity. It selects the hub endpoint and
// the chat message schema.
type Role int

const (
	Mobile Role = iota
	Business
)

func (r Role) String() string {
	switch r {
	case Mobile:
		return "mobile"
	case Business:
		return "business"
	default:
		return "unknown"
	}
}

// Discriminator decides the role of a login handle.
type Discriminator func(handle string) Role

var phonePattern = regexp.MustCompile(`^\+?[0-9]{6,15}$`)

// PhoneShaped is the default Discriminator: handles that look like phone
// numbers are Mobile, everything else is Business.
func PhoneShaped(handle string) Role {
	if phonePattern.MatchString(strings.TrimSpace(handle)) {
		return Mobile
	}
	return Business
}

// Identity is the resolved local identity. It does not change for the life
// of a session.
type Identity struct {
	UserID string
	Handle string
	Role   Role
}

// LoginName returns the username presented to the credential issuer.
// Mobile handles are local numbers and get the dial prefix; a handle that
// already carries a leading '+' is sent without it.
func LoginName(handle, dialPrefix string, role Role) string {
	handle = strings.TrimSpace(handle)
	if role != Mobile {
		return handle
	}
	if rest, ok := strings.CutPrefix(handle, "+"); ok {
		return rest
	}
	return dialPrefix + handle
}

// Resolve builds the Identity for handle from the issued access token. The
// user id is the token's subject; when the token cannot be decoded the
// handle stands in for it.
func Resolve(handle, accessToken string, discriminate Discriminator, log *zap.Logger) Identity {
	if discriminate == nil {
		discriminate = PhoneShaped
	}
	if log == nil {
		log = zap.NewNop()
	}
	handle = strings.TrimSpace(handle)
	id := Identity{Handle: handle, Role: discriminate(handle), UserID: handle}

	claims, err := auth.DecodeClaims(accessToken)
	switch {
	case err != nil:
		log.Warn("access token is not a readable JWT, using handle as user id", zap.Error(err))
	case claims.Subject == "":
		log.Warn("access token has no subject, using handle as user id")
	default:
		id.UserID = claims.Subject
		log.Debug("token claims",
			zap.String("preferred_username", claims.PreferredUsername),
			zap.Bool("has_phone_number", claims.PhoneNumber != ""),
			zap.Strings("roles", claims.Roles))
	}
	log.Info("identity resolved",
		zap.String("handle", id.Handle),
		zap.String("user_id", id.UserID),
		zap.Stringer("role", id.Role))
	return id
}
