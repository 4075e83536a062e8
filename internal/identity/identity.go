// Package identity models who is speaking on a connection: an
// authenticated user or an anonymous guest.
package identity

import (
	"strings"

	"github.com/suPer8Hu/ai-relay/internal/common"
)

const guestPrefix = "guest_"

// Identity is either a User or a Guest. Code that persists or accounts
// for a turn branches on Authenticated rather than on empty strings.
type Identity interface {
	ID() string
	Authenticated() bool
	isIdentity()
}

type User struct {
	UserID string
}

func (u User) ID() string          { return u.UserID }
func (u User) Authenticated() bool { return true }
func (User) isIdentity()           {}

type Guest struct {
	GuestID string
}

func (g Guest) ID() string          { return g.GuestID }
func (g Guest) Authenticated() bool { return false }
func (Guest) isIdentity()           {}

// Resolve picks the user when userID is set, else the guest. An empty
// guestID gets a freshly minted one.
func Resolve(userID, guestID string) Identity {
	if userID != "" {
		return User{UserID: userID}
	}
	if guestID == "" {
		guestID = common.NewGuestID()
	}
	return Guest{GuestID: guestID}
}

// FromID rebuilds an identity from a stored id; guest ids carry the
// "guest_" prefix.
func FromID(id string) Identity {
	if strings.HasPrefix(id, guestPrefix) {
		return Guest{GuestID: id}
	}
	return User{UserID: id}
}
