package policy

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
)

const (
	// All grants access to everyone
	All = "ALL"
	// Me grants access to the administrator of the node source only
	Me = "ME"

	usersPrefix = "users="
)

// Rule is one access rule: ALL, ME or users=alice,bob.
type Rule struct {
	all   bool
	users []string
}

func ParseRule(s string) (Rule, error) {
	switch s = strings.TrimSpace(s); {
	case strings.EqualFold(s, All):
		return Rule{all: true}, nil
	case strings.EqualFold(s, Me):
		return Rule{}, nil
	case strings.HasPrefix(s, usersPrefix):
		users := lo.FilterMap(strings.Split(strings.TrimPrefix(s, usersPrefix), ","), func(user string, _ int) (string, bool) {
			user = strings.TrimSpace(user)
			return user, user != ""
		})
		if len(users) == 0 {
			return Rule{}, fmt.Errorf("access rule '%s' names no user", s)
		}
		return Rule{users: users}, nil
	default:
		return Rule{}, fmt.Errorf("invalid access rule '%s'", s)
	}
}

// Allows reports whether user may use the node source administered by admin.
// The administrator is always allowed.
func (r Rule) Allows(user, admin string) bool {
	return r.all || user == admin || slices.Contains(r.users, user)
}

func (r Rule) String() string {
	switch {
	case r.all:
		return All
	case len(r.users) > 0:
		return usersPrefix + strings.Join(r.users, ",")
	default:
		return Me
	}
}

// Access tells who may get nodes from a node source (Users) and who may add
// nodes to it (Providers).
type Access struct {
	Users     Rule
	Providers Rule
}

func (a Access) String() string {
	return fmt.Sprintf("users: %s, providers: %s", a.Users, a.Providers)
}
