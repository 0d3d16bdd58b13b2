// Package namegen generates readable names for resource managers and the
// nodes they deploy.
package namegen

import (
	"fmt"

	vendor "github.com/anandvarma/namegen"
)

var gen = vendor.New()

type ID string

func Get() ID {
	return ID(gen.Get())
}

// Node returns a fresh name for a node deployed by a back-end, such as
// "warden-brave-turing-42".
func Node(prefix string) string {
	if prefix == "" {
		prefix = "warden"
	}
	return fmt.Sprintf("%s-%s", prefix, Get())
}

func (id ID) String() string {
	return string(id)
}
