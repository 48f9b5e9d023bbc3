package stdio

import (
	"fmt"
	"os/user"
)

// UserProvider names the principal behind a stdio connection. There is no
// bearer token on a pipe, so the process owner stands in for one.
type UserProvider interface {
	CurrentUserID() (string, error)
}

// OSUserProvider reports the login name of the process owner, or its uid
// when the name is unavailable.
type OSUserProvider struct{}

func (OSUserProvider) CurrentUserID() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("current user: %w", err)
	}
	if u.Username == "" {
		return u.Uid, nil
	}
	return u.Username, nil
}

// StaticUserProvider is a fixed user id, for tests and embedding.
type StaticUserProvider string

func (s StaticUserProvider) CurrentUserID() (string, error) { return string(s), nil }
