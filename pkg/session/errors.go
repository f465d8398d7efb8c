package session

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoActiveSession is returned when a scope has no active session.
var ErrNoActiveSession = errors.New("No active session found") //nolint:staticcheck // message is part of the wire contract

// ProjectNotFoundError is returned when a project name does not resolve.
type ProjectNotFoundError struct {
	Name      string
	Available []string
}

func (e *ProjectNotFoundError) Error() string {
	available := "none"
	if len(e.Available) > 0 {
		available = strings.Join(e.Available, ", ")
	}
	return fmt.Sprintf("Project %q not found. Available projects: %s", e.Name, available)
}
