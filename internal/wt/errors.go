package wt

import (
	"errors"
	"fmt"
)

// ErrLimitReached matches any *LimitReachedError via errors.Is.
var ErrLimitReached = errors.New("workspace limit reached")

// LimitReachedError reports that a repository already has its ceiling of
// live workspaces.
type LimitReachedError struct {
	RepoPath string
	Limit    int
	Count    int
}

func (e *LimitReachedError) Error() string {
	return fmt.Sprintf("workspace limit reached for %s: %d of %d in use", e.RepoPath, e.Count, e.Limit)
}

func (e *LimitReachedError) Is(target error) bool {
	return target == ErrLimitReached
}
