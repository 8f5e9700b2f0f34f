package permission

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/joescharf/taskrun/internal/models"
)

// GrantStore is the persistence the gate reads grants from and records
// "always" answers into.
type GrantStore interface {
	ListPermissionGrants(ctx context.Context, projectPath string) ([]*models.PermissionGrant, error)
	SavePermissionGrant(ctx context.Context, grant *models.PermissionGrant) error
}

// Decision is the outcome of an authorization.
type Decision struct {
	Allowed bool
	// Grant is the grant that decided, nil when the operator answered directly.
	Grant *models.PermissionGrant
}

// Gate authorizes tool calls against the grants of a project.
type Gate struct {
	store GrantStore
}

// NewGate creates a gate backed by the given grant store.
func NewGate(s GrantStore) *Gate {
	return &Gate{store: s}
}

// Check matches the request against the project's grants. ok is false when
// no grant applies and the operator must be asked.
func (g *Gate) Check(ctx context.Context, projectPath string, req *models.ToolCallRequest) (d Decision, ok bool, err error) {
	grants, err := g.store.ListPermissionGrants(ctx, projectPath)
	if err != nil {
		return Decision{}, false, fmt.Errorf("load grants: %w", err)
	}
	match := Match(grants, req.ToolKind, req.Locations, req.RawInput, projectPath)
	if match == nil {
		return Decision{}, false, nil
	}
	return Decision{Allowed: match.Granted, Grant: match}, true, nil
}

// Resolve applies the operator's chosen option, saving grants for the
// "always" options.
func (g *Gate) Resolve(ctx context.Context, projectPath string, req *models.ToolCallRequest, opt models.PermissionOption) (Decision, error) {
	d := Decision{Allowed: opt.Allows()}
	if !opt.Persists() {
		return d, nil
	}
	for _, grant := range SuggestGrants(req, projectPath, opt.Allows()) {
		if err := g.store.SavePermissionGrant(ctx, grant); err != nil {
			return d, fmt.Errorf("save grant: %w", err)
		}
		if d.Grant == nil {
			d.Grant = grant
		}
	}
	return d, nil
}

// SuggestGrants builds the grants an "always" answer should record: the
// leading command of every chained sub-command for execute requests, the
// exact paths for file requests, the host for fetch requests, and a blanket
// grant for everything else.
func SuggestGrants(req *models.ToolCallRequest, projectPath string, granted bool) []*models.PermissionGrant {
	newGrant := func(scope models.ScopeType, value string) *models.PermissionGrant {
		return &models.PermissionGrant{
			ProjectPath: projectPath,
			ToolKind:    req.ToolKind,
			ScopeType:   scope,
			ScopeValue:  value,
			Granted:     granted,
		}
	}

	var grants []*models.PermissionGrant
	seen := map[string]bool{}

	switch req.ToolKind {
	case models.ToolKindExecute:
		for _, sub := range SplitCommandChain(CommandFromInput(req.RawInput)) {
			lead := LeadingToken(sub)
			if lead == "" || IsNavigational(sub) || seen[lead] {
				continue
			}
			seen[lead] = true
			grants = append(grants, newGrant(models.ScopeCommandPrefix, lead))
		}
	case models.ToolKindFetch:
		if u, err := url.Parse(requestURL(req.Locations, req.RawInput)); err == nil && u.Hostname() != "" {
			grants = append(grants, newGrant(models.ScopeDomain, strings.ToLower(u.Hostname())))
		}
	default:
		for _, p := range requestPaths(req.Locations, req.RawInput, projectPath) {
			if seen[p] {
				continue
			}
			seen[p] = true
			grants = append(grants, newGrant(models.ScopePath, p))
		}
	}

	if len(grants) == 0 {
		grants = append(grants, newGrant(models.ScopeAny, ""))
	}
	return grants
}
