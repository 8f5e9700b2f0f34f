// Package permission decides whether an agent tool call is covered by a
// persisted grant.
package permission

import (
	"net/url"
	"strings"

	"github.com/joescharf/taskrun/internal/models"
)

// Score bands. Each scope type lives in its own band so bands never tie.
const (
	scoreExact  = 400
	scorePrefix = 300
	scoreGlob   = 200
	scoreAny    = 1
	bandWidth   = 99
)

// locationKeys are raw-input fields that carry a file location.
var locationKeys = []string{"path", "file_path", "filePath", "notebook_path", "source", "destination"}

// Match returns the grant that authoritatively decides the request, or nil
// when no grant applies and the operator has to be asked.
func Match(grants []*models.PermissionGrant, kind models.ToolKind, locations []string, rawInput any, projectPath string) *models.PermissionGrant {
	var candidates []*models.PermissionGrant
	for _, g := range grants {
		if g != nil && g.ToolKind == kind {
			candidates = append(candidates, g)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	if kind == models.ToolKindExecute {
		cmd := CommandFromInput(rawInput)
		subs := SplitCommandChain(cmd)
		if len(subs) > 1 {
			return matchChain(candidates, subs)
		}
		if len(subs) == 1 {
			cmd = subs[0]
		}
		g, _ := best(candidates, func(g *models.PermissionGrant) int { return scoreCommand(g, cmd) })
		return g
	}

	paths := requestPaths(locations, rawInput, projectPath)
	target := requestURL(locations, rawInput)
	g, _ := best(candidates, func(g *models.PermissionGrant) int {
		return scoreTarget(g, kind, paths, target, projectPath)
	})
	return g
}

// matchChain requires every non-navigational sub-command to be covered and
// returns the weakest covering grant. A covering rejection always wins.
func matchChain(candidates []*models.PermissionGrant, subs []string) *models.PermissionGrant {
	var weakest *models.PermissionGrant
	weakestScore := 0
	var rejected *models.PermissionGrant

	for _, sub := range subs {
		if IsNavigational(sub) {
			continue
		}
		g, score := best(candidates, func(g *models.PermissionGrant) int { return scoreCommand(g, sub) })
		if g == nil {
			lead := LeadingToken(sub)
			g, score = best(candidates, func(g *models.PermissionGrant) int { return scoreCommand(g, lead) })
		}
		if g == nil {
			return nil
		}
		if !g.Granted && rejected == nil {
			rejected = g
		}
		if weakest == nil || score < weakestScore {
			weakest, weakestScore = g, score
		}
	}
	if rejected != nil {
		return rejected
	}
	return weakest
}

// best returns the highest-scoring grant with a positive score. On an equal
// score a rejection beats an allow, otherwise the earlier grant wins.
func best(candidates []*models.PermissionGrant, score func(*models.PermissionGrant) int) (*models.PermissionGrant, int) {
	var winner *models.PermissionGrant
	top := 0
	for _, g := range candidates {
		s := score(g)
		if s <= 0 {
			continue
		}
		if s > top || (s == top && winner != nil && winner.Granted && !g.Granted) {
			winner, top = g, s
		}
	}
	return winner, top
}

func scoreCommand(g *models.PermissionGrant, cmd string) int {
	switch g.ScopeType {
	case models.ScopeAny:
		return scoreAny
	case models.ScopeCommand:
		if cmd != "" && normalizeCommand(g.ScopeValue) == cmd {
			return scoreExact
		}
	case models.ScopeCommandPrefix:
		prefix := commandPrefix(g.ScopeValue)
		if prefix != "" && (cmd == prefix || strings.HasPrefix(cmd, prefix+" ")) {
			return scorePrefix + min(len(prefix), bandWidth)
		}
	case models.ScopeGlob:
		pattern := normalizeCommand(g.ScopeValue)
		if pattern != "" && cmd != "" && MatchGlob(pattern, cmd) {
			return scoreGlob + min(globLiterals(pattern), bandWidth)
		}
	}
	return 0
}

// commandPrefix strips the trailing wildcard forms people write for prefixes
// ("git *", "git:*").
func commandPrefix(v string) string {
	v = normalizeCommand(v)
	v = strings.TrimSuffix(v, ":*")
	v = strings.TrimSuffix(v, "*")
	return strings.TrimSpace(v)
}

func scoreTarget(g *models.PermissionGrant, kind models.ToolKind, paths []string, target, projectPath string) int {
	if g.ScopeType == models.ScopeAny {
		return scoreAny
	}

	if kind == models.ToolKindFetch && target != "" {
		switch g.ScopeType {
		case models.ScopeDomain:
			return scoreDomain(g.ScopeValue, target)
		case models.ScopeURLPrefix:
			if g.ScopeValue != "" && strings.HasPrefix(target, g.ScopeValue) {
				return scorePrefix + min(len(g.ScopeValue), bandWidth)
			}
			return 0
		case models.ScopeGlob:
			if g.ScopeValue != "" && MatchGlob(g.ScopeValue, target) {
				return scoreGlob + min(globLiterals(g.ScopeValue), bandWidth)
			}
			return 0
		}
	}

	if len(paths) == 0 {
		return 0
	}
	base := g.ProjectPath
	if base == "" {
		base = projectPath
	}
	value := NormalizePath(g.ScopeValue, base)
	if value == "" {
		return 0
	}

	switch g.ScopeType {
	case models.ScopePath:
		for _, p := range paths {
			if p != strings.TrimSuffix(value, "/") {
				return 0
			}
		}
		return scoreExact
	case models.ScopePathPrefix:
		prefix := strings.TrimSuffix(value, "/")
		for _, p := range paths {
			if prefix != "" && p != prefix && !strings.HasPrefix(p, prefix+"/") {
				return 0
			}
		}
		return scorePrefix + min(len(prefix), bandWidth)
	case models.ScopeGlob:
		for _, p := range paths {
			if !MatchGlob(value, p) {
				return 0
			}
		}
		return scoreGlob + min(globLiterals(value), bandWidth)
	}
	return 0
}

func scoreDomain(domain, target string) int {
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return 0
	}
	host := strings.ToLower(u.Hostname())
	domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "*."))
	if domain == "" {
		return 0
	}
	if host == domain || strings.HasSuffix(host, "."+domain) {
		return scorePrefix + min(len(domain), bandWidth)
	}
	return 0
}

// requestPaths collects and normalizes the file locations of a request.
func requestPaths(locations []string, rawInput any, projectPath string) []string {
	var raw []string
	for _, l := range locations {
		if !looksLikeURL(l) {
			raw = append(raw, l)
		}
	}
	if len(raw) == 0 {
		if m, ok := rawInput.(map[string]any); ok {
			for _, key := range locationKeys {
				if s, ok := m[key].(string); ok && s != "" {
					raw = append(raw, s)
				}
			}
		}
	}

	paths := make([]string, 0, len(raw))
	for _, p := range raw {
		if n := NormalizePath(p, projectPath); n != "" {
			paths = append(paths, strings.TrimSuffix(n, "/"))
		}
	}
	return paths
}

// requestURL extracts the URL of a fetch request.
func requestURL(locations []string, rawInput any) string {
	switch v := rawInput.(type) {
	case string:
		if looksLikeURL(v) {
			return strings.TrimSpace(v)
		}
	case map[string]any:
		for _, key := range []string{"url", "uri"} {
			if s, ok := v[key].(string); ok && s != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	for _, l := range locations {
		if looksLikeURL(l) {
			return l
		}
	}
	return ""
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
