package permission

import (
	"strings"

	"github.com/joescharf/taskrun/internal/models"
)

// RebaseRequest returns a copy of req whose file locations are expressed
// against projectPath rather than workDir. Relative locations resolve
// against workDir, and absolute ones inside workDir move to the same place
// under projectPath. Locations outside workDir and URLs are kept as is.
func RebaseRequest(req *models.ToolCallRequest, workDir, projectPath string) *models.ToolCallRequest {
	if req == nil || workDir == "" {
		return req
	}
	out := *req
	if len(req.Locations) > 0 {
		out.Locations = make([]string, len(req.Locations))
		for i, l := range req.Locations {
			out.Locations[i] = rebasePath(l, workDir, projectPath)
		}
	}

	switch req.ToolKind {
	case models.ToolKindExecute, models.ToolKindFetch:
		return &out
	}
	if m, ok := req.RawInput.(map[string]any); ok {
		cp := make(map[string]any, len(m))
		for k, v := range m {
			cp[k] = v
		}
		for _, key := range locationKeys {
			if s, ok := cp[key].(string); ok && s != "" {
				cp[key] = rebasePath(s, workDir, projectPath)
			}
		}
		out.RawInput = cp
	}
	return &out
}

func rebasePath(p, workDir, projectPath string) string {
	if looksLikeURL(p) || strings.TrimSpace(p) == "" {
		return p
	}
	n := NormalizePath(p, workDir)
	if projectPath == "" {
		return n
	}
	wd := strings.TrimRight(NormalizePath(workDir, ""), "/")
	proj := strings.TrimRight(NormalizePath(projectPath, ""), "/")
	switch {
	case n == wd || n == wd+"/":
		return proj
	case strings.HasPrefix(n, wd+"/"):
		return proj + n[len(wd):]
	}
	return n
}
