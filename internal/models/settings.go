package models

// DefaultWorktreeLimit is the per-repository workspace ceiling used when none is configured.
const DefaultWorktreeLimit = 5

// Settings holds the runtime knobs read by the coordinator and allocator.
type Settings struct {
	WorktreeLimit     int    `json:"worktreeLimit"`
	WorktreeIsolation bool   `json:"worktreeIsolation"`
	AutoInstallDeps   bool   `json:"autoInstallDeps"`
	DraftPR           bool   `json:"draftPr"`
	DefaultBaseBranch string `json:"defaultBaseBranch"`
}

// DefaultSettings returns the settings used before anything is stored.
func DefaultSettings() Settings {
	return Settings{
		WorktreeLimit:     DefaultWorktreeLimit,
		WorktreeIsolation: true,
		AutoInstallDeps:   true,
	}
}

// Limit returns the effective workspace ceiling.
func (s Settings) Limit() int {
	if s.WorktreeLimit <= 0 {
		return DefaultWorktreeLimit
	}
	return s.WorktreeLimit
}
