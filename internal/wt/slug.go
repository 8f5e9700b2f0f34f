package wt

import (
	"context"
	"regexp"
	"strings"

	"github.com/joescharf/taskrun/internal/models"
)

// MaxSlugLen bounds the title part of a branch name.
const MaxSlugLen = 40

var slugMultiHyphen = regexp.MustCompile(`-{2,}`)

// Slugify keeps lowercase ASCII letters and digits, collapses everything else
// into single hyphens, and truncates to max characters.
func Slugify(s string, max int) string {
	var sb strings.Builder
	prevHyphen := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
			prevHyphen = false
		} else if !prevHyphen {
			sb.WriteRune('-')
			prevHyphen = true
		}
	}
	slug := strings.Trim(slugMultiHyphen.ReplaceAllString(sb.String(), "-"), "-")
	if max > 0 && len(slug) > max {
		slug = strings.TrimRight(slug[:max], "-")
	}
	return slug
}

// Translator produces an English slug for titles that are mostly non-ASCII.
type Translator interface {
	EnglishSlug(ctx context.Context, title string) (string, error)
}

// TitleSlug slugs the title, asking t for an English slug when the ASCII
// slug is too short to be useful. t may be nil.
func TitleSlug(ctx context.Context, t Translator, title string) string {
	slug := Slugify(title, MaxSlugLen)
	if len(slug) >= 4 || t == nil || strings.TrimSpace(title) == "" {
		return slug
	}
	english, err := t.EnglishSlug(ctx, title)
	if err != nil {
		return slug
	}
	if s := Slugify(english, MaxSlugLen); s != "" {
		return s
	}
	return slug
}

// BranchName derives the branch for a task: <kind-prefix>/<slug>-<id suffix>.
func BranchName(kind models.TaskKind, slug, taskID string) string {
	id := strings.ToLower(taskID)
	if len(id) > 6 {
		id = id[len(id)-6:]
	}
	name := id
	if slug != "" {
		name = slug + "-" + id
	}
	return kind.BranchPrefix() + "/" + name
}
