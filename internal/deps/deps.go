// Package deps detects dependency manifests in a workspace and installs them.
package deps

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Ecosystem names a package manager the installer knows how to drive.
type Ecosystem string

const (
	EcosystemNPM      Ecosystem = "npm"
	EcosystemPNPM     Ecosystem = "pnpm"
	EcosystemYarn     Ecosystem = "yarn"
	EcosystemBun      Ecosystem = "bun"
	EcosystemPython   Ecosystem = "python"
	EcosystemBundler  Ecosystem = "bundler"
	EcosystemComposer Ecosystem = "composer"
)

// Plan is one install step: a manifest that exists without its installed
// artifacts, and the command that installs it.
type Plan struct {
	Ecosystem Ecosystem
	Manifest  string
	Command   []string
	// Then holds commands run after Command succeeds.
	Then      [][]string
}

func (p Plan) String() string {
	return fmt.Sprintf("%s (%s)", p.Ecosystem, strings.Join(p.Command, " "))
}

// Runner executes an install command in dir.
type Runner interface {
	Run(ctx context.Context, dir string, argv []string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, argv []string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, tail(string(out), 500))
	}
	return string(out), nil
}

// Installer detects and installs workspace dependencies.
type Installer struct {
	runner Runner
}

// NewInstaller returns an Installer. A nil runner uses ExecRunner.
func NewInstaller(r Runner) *Installer {
	if r == nil {
		r = ExecRunner{}
	}
	return &Installer{runner: r}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Detect returns install plans for every manifest under path whose installed
// artifacts are missing.
func Detect(path string) []Plan {
	var plans []Plan

	if exists(filepath.Join(path, "package.json")) && !exists(filepath.Join(path, "node_modules")) {
		plans = append(plans, nodePlan(path))
	}

	if exists(filepath.Join(path, "requirements.txt")) && !exists(filepath.Join(path, ".venv")) {
		plans = append(plans, Plan{
			Ecosystem: EcosystemPython,
			Manifest:  "requirements.txt",
			Command:   []string{"python3", "-m", "venv", ".venv"},
			Then:      [][]string{{filepath.Join(path, ".venv", "bin", "python"), "-m", "pip", "install", "-r", "requirements.txt"}},
		})
	}

	if exists(filepath.Join(path, "Gemfile")) && !exists(filepath.Join(path, "vendor", "bundle")) {
		plans = append(plans, Plan{
			Ecosystem: EcosystemBundler,
			Manifest:  "Gemfile",
			Command:   []string{"bundle", "install", "--path", "vendor/bundle"},
		})
	}

	if exists(filepath.Join(path, "composer.json")) && !exists(filepath.Join(path, "vendor")) {
		plans = append(plans, Plan{
			Ecosystem: EcosystemComposer,
			Manifest:  "composer.json",
			Command:   []string{"composer", "install", "--no-interaction"},
		})
	}

	return plans
}

// nodePlan picks the package manager from the lockfile present.
func nodePlan(path string) Plan {
	p := Plan{Manifest: "package.json"}
	switch {
	case exists(filepath.Join(path, "pnpm-lock.yaml")):
		p.Ecosystem = EcosystemPNPM
		p.Command = []string{"pnpm", "install", "--frozen-lockfile"}
	case exists(filepath.Join(path, "yarn.lock")):
		p.Ecosystem = EcosystemYarn
		p.Command = []string{"yarn", "install", "--frozen-lockfile"}
	case exists(filepath.Join(path, "bun.lockb")), exists(filepath.Join(path, "bun.lock")):
		p.Ecosystem = EcosystemBun
		p.Command = []string{"bun", "install"}
	case exists(filepath.Join(path, "package-lock.json")):
		p.Ecosystem = EcosystemNPM
		p.Command = []string{"npm", "ci"}
	default:
		p.Ecosystem = EcosystemNPM
		p.Command = []string{"npm", "install"}
	}
	return p
}

// artifactDirs maps each manifest to the directory its install creates.
var artifactDirs = []struct{ manifest, dir string }{
	{"package.json", "node_modules"},
	{"requirements.txt", ".venv"},
	{"Gemfile", "vendor/bundle"},
	{"composer.json", "vendor"},
}

// ArtifactDirs returns the install directories, relative to path, that exist
// for the manifests found there.
func ArtifactDirs(path string) []string {
	var dirs []string
	for _, a := range artifactDirs {
		if exists(filepath.Join(path, a.manifest)) && exists(filepath.Join(path, filepath.FromSlash(a.dir))) {
			dirs = append(dirs, a.dir)
		}
	}
	return dirs
}

// NeedsInstall reports whether any manifest under path lacks installed artifacts.
func NeedsInstall(path string) bool {
	return len(Detect(path)) > 0
}

// Install runs every detected plan. It keeps going after a failure and
// returns the failures joined.
func (i *Installer) Install(ctx context.Context, path string) ([]Plan, error) {
	plans := Detect(path)
	var failed []string
	for _, p := range plans {
		for _, argv := range append([][]string{p.Command}, p.Then...) {
			if _, err := i.runner.Run(ctx, path, argv); err != nil {
				failed = append(failed, fmt.Sprintf("%s: %v", p.Ecosystem, err))
				break
			}
		}
	}
	if len(failed) > 0 {
		return plans, fmt.Errorf("install dependencies: %s", strings.Join(failed, "; "))
	}
	return plans, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
