// Package gitrepo wraps the git command line for remote branch discovery and
// shallow clones.
package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// CommandRunner runs an external command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	// never block on a credential prompt
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return stdout.Bytes(), fmt.Errorf("%s %s: %w: %s", name, firstArg(args), err, msg)
		}
		return stdout.Bytes(), fmt.Errorf("%s %s: %w", name, firstArg(args), err)
	}
	return stdout.Bytes(), nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

const headsPrefix = "refs/heads/"

// Resolver determines which branch to clone when the caller names none.
type Resolver struct {
	Runner        CommandRunner
	DefaultBranch string
	Timeout       time.Duration
	// ListBranches enables the stricter fallback that picks the first
	// advertised branch before settling on DefaultBranch.
	ListBranches bool
}

// NewResolver creates a Resolver that shells out to git.
func NewResolver(defaultBranch string, timeout time.Duration, listBranches bool) *Resolver {
	return &Resolver{
		Runner:        ExecRunner{},
		DefaultBranch: defaultBranch,
		Timeout:       timeout,
		ListBranches:  listBranches,
	}
}

// ResolveDefaultBranch returns the branch the remote HEAD points at. It never
// fails: any lookup problem yields the configured default branch.
func (r *Resolver) ResolveDefaultBranch(ctx context.Context, repoURL string) string {
	out, err := r.lsRemote(ctx, "--symref", repoURL, "HEAD")
	if err == nil {
		if b, ok := ParseSymref(out); ok {
			return b
		}
		log.Warn().Str("repo", repoURL).Msg("remote did not report a HEAD symref")
	} else {
		log.Warn().Err(err).Str("repo", repoURL).Msg("resolving remote HEAD failed")
	}

	if r.ListBranches {
		out, err := r.lsRemote(ctx, "--heads", repoURL)
		if err == nil {
			if b, ok := FirstHead(out); ok {
				log.Info().Str("repo", repoURL).Str("branch", b).Msg("using first remote branch")
				return b
			}
		} else {
			log.Warn().Err(err).Str("repo", repoURL).Msg("listing remote branches failed")
		}
	}

	log.Info().Str("repo", repoURL).Str("branch", r.defaultBranch()).Msg("falling back to default branch")
	return r.defaultBranch()
}

func (r *Resolver) defaultBranch() string {
	if r.DefaultBranch == "" {
		return "main"
	}
	return r.DefaultBranch
}

func (r *Resolver) lsRemote(ctx context.Context, args ...string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	runner := r.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	return runner.Run(ctx, "git", append([]string{"ls-remote"}, args...)...)
}

// ParseSymref extracts the branch from `git ls-remote --symref <url> HEAD`
// output, e.g. "ref: refs/heads/main\tHEAD". Lines that do not have the
// expected shape are ignored.
func ParseSymref(out []byte) (string, bool) {
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "ref:" {
			continue
		}
		if b, ok := branchFromRef(fields[1]); ok {
			return b, true
		}
	}
	return "", false
}

// FirstHead returns the first branch in `git ls-remote --heads` output.
func FirstHead(out []byte) (string, bool) {
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.HasPrefix(fields[1], headsPrefix) {
			continue
		}
		if b, ok := branchFromRef(fields[1]); ok {
			return b, true
		}
	}
	return "", false
}

func branchFromRef(ref string) (string, bool) {
	if strings.HasPrefix(ref, headsPrefix) {
		b := strings.TrimPrefix(ref, headsPrefix)
		return b, b != ""
	}
	if !strings.HasPrefix(ref, "refs/") {
		return "", false
	}
	i := strings.LastIndex(ref, "/")
	b := ref[i+1:]
	return b, b != ""
}

// Cloner makes shallow clones of a single branch.
type Cloner struct {
	Runner CommandRunner
	// Token is injected into https URLs for private GitHub repositories.
	Token string
}

// NewCloner creates a Cloner that shells out to git.
func NewCloner(token string) *Cloner {
	return &Cloner{Runner: ExecRunner{}, Token: token}
}

// Clone replaces whatever is at dest with a fresh shallow clone of branch.
func (c *Cloner) Clone(ctx context.Context, repoURL, branch, dest string) error {
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("remove previous clone: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create clone parent: %w", err)
	}

	url := repoURL
	if c.Token != "" && strings.HasPrefix(url, "https://") {
		url = "https://" + c.Token + ":x-oauth-basic@" + strings.TrimPrefix(url, "https://")
	}

	args := []string{"clone", "--depth", "1", "--single-branch"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, dest)

	runner := c.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	if _, err := runner.Run(ctx, "git", args...); err != nil {
		if rmErr := os.RemoveAll(dest); rmErr != nil {
			log.Warn().Err(rmErr).Str("dir", dest).Msg("failed to remove partial clone")
		}
		return fmt.Errorf("git clone: %s", c.redact(err.Error()))
	}
	return nil
}

func (c *Cloner) redact(s string) string {
	if c.Token == "" {
		return s
	}
	return strings.ReplaceAll(s, c.Token, "***")
}
