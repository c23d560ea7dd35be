package index

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// gitRunner shells out to the git binary inside the index working tree,
// with the committer identity and SSH key supplied via the environment.
type gitRunner struct {
	dir       string
	userName  string
	userEmail string
	sshKey    string
}

// run executes git with the given arguments and returns trimmed stdout.
func (g *gitRunner) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+g.userName,
		"GIT_AUTHOR_EMAIL="+g.userEmail,
		"GIT_COMMITTER_NAME="+g.userName,
		"GIT_COMMITTER_EMAIL="+g.userEmail,
		// Never fall back to prompting for credentials.
		"GIT_TERMINAL_PROMPT=0",
	)
	if g.sshKey != "" {
		cmd.Env = append(cmd.Env,
			fmt.Sprintf("GIT_SSH_COMMAND=ssh -i %s -o IdentitiesOnly=yes -o StrictHostKeyChecking=accept-new", g.sshKey))
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// revParse resolves a revision to a commit hash.
func (g *gitRunner) revParse(ctx context.Context, rev string) (string, error) {
	return g.run(ctx, "rev-parse", rev)
}

// revCount returns the number of commits in the given range.
func (g *gitRunner) revCount(ctx context.Context, rng string) (int, error) {
	out, err := g.run(ctx, "rev-list", "--count", rng)
	if err != nil {
		return 0, err
	}
	var n int
	if _, err := fmt.Sscanf(out, "%d", &n); err != nil {
		return 0, fmt.Errorf("parse rev-list output %q: %w", out, err)
	}
	return n, nil
}
