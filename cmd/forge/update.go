package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"forge.example/forge/internal/config"
)

// UpdateCmd refreshes the pkgbuilds tree from its git remote: clone it on
// first use, otherwise fetch and reset to the remote branch, confirming
// with the operator first unless NonInteractive is set.
type UpdateCmd struct {
	NonInteractive bool `name:"non-interactive" help:"Don't prompt before resetting the pkgbuilds tree to the remote branch."`
}

func (c *UpdateCmd) Run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return updatePkgbuilds(ctx, cfg, c.NonInteractive)
}

func updatePkgbuilds(ctx context.Context, cfg config.Config, nonInteractive bool) error {
	dir := cfg.PkgbuildsDir()
	repo := cfg.Pkgbuilds.GitRepo
	branch := cfg.Pkgbuilds.GitBranch
	if branch == "" {
		branch = "main"
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if repo == "" {
			return fmt.Errorf("pkgbuilds.git_repo is not configured and %s does not exist", dir)
		}
		slog.Info("cloning pkgbuilds", "repo", repo, "branch", branch, "dir", dir)
		cmd := exec.CommandContext(ctx, "git", "clone", "--branch", branch, repo, dir)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("git clone failed: %w: %s", err, out)
		}
		return nil
	}

	if !nonInteractive && !confirm(fmt.Sprintf("Reset pkgbuilds at %s to origin/%s? Untracked changes are preserved, tracked changes are discarded.", dir, branch)) {
		slog.Info("update cancelled")
		return nil
	}

	for _, args := range [][]string{
		{"fetch", "origin", branch},
		{"reset", "--hard", "origin/" + branch},
	} {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("git %v failed: %w: %s", args, err, out)
		}
	}
	return nil
}

func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return line == "y\n" || line == "yes\n" || line == "Y\n"
}
