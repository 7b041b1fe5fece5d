package main

import "context"

// CheckCmd validates recipe files matched by Paths.
type CheckCmd struct {
	Paths []string `arg:"" help:"Recipe paths or names to validate, or \"all\"."`
}

func (c *CheckCmd) Run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	orch := newOrchestrator(cfg)
	return orch.Check(ctx, c.Paths)
}
