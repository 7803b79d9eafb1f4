package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/pulsebutton/backend/internal/repository"
)

func runState(ctx context.Context, args []string) error {
	states, _, registry, closeRepos, err := openRepositories()
	if err != nil {
		return err
	}
	defer closeRepos()

	current, err := states.Latest(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNoState) {
			fmt.Fprintln(stdout, "no state has been recorded yet")
			return nil
		}
		return fmt.Errorf("load latest state: %w", err)
	}

	fmt.Fprintf(stdout, "id:                  %d\n", current.ID)
	fmt.Fprintf(stdout, "counter:             %d\n", current.Counter)
	fmt.Fprintf(stdout, "phase:               %s\n", current.Phase)
	fmt.Fprintf(stdout, "entropy:             %.6f\n", current.Entropy)
	fmt.Fprintf(stdout, "reveal_until_ms:     %d\n", current.RevealUntilMs)
	fmt.Fprintf(stdout, "cooldown_ms:         %d\n", current.CooldownMs)
	fmt.Fprintf(stdout, "updated_at_ms:       %d\n", current.UpdatedAtMs)
	fmt.Fprintf(stdout, "last_applied_offset: %d\n", current.LastAppliedOffset)
	fmt.Fprintf(stdout, "rules_hash:          %s\n", current.RulesHash)

	ruleset, err := registry.ByHash(ctx, current.RulesHash)
	if err != nil {
		fmt.Fprintf(stdout, "(ruleset %s could not be resolved: %v)\n", current.RulesHash, err)
		return nil
	}
	fmt.Fprintf(stdout, "ruleset version:     %d\n", ruleset.Version)
	fmt.Fprintf(stdout, "ruleset config:       %+v\n", ruleset.Config)
	return nil
}
