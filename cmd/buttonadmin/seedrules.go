package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pulsebutton/backend/internal/state"
)

// rulesFile mirrors state.RulesConfig with yaml tags, since the persisted
// struct carries none (it is shared with the pure fold package, which has
// no business knowing about file formats).
type rulesFile struct {
	EntropyAlpha      float64 `yaml:"entropy_alpha"`
	MaxRateForEntropy float64 `yaml:"max_rate_for_entropy"`
	CalmThreshold     float64 `yaml:"calm_threshold"`
	HotThreshold      float64 `yaml:"hot_threshold"`
	ChaosThreshold    float64 `yaml:"chaos_threshold"`
	CooldownCalmMs    int64   `yaml:"cooldown_calm_ms"`
	CooldownWarmMs    int64   `yaml:"cooldown_warm_ms"`
	CooldownChaosMs   int64   `yaml:"cooldown_chaos_ms"`
	RevealCalmMs      int64   `yaml:"reveal_calm_ms"`
	RevealWarmMs      int64   `yaml:"reveal_warm_ms"`
	RevealChaosMs     int64   `yaml:"reveal_chaos_ms"`
}

func (f rulesFile) toRulesConfig() state.RulesConfig {
	return state.RulesConfig(f)
}

func runSeedRules(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("seed-rules", flag.ContinueOnError)
	force := fs.Bool("force", false, "insert a new version even if an identical ruleset hash already exists")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: buttonadmin seed-rules <file.yaml> [--force]")
	}

	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}
	var parsed rulesFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parse rules file: %w", err)
	}

	_, _, registry, closeRepos, err := openRepositories()
	if err != nil {
		return err
	}
	defer closeRepos()

	ruleset, inserted, err := registry.Seed(ctx, parsed.toRulesConfig(), *force)
	if err != nil {
		return fmt.Errorf("seed rules: %w", err)
	}

	if inserted {
		fmt.Fprintf(stdout, "seeded ruleset version=%d hash=%s\n", ruleset.Version, ruleset.Hash)
	} else {
		fmt.Fprintf(stdout, "ruleset hash=%s already exists at version=%d, nothing to do (use --force to insert anyway)\n", ruleset.Hash, ruleset.Version)
	}
	return nil
}
