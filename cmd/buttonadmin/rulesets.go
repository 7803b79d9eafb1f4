package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/pulsebutton/backend/pkg/storage"
)

func runRulesets(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rulesets", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "page size")
	offset := fs.Int("offset", 0, "page offset")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, rulesetStore, _, closeRepos, err := openRepositories()
	if err != nil {
		return err
	}
	defer closeRepos()

	page, err := rulesetStore.ListVersions(ctx, storage.Pagination{Limit: *limit, Offset: *offset})
	if err != nil {
		return fmt.Errorf("list rulesets: %w", err)
	}

	fmt.Fprintf(stdout, "%d of %d rulesets (limit=%d offset=%d)\n", len(page.Items), page.Total, page.Limit, page.Offset)
	for _, rs := range page.Items {
		fmt.Fprintf(stdout, "  version=%-4d hash=%s\n", rs.Version, rs.Hash)
	}
	if page.HasMore {
		fmt.Fprintf(stdout, "(more available: --offset %d)\n", page.Offset+page.Limit)
	}
	return nil
}
