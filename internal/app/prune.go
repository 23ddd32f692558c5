package app

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Prune deletes anomaly reports appended before now minus opts.OlderThan.
func (a *App) Prune(ctx context.Context, opts PruneOptions) error {
	if opts.OlderThan <= 0 {
		return errors.New("--older-than must be positive")
	}
	cutoff := time.Now().UTC().Add(-opts.OlderThan)

	if opts.DryRun {
		a.Logger.Info().Time("cutoff", cutoff).Msg("prune dry-run: nothing deleted")
		return nil
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot prune")
	}
	if closeStore != nil {
		defer closeStore()
	}

	deleted, err := store.DeleteReportsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("anomaly reports pruned")
	fmt.Fprintf(a.Out, "deleted %d reports older than %s\n", deleted, cutoff.Format(time.RFC3339))
	return nil
}
