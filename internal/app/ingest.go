package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cost-anomaly-alerts/internal/detector"
	"cost-anomaly-alerts/internal/storage"
)

const defaultIngestChunkDays = 31

// Ingest copies daily costs from the billing API into the database so that
// later runs can use billing.source=database.
func (a *App) Ingest(ctx context.Context, opts IngestOptions) error {
	from, to := detector.Day(opts.From), detector.Day(opts.To)
	if to.Before(from) {
		return errors.New("empty ingest range; check --from/--to")
	}
	chunk := opts.ChunkDays
	if chunk <= 0 {
		chunk = defaultIngestChunkDays
	}

	var store *storage.Store
	if opts.DryRun {
		a.Logger.Warn().Msg("ingest dry-run: nothing will be written")
	} else {
		var closeStore func()
		var err error
		store, closeStore, err = a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn not configured; cannot ingest")
		}
		if closeStore != nil {
			defer closeStore()
		}
	}

	client := a.newBillingClient()

	ingested := 0
	failed := 0
	for start := from; !start.After(to); start = start.AddDate(0, 0, chunk) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		end := start.AddDate(0, 0, chunk-1)
		if end.After(to) {
			end = to
		}

		observations, err := client.FetchWindow(ctx, start, end)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Time("from", start).Time("to", end).Msg("ingest chunk failed")
			continue
		}
		if len(observations) == 0 {
			continue
		}
		if err := detector.ValidateWindow(observations); err != nil {
			failed++
			a.Logger.Error().Err(err).Time("from", start).Time("to", end).Msg("ingest chunk rejected")
			continue
		}

		fetchedAt := time.Now().UTC()
		for _, obs := range observations {
			if store == nil {
				ingested++
				continue
			}
			if err := store.UpsertObservation(ctx, storage.NewObservationRecord(obs, "api", fetchedAt)); err != nil {
				failed++
				a.Logger.Error().Err(err).Time("day", obs.Date).Msg("failed to store observation")
				continue
			}
			ingested++
		}
	}

	a.Logger.Info().Int("ingested", ingested).Int("failed", failed).Msg("ingest complete")
	if failed > 0 {
		return fmt.Errorf("%d ingest steps failed; check the logs", failed)
	}
	return nil
}
