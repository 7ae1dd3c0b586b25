package search

import (
	"context"
	"fmt"

	"loom/api/internal/store"
)

type eventStore interface {
	SearchJobEvents(ctx context.Context, query string, limit int) ([]store.JobEvent, error)
	ListJobEvents(ctx context.Context, limit int) ([]store.JobEvent, error)
}

// PgFTS answers job-event searches straight from Postgres. It is the fallback
// when Meilisearch is down or not configured.
type PgFTS struct {
	store eventStore
}

func NewPgFTS(store eventStore) *PgFTS {
	return &PgFTS{store: store}
}

// Search runs the full-text query against the job_events table.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	events, err := p.store.SearchJobEvents(ctx, q.Text, limit+q.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}

	var results []Result
	for _, e := range events {
		if q.FilterCategory != "" && e.Category != q.FilterCategory {
			continue
		}
		results = append(results, Result{
			ID:         e.ID,
			Category:   e.Category,
			ProjectKey: e.ProjectKey,
			TaskKey:    e.TaskKey,
			State:      e.State,
			Message:    e.Message,
		})
	}
	total := len(results)
	if q.Offset >= len(results) {
		return nil, total, nil
	}
	results = results[q.Offset:]
	if len(results) > limit {
		results = results[:limit]
	}
	return results, total, nil
}

// LoadAllRecords reads recent job events for reindexing into Meilisearch.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]EventRecord, error) {
	events, err := p.store.ListJobEvents(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("load job events: %w", err)
	}
	records := make([]EventRecord, 0, len(events))
	for _, e := range events {
		records = append(records, EventRecord{
			ID:         e.ID,
			Category:   e.Category,
			ProjectKey: e.ProjectKey,
			TaskKey:    e.TaskKey,
			State:      e.State,
			Message:    e.Message,
			CreatedAt:  e.CreatedAt.Unix(),
		})
	}
	return records, nil
}
