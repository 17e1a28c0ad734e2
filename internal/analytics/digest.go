package analytics

import (
	"context"
	"encoding/json"

	"github.com/joao-fontenele/shopflow/internal/domain"
)

type DigestPayload struct {
	Summary       *Summary        `json:"summary"`
	StatusCounts  []StatusCount   `json:"status_counts"`
	TopProducts   []ProductStat   `json:"top_products"`
	TopRequesters []RequesterStat `json:"top_requesters"`
}

// DigestFunc builds the digest for the UTC day before the trigger's fire
// time, so a late tick still reports the intended day.
func DigestFunc(reader Reader) func(ctx context.Context, t domain.Trigger) (json.RawMessage, error) {
	return func(ctx context.Context, t domain.Trigger) (json.RawMessage, error) {
		win := PreviousDay(t.FireAt)

		summary, err := reader.Summary(ctx, win)
		if err != nil {
			return nil, err
		}
		counts, err := reader.StatusCounts(ctx, win)
		if err != nil {
			return nil, err
		}
		products, err := reader.TopProducts(ctx, win, 5)
		if err != nil {
			return nil, err
		}
		requesters, err := reader.TopRequesters(ctx, win, 5)
		if err != nil {
			return nil, err
		}

		return json.Marshal(DigestPayload{
			Summary:       summary,
			StatusCounts:  counts,
			TopProducts:   products,
			TopRequesters: requesters,
		})
	}
}
