package hypapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/scholarly/hypersync/internal/annotation"
)

// SearchOpts bounds one paginated search. Zero values mean "no bound".
type SearchOpts struct {
	Sort        string // sort field, default "updated"
	Order       string // "asc" or "desc", default "asc"
	SearchAfter string // resume cursor, exclusive
	MaxResults  int    // emit at most this many rows
	StopAt      string // boundary value of the sort field, inclusive
	User        string // extra user constraint
}

// SearchAll drives the search API with the search_after cursor and
// calls fn for every row, in server order. Iteration ends on an empty
// page, on MaxResults, on the StopAt boundary, or when fn returns
// ErrStop. When both MaxResults and StopAt apply, the stricter wins.
//
// StopAt semantics follow the cursor direction: ascending runs yield
// rows whose sort field is <= StopAt and end on the first row beyond
// it; descending runs mirror with >=. The row beyond the boundary is
// never emitted.
//
// A TransportError from the client ends the run cleanly, like an empty
// page, so rows already emitted are not lost.
//
// Searching __world__ without MaxResults is constrained to the
// authenticated user; with no username configured that is refused.
func (c *Client) SearchAll(ctx context.Context, opts SearchOpts, fn func(row json.RawMessage) error) error {
	sortBy := opts.Sort
	if sortBy == "" {
		sortBy = "updated"
	}
	order := opts.Order
	if order == "" {
		order = "asc"
	}

	params := url.Values{}
	params.Set("order", order)
	params.Set("sort", sortBy)
	params.Set("group", c.group)
	if opts.SearchAfter != "" {
		params.Set("search_after", opts.SearchAfter)
	}
	if opts.User != "" {
		params.Set("user", opts.User)
	}

	if c.group == "__world__" && opts.MaxResults == 0 && opts.User == "" {
		// __world__ is huge; an unconstrained crawl would never end.
		if c.username == "" {
			return UsageError{Msg: "searching __world__ requires max_results or a username"}
		}
		log.Info().
			Str("user", c.username).
			Msg("searching __world__ constrained to user since max_results was not set")
		params.Set("user", c.username)
	}

	limit := c.limit
	if opts.MaxResults > 0 && opts.MaxResults < limit {
		limit = opts.MaxResults
	}
	params.Set("limit", strconv.Itoa(limit))

	log.Info().Str("search_after", opts.SearchAfter).Msg("fetching annotations")

	nresults := 0
	for {
		result, err := c.Search(ctx, params)
		if err != nil {
			var transport TransportError
			if errors.As(err, &transport) {
				// Partial progress stays valid; treat like an empty page.
				log.Error().Err(err).Msg("transport failure, ending pagination early")
				return nil
			}
			return err
		}

		rows := result.Rows
		if len(rows) == 0 {
			return nil
		}
		nresults += len(rows)

		stop := -1
		if opts.MaxResults > 0 && nresults >= opts.MaxResults {
			stop = opts.MaxResults - nresults + len(rows)
		}

		emit := rows
		if stop >= 0 {
			emit = rows[:stop]
		}
		for _, row := range emit {
			if opts.StopAt != "" {
				field, err := rowField(row, sortBy)
				if err != nil {
					return err
				}
				past := field > opts.StopAt
				if order != "asc" {
					past = field < opts.StopAt
				}
				if past {
					return nil
				}
			}
			if err := fn(row); err != nil {
				if errors.Is(err, ErrStop) {
					return nil
				}
				return err
			}
		}

		if stop >= 0 {
			return nil
		}

		cursor, err := rowField(rows[len(rows)-1], sortBy)
		if err != nil {
			return err
		}
		params.Set("search_after", cursor)
		log.Info().Str("search_after", cursor).Msg("searching after")
	}
}

// FetchAll runs SearchAll and decodes every row.
func (c *Client) FetchAll(ctx context.Context, opts SearchOpts) ([]*annotation.Annotation, error) {
	var annos []*annotation.Annotation
	err := c.SearchAll(ctx, opts, func(row json.RawMessage) error {
		a, err := annotation.Parse(row)
		if err != nil {
			return err
		}
		annos = append(annos, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return annos, nil
}

// rowField extracts a string field from a raw row, typically the sort
// cursor.
func rowField(row json.RawMessage, key string) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(row, &fields); err != nil {
		return "", fmt.Errorf("decode row: %w", err)
	}
	raw, ok := fields[key]
	if !ok {
		return "", UsageError{Msg: fmt.Sprintf("row has no %q field to sort on", key)}
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", UsageError{Msg: fmt.Sprintf("row field %q is not a string", key)}
	}
	return value, nil
}
