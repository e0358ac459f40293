package hypapi

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

// ts produces fixed-width timestamps so lexicographic order matches
// numeric order, the same property real updated stamps have.
func ts(i int) string {
	return fmt.Sprintf("2024-01-01T00:00:00.%06d+00:00", i)
}

func rowJSON(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":"id-%d","group":"g1","updated":"%s"}`, i, ts(i)))
}

// fakeSearch serves a corpus of total rows through search_after
// pagination, recording the query of every request.
func fakeSearch(t *testing.T, total int, queries *[]map[string]string) *Client {
	t.Helper()
	handler := func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if queries != nil {
			snap := map[string]string{}
			for k := range q {
				snap[k] = q.Get(k)
			}
			*queries = append(*queries, snap)
		}
		limit, _ := strconv.Atoi(q.Get("limit"))
		after := q.Get("search_after")
		var rows []json.RawMessage
		for i := 0; i < total && len(rows) < limit; i++ {
			if after == "" || ts(i) > after {
				rows = append(rows, rowJSON(i))
			}
		}
		json.NewEncoder(w).Encode(SearchResult{Total: total, Rows: rows})
	}
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	return NewClient(Config{Token: "tok", Username: "judell", Group: "g1", BaseURL: srv.URL})
}

func collect(t *testing.T, c *Client, opts SearchOpts) []string {
	t.Helper()
	var updated []string
	err := c.SearchAll(context.Background(), opts, func(row json.RawMessage) error {
		u, err := rowField(row, "updated")
		if err != nil {
			return err
		}
		updated = append(updated, u)
		return nil
	})
	if err != nil {
		t.Fatalf("SearchAll: %v", err)
	}
	return updated
}

func TestSearchAllEmitsEverythingInOrder(t *testing.T) {
	c := fakeSearch(t, 400, nil)
	updated := collect(t, c, SearchOpts{})
	if len(updated) != 400 {
		t.Fatalf("emitted %d rows, want 400", len(updated))
	}
	for i := 1; i < len(updated); i++ {
		if updated[i] <= updated[i-1] {
			t.Fatalf("rows not strictly increasing at %d: %s then %s", i, updated[i-1], updated[i])
		}
	}
}

func TestSearchAllMaxResults(t *testing.T) {
	var queries []map[string]string
	c := fakeSearch(t, 400, &queries)
	updated := collect(t, c, SearchOpts{MaxResults: 100})
	if len(updated) != 100 {
		t.Fatalf("emitted %d rows, want 100", len(updated))
	}
	if got := queries[0]["limit"]; got != "100" {
		t.Errorf("first page limit = %s, want 100 (max_results below page limit)", got)
	}
}

func TestSearchAllStopAt(t *testing.T) {
	c := fakeSearch(t, 400, nil)
	updated := collect(t, c, SearchOpts{StopAt: ts(236)})
	if len(updated) != 237 {
		t.Fatalf("emitted %d rows, want 237", len(updated))
	}
	if updated[len(updated)-1] != ts(236) {
		t.Errorf("last row = %s, want the boundary row %s", updated[len(updated)-1], ts(236))
	}
}

func TestSearchAllSearchAfterPlusStopAt(t *testing.T) {
	c := fakeSearch(t, 400, nil)
	updated := collect(t, c, SearchOpts{SearchAfter: ts(99), StopAt: ts(100)})
	if len(updated) != 1 {
		t.Fatalf("emitted %d rows, want exactly 1", len(updated))
	}
	if updated[0] != ts(100) {
		t.Errorf("row = %s, want %s", updated[0], ts(100))
	}
}

func TestSearchAllStricterBoundWins(t *testing.T) {
	tests := []struct {
		name string
		opts SearchOpts
		want int
	}{
		{"max_results below stop_at", SearchOpts{StopAt: ts(150), MaxResults: 100}, 100},
		{"stop_at below max_results", SearchOpts{StopAt: ts(49), MaxResults: 100}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := fakeSearch(t, 400, nil)
			updated := collect(t, c, tt.opts)
			if len(updated) != tt.want {
				t.Errorf("emitted %d rows, want %d", len(updated), tt.want)
			}
		})
	}
}

func TestSearchAllDescStopAt(t *testing.T) {
	// descending: rows come newest first, stop when below the boundary
	handler := func(w http.ResponseWriter, r *http.Request) {
		var rows []json.RawMessage
		for i := 9; i >= 0; i-- {
			rows = append(rows, rowJSON(i))
		}
		json.NewEncoder(w).Encode(SearchResult{Rows: rows})
	}
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	c := NewClient(Config{Token: "tok", Group: "g1", BaseURL: srv.URL})

	var got []string
	err := c.SearchAll(context.Background(), SearchOpts{Order: "desc", StopAt: ts(7)}, func(row json.RawMessage) error {
		u, _ := rowField(row, "updated")
		got = append(got, u)
		return nil
	})
	if err != nil {
		t.Fatalf("SearchAll: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("emitted %d rows, want 3 (9, 8, and the boundary 7)", len(got))
	}
}

func TestSearchAllWorldGuard(t *testing.T) {
	t.Run("constrains to user when unbounded", func(t *testing.T) {
		var queries []map[string]string
		handler := func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			queries = append(queries, map[string]string{"user": q.Get("user")})
			json.NewEncoder(w).Encode(SearchResult{})
		}
		srv := httptest.NewServer(http.HandlerFunc(handler))
		t.Cleanup(srv.Close)
		c := NewClient(Config{Token: "tok", Username: "judell", Group: "__world__", BaseURL: srv.URL})

		if err := c.SearchAll(context.Background(), SearchOpts{}, func(json.RawMessage) error { return nil }); err != nil {
			t.Fatalf("SearchAll: %v", err)
		}
		if queries[0]["user"] != "judell" {
			t.Errorf("user param = %q, want judell", queries[0]["user"])
		}
	})

	t.Run("refused without a username", func(t *testing.T) {
		c := NewClient(Config{Token: "tok", Group: "__world__", BaseURL: "http://unused"})
		err := c.SearchAll(context.Background(), SearchOpts{}, func(json.RawMessage) error { return nil })
		var usage UsageError
		if !errors.As(err, &usage) {
			t.Fatalf("err = %v, want UsageError", err)
		}
	})

	t.Run("max_results lifts the constraint", func(t *testing.T) {
		var sawUser string
		handler := func(w http.ResponseWriter, r *http.Request) {
			sawUser = r.URL.Query().Get("user")
			json.NewEncoder(w).Encode(SearchResult{})
		}
		srv := httptest.NewServer(http.HandlerFunc(handler))
		t.Cleanup(srv.Close)
		c := NewClient(Config{Token: "tok", Group: "__world__", BaseURL: srv.URL})

		if err := c.SearchAll(context.Background(), SearchOpts{MaxResults: 10}, func(json.RawMessage) error { return nil }); err != nil {
			t.Fatalf("SearchAll: %v", err)
		}
		if sawUser != "" {
			t.Errorf("user param = %q, want empty", sawUser)
		}
	})
}

// roundTripFunc adapts a function to http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestSearchAllTransportErrorStopsCleanly(t *testing.T) {
	calls := 0
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		if calls > 1 {
			return nil, x509.UnknownAuthorityError{}
		}
		rows := []json.RawMessage{rowJSON(0), rowJSON(1)}
		body, _ := json.Marshal(SearchResult{Rows: rows})
		rec := httptest.NewRecorder()
		rec.Write(body)
		return rec.Result(), nil
	})}
	c := NewClient(Config{Token: "tok", Group: "g1", BaseURL: "http://fake", HTTPClient: client, Limit: 2})

	var emitted int
	err := c.SearchAll(context.Background(), SearchOpts{}, func(json.RawMessage) error {
		emitted++
		return nil
	})
	if err != nil {
		t.Fatalf("SearchAll: %v, want clean stop after transport failure", err)
	}
	if emitted != 2 {
		t.Errorf("emitted %d rows before the failure, want 2", emitted)
	}
	// 1 good page + 1 initial failure + 5 ssl retries
	if calls != 7 {
		t.Errorf("transport calls = %d, want 7", calls)
	}
}

func TestSearchAllCallbackStop(t *testing.T) {
	c := fakeSearch(t, 50, nil)
	var seen int
	err := c.SearchAll(context.Background(), SearchOpts{}, func(json.RawMessage) error {
		seen++
		if seen == 7 {
			return ErrStop
		}
		return nil
	})
	if err != nil {
		t.Fatalf("SearchAll: %v", err)
	}
	if seen != 7 {
		t.Errorf("callback ran %d times, want 7", seen)
	}
}

func TestFetchAll(t *testing.T) {
	c := fakeSearch(t, 25, nil)
	annos, err := c.FetchAll(context.Background(), SearchOpts{})
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(annos) != 25 {
		t.Fatalf("decoded %d annotations, want 25", len(annos))
	}
	if annos[0].ID() != "id-0" || annos[24].Updated() != ts(24) {
		t.Errorf("unexpected decode: first=%s last=%s", annos[0].ID(), annos[24].Updated())
	}
}
