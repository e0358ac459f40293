package statusapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/scholarly/hypersync/internal/annotation"
	"github.com/scholarly/hypersync/internal/pool"
)

func seedPool(t *testing.T) *pool.Pool {
	t.Helper()
	rows := []string{
		`{"id":"a1","group":"g1","updated":"t1","uri":"https://e.com/x","user":"acct:judell@hypothes.is","tags":["go"],"target":[{"selector":[{"type":"TextQuoteSelector","exact":"q"}]}]}`,
		`{"id":"a2","group":"g1","updated":"t2","uri":"https://e.com/y","user":"acct:judell@hypothes.is","tags":["go","web"]}`,
		`{"id":"a3","group":"g1","updated":"t3","uri":"https://e.com/x","user":"acct:other@hypothes.is","references":["a1"]}`,
	}
	p := pool.New(nil)
	for _, row := range rows {
		p.Add(annotation.MustParse([]byte(row)))
	}
	return p
}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := &Server{Pool: seedPool(t), Group: "g1", Started: time.Now()}
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	srv := testServer(t)
	var body map[string]any
	if code := getJSON(t, srv.URL+"/healthz", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" || body["group"] != "g1" {
		t.Errorf("body = %v", body)
	}
}

func TestStats(t *testing.T) {
	srv := testServer(t)
	var body struct {
		Group           string         `json:"group"`
		Annotations     int            `json:"annotations"`
		ByType          map[string]int `json:"byType"`
		URIs            int            `json:"uris"`
		LastSyncUpdated string         `json:"lastSyncUpdated"`
	}
	if code := getJSON(t, srv.URL+"/v1/stats", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.Annotations != 3 || body.Group != "g1" {
		t.Errorf("body = %+v", body)
	}
	if body.ByType[annotation.TypeAnnotation] != 1 ||
		body.ByType[annotation.TypePageNote] != 1 ||
		body.ByType[annotation.TypeReply] != 1 {
		t.Errorf("byType = %v", body.ByType)
	}
	if body.URIs != 2 {
		t.Errorf("uris = %d, want 2", body.URIs)
	}
	if body.LastSyncUpdated != "t3" {
		t.Errorf("lastSyncUpdated = %q", body.LastSyncUpdated)
	}
}

func TestListAnnotations(t *testing.T) {
	srv := testServer(t)

	list := func(t *testing.T, query string) []map[string]any {
		t.Helper()
		var body struct {
			Items []map[string]any `json:"items"`
			Total int              `json:"total"`
		}
		if code := getJSON(t, srv.URL+"/v1/annotations"+query, &body); code != http.StatusOK {
			t.Fatalf("status = %d", code)
		}
		if body.Total != len(body.Items) {
			t.Errorf("total = %d, items = %d", body.Total, len(body.Items))
		}
		return body.Items
	}

	t.Run("all", func(t *testing.T) {
		if items := list(t, ""); len(items) != 3 {
			t.Errorf("items = %d, want 3", len(items))
		}
	})

	t.Run("by tag", func(t *testing.T) {
		items := list(t, "?tag=web")
		if len(items) != 1 || items[0]["id"] != "a2" {
			t.Errorf("items = %v", items)
		}
	})

	t.Run("by uri ignores scheme", func(t *testing.T) {
		items := list(t, "?uri="+"http://e.com/x")
		if len(items) != 2 {
			t.Errorf("items = %d, want 2", len(items))
		}
	})

	t.Run("limit keeps the newest", func(t *testing.T) {
		items := list(t, "?limit=1")
		if len(items) != 1 || items[0]["id"] != "a3" {
			t.Errorf("items = %v", items)
		}
	})

	t.Run("bad limit falls back to default", func(t *testing.T) {
		if items := list(t, "?limit=zero"); len(items) != 3 {
			t.Errorf("items = %d, want 3", len(items))
		}
	})
}

func TestGetAnnotation(t *testing.T) {
	srv := testServer(t)

	var body map[string]any
	if code := getJSON(t, srv.URL+"/v1/annotations/a1", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["id"] != "a1" || body["user"] != "judell" {
		t.Errorf("body = %v", body)
	}
	if body["shareLink"] != "https://hyp.is/a1" {
		t.Errorf("shareLink = %v", body["shareLink"])
	}

	var errBody map[string]string
	if code := getJSON(t, srv.URL+"/v1/annotations/missing", &errBody); code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
	if errBody["error"] != "not_found" {
		t.Errorf("error body = %v", errBody)
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		q    string
		want int
	}{
		{"", 50},
		{"10", 10},
		{"9999", 500},
		{"-1", 50},
		{"abc", 50},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("q=%q", tt.q), func(t *testing.T) {
			if got := parseLimit(tt.q, 50, 500); got != tt.want {
				t.Errorf("parseLimit(%q) = %d, want %d", tt.q, got, tt.want)
			}
		})
	}
}
