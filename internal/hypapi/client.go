package hypapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scholarly/hypersync/internal/annotation"
)

const (
	// DefaultDomain is the production Hypothes.is service.
	DefaultDomain = "hypothes.is"

	// SinglePageLimit is the largest limit= the search API honors.
	SinglePageLimit = 200

	// maxSSLRetries bounds immediate retries of TLS-level failures.
	maxSSLRetries = 5
)

// Config carries the credentials and binding for one Client. Token,
// Username, and Group come from the caller's config layer; the client
// never reads the environment.
type Config struct {
	Token    string
	Username string
	Group    string
	Domain   string // defaults to DefaultDomain
	Limit    int    // per-page limit, defaults to SinglePageLimit

	// BaseURL overrides the https://{domain}/api base, mainly for
	// tests against a local server.
	BaseURL string

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client speaks the authenticated Hypothes.is REST API: search, get,
// head, post, patch, delete.
type Client struct {
	token    string
	username string
	group    string
	domain   string
	limit    int
	apiURL   string
	http     *http.Client
}

// NewClient builds a client bound to one group.
func NewClient(cfg Config) *Client {
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.Group == "" {
		cfg.Group = "__world__"
	}
	if cfg.Limit <= 0 {
		cfg.Limit = SinglePageLimit
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("https://%s/api", cfg.Domain)
	}
	if cfg.Token == "" {
		log.Warn().Msg("no api token has been set")
	}
	return &Client{
		token:    cfg.Token,
		username: cfg.Username,
		group:    cfg.Group,
		domain:   cfg.Domain,
		limit:    cfg.Limit,
		apiURL:   cfg.BaseURL,
		http:     cfg.HTTPClient,
	}
}

// Group returns the group the client is bound to.
func (c *Client) Group() string { return c.group }

// Username returns the authenticated username.
func (c *Client) Username() string { return c.username }

// Domain returns the configured service domain.
func (c *Client) Domain() string { return c.domain }

// PageLimit returns the per-page search limit.
func (c *Client) PageLimit() int { return c.limit }

// SearchResult is one page of /api/search.
type SearchResult struct {
	Total int               `json:"total"`
	Rows  []json.RawMessage `json:"rows"`
}

// Search calls the search API once and returns the decoded page.
// Missing offset and limit params get their defaults before the call.
func (c *Client) Search(ctx context.Context, params url.Values) (*SearchResult, error) {
	if params == nil {
		params = url.Values{}
	}
	if params.Get("offset") == "" {
		params.Set("offset", "0")
	}
	if params.Get("limit") == "" {
		params.Set("limit", fmt.Sprintf("%d", c.limit))
	}

	queryURL := fmt.Sprintf("%s/search?%s", c.apiURL, params.Encode())
	resp, err := c.do(ctx, http.MethodGet, queryURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result SearchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return &result, nil
}

// Get fetches one annotation by id.
func (c *Client) Get(ctx context.Context, id string) (*annotation.Annotation, error) {
	resp, err := c.do(ctx, http.MethodGet, c.annotationURL(id), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeAnnotation(resp.Body)
}

// Head probes an annotation without fetching the body. Useful as a
// gentle way to look for deleted annotations; returns the status code.
func (c *Client) Head(ctx context.Context, id string) (int, error) {
	resp, err := c.do(ctx, http.MethodHead, c.annotationURL(id), nil)
	if err != nil {
		var notOk NotOkError
		if errors.As(err, &notOk) {
			return notOk.Status, nil
		}
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// Post creates an annotation from an already-built payload and returns
// the server's row for it.
func (c *Client) Post(ctx context.Context, payload *Payload) (*annotation.Annotation, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, c.apiURL+"/annotations", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeAnnotation(resp.Body)
}

// Patch updates fields of an existing annotation.
func (c *Client) Patch(ctx context.Context, id string, payload *Payload) (*annotation.Annotation, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPatch, c.annotationURL(id), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeAnnotation(resp.Body)
}

// Delete removes an annotation and returns the deleted id echoed by
// the server.
func (c *Client) Delete(ctx context.Context, id string) (string, error) {
	resp, err := c.do(ctx, http.MethodDelete, c.annotationURL(id), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var ack struct {
		ID      string `json:"id"`
		Deleted bool   `json:"deleted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return "", fmt.Errorf("decode delete response: %w", err)
	}
	return ack.ID, nil
}

// CreateSimple creates an annotation anchored by a text quote. An
// empty Exact degrades the target to a bare source anchor (a page
// note).
func (c *Client) CreateSimple(ctx context.Context, p SimpleParams) (*annotation.Annotation, error) {
	return c.Post(ctx, c.BuildPayload(p))
}

func (c *Client) annotationURL(id string) string {
	return c.apiURL + "/annotations/" + id
}

// do executes one authenticated request. TLS failures retry
// immediately up to maxSSLRetries, then fail with TransportError.
// Non-2xx responses become NotOkError.
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte) (*http.Response, error) {
	logger := log.With().
		Str("method", method).
		Str("url", rawURL).
		Logger()

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json;charset=utf-8")

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if isTLSError(err) {
				if attempt < maxSSLRetries {
					logger.Error().Err(err).Int("retry", attempt+1).Msg("ssl error, retrying")
					continue
				}
				logger.Error().Err(err).Msg("ssl retries exhausted")
				return nil, TransportError{Attempts: attempt + 1, Cause: err}
			}
			return nil, err
		}

		logger.Debug().
			Int("status", resp.StatusCode).
			Dur("duration", time.Since(start)).
			Msg("api request completed")

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, NotOkError{
				Status: resp.StatusCode,
				Reason: http.StatusText(resp.StatusCode),
				Body:   string(respBody),
			}
		}
		return resp, nil
	}
}

func decodeAnnotation(r io.Reader) (*annotation.Annotation, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return annotation.Parse(data)
}

// isTLSError classifies transport errors that the ssl retry loop
// should absorb.
func isTLSError(err error) bool {
	var certVerify *tls.CertificateVerificationError
	if errors.As(err, &certVerify) {
		return true
	}
	var recordHeader tls.RecordHeaderError
	if errors.As(err, &recordHeader) {
		return true
	}
	var hostname x509.HostnameError
	if errors.As(err, &hostname) {
		return true
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return true
	}
	var certInvalid x509.CertificateInvalidError
	if errors.As(err, &certInvalid) {
		return true
	}
	return false
}
