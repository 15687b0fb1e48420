// Package httpclient performs the outbound HTTPS calls shared by the
// verification, fetch, and delivery engines: conditional GETs with
// etag/last-modified capture, charset-to-UTF-8 decoding, and raw Link
// header capture (spec §4.2-§4.4, §6).
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
)

// UserAgent identifies this hub to publishers and subscribers, carrying
// the WebSub specification tag every outbound request must send (spec §6).
const UserAgent = "hubsub/1.0 (+W3C.REC-websub-20180123)"

// Client wraps a *http.Client with the hub's conditional-GET and
// charset-decoding behavior. The zero value is not usable; use New.
type Client struct {
	http    *http.Client
	timeout time.Duration
}

// New returns a Client whose outbound requests time out after timeout.
// Per spec §5, this must be sized well below claimTimeoutSeconds.
func New(timeout time.Duration) *Client {
	return &Client{
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// FetchResult carries the decoded outcome of a conditional GET.
type FetchResult struct {
	StatusCode   int
	NotModified  bool
	Body         []byte // UTF-8 decoded when 2xx; nil for 304
	ContentType  string
	ETag         string
	LastModified string
	LinkHeader   string
}

// ConditionalGet issues a GET against url, attaching If-None-Match and
// If-Modified-Since when the corresponding arguments are non-empty (spec
// §4.3 step 2). A non-2xx/304 response is still returned (not an error)
// so the caller can branch on status; only transport failures return err.
func (c *Client) ConditionalGet(ctx context.Context, url, etag, lastModified string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpclient: GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	result := &FetchResult{
		StatusCode:   resp.StatusCode,
		ContentType:  resp.Header.Get("Content-Type"),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		LinkHeader:   resp.Header.Get("Link"),
	}

	if resp.StatusCode == http.StatusNotModified {
		result.NotModified = true
		return result, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain and discard; the body of a non-2xx response carries no
		// content we persist.
		io.Copy(io.Discard, resp.Body)
		return result, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: read body from %s: %w", url, err)
	}

	decoded, err := decodeToUTF8(raw, result.ContentType)
	if err != nil {
		return nil, fmt.Errorf("httpclient: decode body from %s: %w", url, err)
	}
	result.Body = decoded

	return result, nil
}

// PostResult carries the outcome of an outbound POST (delivery, publisher
// validation).
type PostResult struct {
	StatusCode int
	Body       []byte
}

// Post sends body to url with the given headers merged in (Content-Type,
// Link, X-Hub-Signature are all caller-supplied per-call, since their
// values vary per delivery).
func (c *Client) Post(ctx context.Context, url string, body []byte, headers map[string]string) (*PostResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpclient: POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: read response from %s: %w", url, err)
	}

	return &PostResult{StatusCode: resp.StatusCode, Body: raw}, nil
}

// GetWithQuery issues a plain GET (no conditional headers) against url,
// used for verification callbacks (spec §4.2). Publisher validation goes
// through Post.
func (c *Client) GetWithQuery(ctx context.Context, url string) (*PostResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpclient: GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: read response from %s: %w", url, err)
	}

	return &PostResult{StatusCode: resp.StatusCode, Body: raw}, nil
}

// decodeToUTF8 recodes raw into UTF-8 using the charset named in the
// Content-Type header's charset parameter (spec §4.3 step 4). When that
// parameter is absent or names no known encoding, raw is returned
// unchanged; the body is not sniffed.
func decodeToUTF8(raw []byte, contentType string) ([]byte, error) {
	var charsetLabel string
	if contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			charsetLabel = params["charset"]
		}
	}

	reader, err := charset.NewReaderLabel(charsetLabel, bytes.NewReader(raw))
	if err != nil {
		// Unrecognized or absent label (an empty label is also rejected
		// by charset.NewReaderLabel): keep the original bytes rather than
		// fail the fetch.
		return raw, nil
	}

	decoded, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return decoded, nil
}

// ParseContentType strips parameters from a Content-Type header, for
// persisting Topic.ContentType without a charset suffix.
func ParseContentType(contentType string) string {
	if contentType == "" {
		return ""
	}
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		return strings.TrimSpace(contentType[:idx])
	}
	return strings.TrimSpace(contentType)
}
