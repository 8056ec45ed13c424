// Package client is a thin Go SDK over the Ingest Gateway and Streaming
// Gateway HTTP surface (spec §6.1): one method per route, JSON in/out,
// built on the same hashicorp/go-retryablehttp client every other HTTP
// caller in this module uses (internal/stageclient talks to the stage
// collaborators the same way). Used by integration tests today; nothing
// prevents a future CLI from importing it too.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/epicrunze/evocable/internal/retryableclient"
	"github.com/epicrunze/evocable/internal/store"
)

// Client calls one Gateway instance's HTTP API with a fixed bearer token.
type Client struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
}

// New returns a Client for the Gateway at baseURL, authenticating every
// request with token.
func New(baseURL, token string, opts ...retryableclient.RetryClientOption) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    retryableclient.NewRetryClient(opts...),
	}
}

// SubmitBook uploads a document for processing (POST /api/v1/books, spec
// §6.2). format is "pdf", "epub", or "txt"; filename only needs the right
// extension, its base name is otherwise ignored.
func (c *Client) SubmitBook(ctx context.Context, title, format, filename string, content io.Reader) (bookID string, err error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("title", title); err != nil {
		return "", fmt.Errorf("client: writing title field: %w", err)
	}
	if err := w.WriteField("format", format); err != nil {
		return "", fmt.Errorf("client: writing format field: %w", err)
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("client: creating file part: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", fmt.Errorf("client: copying file content: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("client: closing multipart body: %w", err)
	}

	var resp struct {
		BookID string `json:"book_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/books", w.FormDataContentType(), &body, &resp); err != nil {
		return "", err
	}
	return resp.BookID, nil
}

// ListBooks lists the caller's books, newest first (GET /api/v1/books).
func (c *Client) ListBooks(ctx context.Context, limit, offset int) ([]*store.Book, error) {
	path := fmt.Sprintf("/api/v1/books?limit=%d&offset=%d", limit, offset)
	var resp struct {
		Books []*store.Book `json:"books"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Books, nil
}

// GetStatus fetches one book's current state (GET /api/v1/books/{id}/status).
func (c *Client) GetStatus(ctx context.Context, bookID string) (*store.Book, error) {
	var book store.Book
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/books/"+url.PathEscape(bookID)+"/status", "", nil, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

// ChunkEntry describes one chunk in a completed book's manifest, including
// a signed stream URL that expires after the gateway's signed-URL TTL
// (spec §4.7).
type ChunkEntry struct {
	Seq       int     `json:"seq"`
	DurationS float64 `json:"duration_s"`
	ByteSize  int64   `json:"byte_size"`
	URL       string  `json:"url"`
}

// Manifest is a completed book's full chunk manifest (spec §4.7:
// GetChunkManifest).
type Manifest struct {
	TotalChunks    int          `json:"total_chunks"`
	TotalDurationS float64      `json:"total_duration_s"`
	Chunks         []ChunkEntry `json:"chunks"`
}

// GetManifest fetches the chunk manifest of a Completed book (GET
// /api/v1/books/{id}/chunks, spec §6.3). Returns an error carrying the
// gateway's "not_completed" code if the book isn't Completed yet.
func (c *Client) GetManifest(ctx context.Context, bookID string) (*Manifest, error) {
	var resp Manifest
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/books/"+url.PathEscape(bookID)+"/chunks", "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StreamChunk opens a stream over one chunk's bytes (GET
// /api/v1/books/{id}/chunks/{seq}, spec §4.7, §8.4). The caller must Close
// the returned reader. A non-empty rangeHeader is forwarded as the
// request's Range header verbatim.
func (c *Client) StreamChunk(ctx context.Context, bookID string, seq int, rangeHeader string) (io.ReadCloser, error) {
	path := fmt.Sprintf("/api/v1/books/%s/chunks/%d", url.PathEscape(bookID), seq)
	req, err := c.newRequest(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: streaming chunk %d of book %s: %w", seq, bookID, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp.Body, nil
}

// IssueSignedURL mints a bearer-less, time-limited URL for one chunk
// (POST /api/v1/books/{id}/chunks/{seq}/signed-url, spec §4.7).
func (c *Client) IssueSignedURL(ctx context.Context, bookID string, seq int) (signedURL string, expiresIn int64, err error) {
	path := fmt.Sprintf("/api/v1/books/%s/chunks/%d/signed-url", url.PathEscape(bookID), seq)
	var resp struct {
		SignedURL string `json:"signed_url"`
		ExpiresIn int64  `json:"expires_in"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, "", nil, &resp); err != nil {
		return "", 0, err
	}
	return resp.SignedURL, resp.ExpiresIn, nil
}

// IssueBatchSignedURLs mints signed URLs for several chunks in one round
// trip (POST /api/v1/books/{id}/chunks/batch-signed-urls).
func (c *Client) IssueBatchSignedURLs(ctx context.Context, bookID string, seqs []int) (map[int]string, error) {
	reqBody, err := json.Marshal(struct {
		Seqs []int `json:"seqs"`
	}{Seqs: seqs})
	if err != nil {
		return nil, fmt.Errorf("client: marshaling batch-signed-url request: %w", err)
	}

	path := "/api/v1/books/" + url.PathEscape(bookID) + "/chunks/batch-signed-urls"
	var resp struct {
		SignedURLs map[string]struct {
			SignedURL string `json:"signed_url"`
			ExpiresIn int64  `json:"expires_in"`
		} `json:"signed_urls"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, "application/json", bytes.NewReader(reqBody), &resp); err != nil {
		return nil, err
	}

	urls := make(map[int]string, len(resp.SignedURLs))
	for seqStr, entry := range resp.SignedURLs {
		seq, err := strconv.Atoi(seqStr)
		if err != nil {
			continue
		}
		urls[seq] = entry.SignedURL
	}
	return urls, nil
}

// DeleteBook deletes a book and its chunks (DELETE /api/v1/books/{id}).
func (c *Client) DeleteBook(ctx context.Context, bookID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/books/"+url.PathEscape(bookID), "", nil, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path, contentType string, body io.Reader) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("client: building %s %s: %w", method, path, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := c.newRequest(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decoding response from %s %s: %w", method, path, err)
	}
	return nil
}

// responseError reads a gateway error body ({"error", "message"}, spec
// §7) and turns it into a plain Go error; resp.Body is not closed here,
// the caller owns that.
func responseError(resp *http.Response) error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return fmt.Errorf("client: unexpected status %d", resp.StatusCode)
	}
	return fmt.Errorf("client: %s: %s (status %d)", body.Error, body.Message, resp.StatusCode)
}
