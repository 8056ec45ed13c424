// Package stageclient is the Stage Worker Protocol's HTTP client (spec
// §4.4): each worker calls its stage's external collaborator (Extractor,
// Segmenter, Synthesizer, Packager) over plain HTTP rather than a
// generated RPC stub, since the stage's actual transformation (PDF
// parsing, TTS synthesis, audio chunking) lives outside this module.
package stageclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/epicrunze/evocable/internal/pipelineerrors"
	"github.com/epicrunze/evocable/internal/retryableclient"
)

// Request is what a worker sends its stage's collaborator: which book,
// and where in the Blob Store to read input from and write output to.
// The collaborator reads/writes blobs directly; this request only tells
// it where.
type Request struct {
	BookID     string            `json:"book_id"`
	InputPaths map[string]string `json:"input_paths"`
	Params     map[string]string `json:"params,omitempty"`
}

// Result is the collaborator's report of what it produced. OutputPaths
// and Metadata are stage-specific: the Packager's Metadata carries
// per-chunk duration_s/byte_size, keyed by seq.
type Result struct {
	OutputPaths []string          `json:"output_paths"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Client calls one stage's collaborator over HTTP.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

// New returns a Client for the collaborator at baseURL, using the same
// retryablehttp options pattern internal/retryableclient already builds.
func New(baseURL string, opts ...retryableclient.RetryClientOption) *Client {
	return &Client{
		baseURL: baseURL,
		http:    retryableclient.NewRetryClient(opts...),
	}
}

// Run posts req to the collaborator's /run endpoint and returns its
// reported outputs. A transport failure or a 5xx response is classified
// TransientError, a 4xx response FatalError, and a body that is not valid
// JSON IntegrityError — the caller (internal/pipeline) decides whether to
// retry based on the worker's own attempt budget.
func (c *Client) Run(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, pipelineerrors.ValidationErrorf("stageclient: marshaling request: %v", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return nil, pipelineerrors.FatalErrorf("stageclient: building request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, pipelineerrors.TransientErrorf("stageclient: calling %s: %v", c.baseURL, err).
			Attr(slog.String("book_id", req.BookID))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pipelineerrors.TransientErrorf("stageclient: reading response body: %v", err)
	}

	if resp.StatusCode >= 500 {
		return nil, pipelineerrors.TransientErrorf("stageclient: %s returned %d: %s", c.baseURL, resp.StatusCode, payload)
	}
	if resp.StatusCode >= 400 {
		return nil, pipelineerrors.FatalErrorf("stageclient: %s rejected request with %d: %s", c.baseURL, resp.StatusCode, payload)
	}

	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, pipelineerrors.IntegrityErrorf("stageclient: %s returned malformed JSON: %v", c.baseURL, err)
	}
	return &result, nil
}
