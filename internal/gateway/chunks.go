package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/epicrunze/evocable/internal/pipelineerrors"
	"github.com/epicrunze/evocable/internal/store"
)

const chunkContentType = "audio/ogg"

type manifestEntry struct {
	Seq       int     `json:"seq"`
	DurationS float64 `json:"duration_s"`
	ByteSize  int64   `json:"byte_size"`
	URL       string  `json:"url"`
}

// handleGetManifest implements GET /books/{id}/chunks (spec §6.1, §7
// "partial results are never exposed"): 409 unless the book is Completed.
func (s *Server) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	book, ok := s.authorizeBook(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	if book.State != store.StateCompleted {
		writeJSON(w, http.StatusConflict, errorBody{
			Error:   "not_completed",
			Message: fmt.Sprintf("book is %s, not completed", book.State),
		})
		return
	}

	chunks, err := s.Books.ListChunks(r.Context(), book.ID)
	if err != nil {
		writeError(w, err, false)
		return
	}

	ttl := s.Config.SignedURLTTL
	var totalDuration float64
	entries := make([]manifestEntry, len(chunks))
	for i, c := range chunks {
		token := s.Signer.Mint(book.ID, c.Seq, ttl)
		entries[i] = manifestEntry{
			Seq:       c.Seq,
			DurationS: c.DurationS,
			ByteSize:  c.ByteSize,
			URL:       streamPath(book.ID, c.Seq, token),
		}
		totalDuration += c.DurationS
	}

	totalChunks := 0
	if book.TotalChunks != nil {
		totalChunks = *book.TotalChunks
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_chunks":     totalChunks,
		"total_duration_s": totalDuration,
		"chunks":           entries,
	})
}

// handleStreamChunk implements GET /books/{id}/chunks/{seq} (spec §6.1,
// §8.4): accepts either a bearer-authenticated, owned request, or a valid
// signed-URL token in the "token" query parameter, and honors a single
// Range header.
func (s *Server) handleStreamChunk(w http.ResponseWriter, r *http.Request) {
	bookID := r.PathValue("id")
	seq, err := strconv.Atoi(r.PathValue("seq"))
	if err != nil {
		writeError(w, pipelineerrors.ValidationErrorf("gateway: invalid seq %q", r.PathValue("seq")), false)
		return
	}

	var book *store.Book
	if token := r.URL.Query().Get("token"); token != "" {
		if err := s.Signer.Verify(token, bookID, seq); err != nil {
			writeError(w, err, true)
			return
		}
		b, err := s.Books.GetBook(r.Context(), bookID)
		if err != nil {
			writeError(w, err, false)
			return
		}
		book = b
	} else {
		b, ok := s.authorizeBook(w, r, bookID)
		if !ok {
			return
		}
		book = b
	}

	if book.State != store.StateCompleted {
		writeJSON(w, http.StatusConflict, errorBody{Error: "not_completed", Message: "book is not completed"})
		return
	}

	chunks, err := s.Books.ListChunks(r.Context(), bookID)
	if err != nil {
		writeError(w, err, false)
		return
	}
	var chunk *store.Chunk
	for _, c := range chunks {
		if c.Seq == seq {
			chunk = c
			break
		}
	}
	if chunk == nil {
		writeError(w, pipelineerrors.AuthErrorf("gateway: no chunk %d for book %s", seq, bookID), false)
		return
	}

	if err := s.verifyChunkIntegrity(r.Context(), chunk); err != nil {
		if s.Logger != nil {
			s.Logger.CaptureError(err)
		}
		writeError(w, err, false)
		return
	}

	offset, length, status, ok := parseRange(r.Header.Get("Range"), chunk.ByteSize)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", chunk.ByteSize))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	rc, err := s.Blobs.OpenRange(r.Context(), chunk.BlobPath, offset, length)
	if err != nil {
		writeError(w, err, false)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", chunkContentType)
	w.Header().Set("Accept-Ranges", "bytes")
	if status == http.StatusPartialContent {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, chunk.ByteSize))
	}
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)
	_, _ = io.Copy(w, rc)
}

// verifyChunkIntegrity confirms chunk's blob exists and is exactly the
// recorded byte_size before any bytes are streamed (spec §3.2 invariant 6,
// §7 "Integrity": a short or missing blob must never reach the client as a
// truncated 200/206).
func (s *Server) verifyChunkIntegrity(ctx context.Context, chunk *store.Chunk) error {
	attrs, err := s.Blobs.Stat(ctx, chunk.BlobPath)
	if err != nil {
		return pipelineerrors.Bubblef(err, "gateway: chunk %s missing its blob", chunk.BlobPath).As(pipelineerrors.KindIntegrity)
	}
	if attrs.Size != chunk.ByteSize {
		return pipelineerrors.IntegrityErrorf("gateway: chunk %s is %d bytes on disk, recorded as %d", chunk.BlobPath, attrs.Size, chunk.ByteSize)
	}
	return nil
}

// parseRange interprets a single-range "bytes=a-b" Range header against a
// resource of the given total size (spec §8.4): a missing header streams
// the whole resource as 200; a satisfiable range streams as 206;
// "bytes=0-0" yields exactly one byte; a range starting at or past total
// is unsatisfiable (416).
func parseRange(header string, total int64) (offset, length int64, status int, ok bool) {
	if header == "" {
		return 0, total, http.StatusOK, true
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, 0, false
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		// Multiple ranges aren't supported; treat as unsatisfiable rather
		// than silently serving only the first.
		return 0, 0, 0, false
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, 0, false
	}

	if parts[0] == "" {
		// Suffix range "bytes=-N": last N bytes.
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, 0, false
		}
		if n > total {
			n = total
		}
		return total - n, n, http.StatusPartialContent, true
	}

	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 || start >= total {
		return 0, 0, 0, false
	}

	end := total - 1
	if parts[1] != "" {
		e, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || e < start {
			return 0, 0, 0, false
		}
		if e < end {
			end = e
		}
	}

	return start, end - start + 1, http.StatusPartialContent, true
}

type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
	ExpiresIn int64  `json:"expires_in"`
}

// handleIssueSignedURL implements POST /books/{id}/chunks/{seq}/signed-url.
func (s *Server) handleIssueSignedURL(w http.ResponseWriter, r *http.Request) {
	book, ok := s.authorizeBook(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	seq, err := strconv.Atoi(r.PathValue("seq"))
	if err != nil {
		writeError(w, pipelineerrors.ValidationErrorf("gateway: invalid seq %q", r.PathValue("seq")), false)
		return
	}

	ttl := s.Config.SignedURLTTL
	token := s.Signer.Mint(book.ID, seq, ttl)
	writeJSON(w, http.StatusOK, signedURLResponse{
		SignedURL: streamPath(book.ID, seq, token),
		ExpiresIn: int64(ttl.Seconds()),
	})
}

type batchSignedURLRequest struct {
	Seqs []int `json:"seqs"`
}

// handleIssueBatchSignedURLs implements POST /books/{id}/chunks/batch-signed-urls.
func (s *Server) handleIssueBatchSignedURLs(w http.ResponseWriter, r *http.Request) {
	book, ok := s.authorizeBook(w, r, r.PathValue("id"))
	if !ok {
		return
	}

	var req batchSignedURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, pipelineerrors.ValidationErrorf("gateway: decoding request body: %v", err), false)
		return
	}

	ttl := s.Config.SignedURLTTL
	urls := make(map[int]signedURLResponse, len(req.Seqs))
	for _, seq := range req.Seqs {
		token := s.Signer.Mint(book.ID, seq, ttl)
		urls[seq] = signedURLResponse{SignedURL: streamPath(book.ID, seq, token), ExpiresIn: int64(ttl.Seconds())}
	}
	writeJSON(w, http.StatusOK, map[string]any{"signed_urls": urls})
}

func streamPath(bookID string, seq int, token string) string {
	return fmt.Sprintf("/api/v1/books/%s/chunks/%d?token=%s", bookID, seq, token)
}
