package gateway

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/epicrunze/evocable/internal/blob"
	"github.com/epicrunze/evocable/internal/hashencode"
	"github.com/epicrunze/evocable/internal/pipelineerrors"
	"github.com/epicrunze/evocable/internal/queue"
	"github.com/epicrunze/evocable/internal/store"
)

// maxTitleLength is the upper bound on title length (spec §4.6): titles
// outside [1, 255] characters are rejected.
const maxTitleLength = 255

type submitBookResponse struct {
	BookID string      `json:"book_id"`
	State  store.State `json:"state"`
}

// handleSubmitBook implements POST /books (spec §6.2): multipart upload
// of title/format/file, max config.MaxUploadBytes, extension must match
// format. The book row is created before the blob is written and before
// the extract job is enqueued; if enqueue fails, the book is left Pending
// for internal/reconcile's boot sweep to pick up (spec §4.6).
func (s *Server) handleSubmitBook(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.Config.MaxUploadBytes)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "file_too_large", Message: "upload exceeds the maximum allowed size"})
			return
		}
		writeError(w, pipelineerrors.ValidationErrorf("gateway: parsing upload: %v", err), false)
		return
	}

	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		writeError(w, pipelineerrors.ValidationErrorf("gateway: title is required"), false)
		return
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		writeError(w, pipelineerrors.ValidationErrorf("gateway: title exceeds %d characters", maxTitleLength), false)
		return
	}

	format, err := parseFormat(r.FormValue("format"))
	if err != nil {
		writeError(w, err, false)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, pipelineerrors.ValidationErrorf("gateway: file field is required: %v", err), false)
		return
	}
	defer file.Close()

	if !extensionMatches(header.Filename, format) {
		writeError(w, pipelineerrors.ValidationErrorf("gateway: file extension does not match format %q", format), false)
		return
	}

	bookID, err := s.Books.CreateBook(r.Context(), ownerID, title, format)
	if err != nil {
		writeError(w, err, false)
		return
	}

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, pipelineerrors.ValidationErrorf("gateway: reading upload: %v", err), false)
		return
	}
	checksum := hashencode.ComputeB64MD5(content)

	paths := blob.Paths{BookID: bookID}
	if err := s.Blobs.Put(r.Context(), paths.Source(string(format)), bytes.NewReader(content)); err != nil {
		writeError(w, err, false)
		return
	}
	if s.Logger != nil {
		s.Logger.Info("gateway: accepted upload", "book_id", bookID, "checksum_md5", checksum, "bytes", len(content))
	}

	if err := s.Broker.Enqueue(r.Context(), queue.QueueExtract, queue.Job{BookID: bookID}); err != nil && s.Logger != nil {
		// Left Pending; internal/reconcile's boot sweep re-enqueues it.
		s.Logger.CaptureWarn("gateway: enqueueing extract job failed, book left for reconciliation", "book_id", bookID, "err", err)
	}

	writeJSON(w, http.StatusCreated, submitBookResponse{BookID: bookID, State: store.StatePending})
}

// handleListBooks implements GET /books (spec §6.1): list the caller's
// books, newest first.
func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	page := store.Page{Limit: 50, Offset: 0}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			page.Offset = n
		}
	}

	books, err := s.Books.ListBooksForOwner(r.Context(), ownerID, page)
	if err != nil {
		writeError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"books": books})
}

// handleGetStatus implements GET /books/{id}/status.
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	book, ok := s.authorizeBook(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// handleDeleteBook implements DELETE /books/{id} (spec §8.2 "SubmitBook →
// DeleteBook leaves no rows and no blobs"): the row delete commits first,
// then the blob prefix is removed best-effort; orphan GC on blob-delete
// failure is explicitly out of scope (spec §9 open question 2).
func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	book, ok := s.authorizeBook(w, r, r.PathValue("id"))
	if !ok {
		return
	}

	if err := s.Books.DeleteBook(r.Context(), book.ID); err != nil {
		writeError(w, err, false)
		return
	}

	paths := blob.Paths{BookID: book.ID}
	if err := s.Blobs.Delete(r.Context(), paths.BookPrefix()); err != nil && s.Logger != nil {
		s.Logger.CaptureWarn("gateway: blob cleanup failed after delete", "book_id", book.ID, "err", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"book_id": book.ID})
}

func parseFormat(raw string) (store.Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pdf":
		return store.FormatPDF, nil
	case "epub":
		return store.FormatEPUB, nil
	case "txt":
		return store.FormatTXT, nil
	default:
		return "", pipelineerrors.ValidationErrorf("gateway: unsupported format %q", raw)
	}
}

func extensionMatches(filename string, format store.Format) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	return ext == string(format)
}
