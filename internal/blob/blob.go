// Package blob implements the Blob Store contract (spec §4.2): a
// content-addressed filesystem tree for extracted text, intermediate
// audio, and final chunk files, against the generic
// gocloud.dev/blob *blob.Bucket interface.
//
// The default backend is fileblob rooted at config.BlobRoot, the exact
// filesystem tree spec §3.1/§6.5 describes. Pointing BlobRoot at a gs://,
// s3://, or azblob:// URL instead moves the same tree off-box, grounded in
// the teacher's internal/tensorboard/localorcloudpath.go, which resolves
// the same three schemes to a *blob.Bucket the same way.
package blob

import (
	"context"
	"fmt"
	"io"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"

	// Imported for the side effect of registering blob.OpenBucket()
	// providers for their respective schemes.
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/epicrunze/evocable/internal/pipelineerrors"
)

// Store is the Blob Store contract.
//
// Get never observes a partial Put; Put is atomic per path (last-writer-wins
// across concurrent Puts to the same path, but each individual Put is
// all-or-nothing).
type Store interface {
	// Put writes bytes to path atomically.
	Put(ctx context.Context, path string, r io.Reader) error

	// Get returns the full contents of path.
	Get(ctx context.Context, path string) ([]byte, error)

	// OpenRange returns a stream over length bytes of path starting at
	// offset, without buffering the whole blob. If length < 0, it reads
	// to the end of the blob. The caller must Close the returned reader.
	OpenRange(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error)

	// Delete recursively and idempotently removes everything under prefix.
	Delete(ctx context.Context, prefix string) error

	// Stat returns a path's size and modification time.
	Stat(ctx context.Context, path string) (Attributes, error)
}

// Attributes is the subset of a blob's metadata the pipeline needs.
type Attributes struct {
	Size  int64
	MTime int64 // unix seconds
}

// BucketStore is a Store backed by a single gocloud.dev/blob *blob.Bucket.
type BucketStore struct {
	bucket *blob.Bucket
}

var _ Store = (*BucketStore)(nil)

// Open opens the bucket that root names: a local filesystem path, or a
// gs://, s3://, or azblob:// URL (see OpenBucket for the exact resolution
// rule), and returns a BucketStore backed by it.
func Open(ctx context.Context, root string) (*BucketStore, error) {
	bucket, err := OpenBucket(ctx, root)
	if err != nil {
		return nil, err
	}
	return &BucketStore{bucket: bucket}, nil
}

// OpenBucket resolves root to a *blob.Bucket.
//
// A root with a gs://, s3://, or azblob:// scheme is opened directly via
// blob.OpenBucket; anything else is treated as a local directory and opened
// via fileblob.OpenBucket.
func OpenBucket(ctx context.Context, root string) (*blob.Bucket, error) {
	if scheme, ok := cloudScheme(root); ok {
		bucket, err := blob.OpenBucket(ctx, root)
		if err != nil {
			return nil, pipelineerrors.TransientErrorf("blob: opening %s bucket %q: %v", scheme, root, err)
		}
		return bucket, nil
	}

	// nil options: fileblob's default is write-to-temp-then-rename, so Get
	// never observes a partial Put (spec §4.2).
	bucket, err := fileblob.OpenBucket(root, nil)
	if err != nil {
		return nil, pipelineerrors.FatalErrorf("blob: opening local bucket %q: %v", root, err)
	}
	return bucket, nil
}

func cloudScheme(root string) (string, bool) {
	for _, scheme := range []string{"gs://", "s3://", "azblob://"} {
		if strings.HasPrefix(root, scheme) {
			return strings.TrimSuffix(scheme, "://"), true
		}
	}
	return "", false
}

// IsCloudRoot reports whether root names a gs://, s3://, or azblob://
// bucket rather than a local directory. Collaborators that need a plain
// filesystem path (e.g. the blob integrity sweep, which walks the tree
// directly rather than through the Store interface) use this to skip
// themselves on a cloud-backed deployment.
func IsCloudRoot(root string) bool {
	_, ok := cloudScheme(root)
	return ok
}

// Close releases resources held by the underlying bucket.
func (s *BucketStore) Close() error {
	return s.bucket.Close()
}

// Ping reports whether the store is reachable, for /health: it lists at
// most one key, which is cheap on every gocloud.dev/blob backend.
func (s *BucketStore) Ping(ctx context.Context) error {
	iter := s.bucket.List(&blob.ListOptions{})
	_, err := iter.Next(ctx)
	if err != nil && err != io.EOF {
		return pipelineerrors.TransientErrorf("blob: ping: %v", err)
	}
	return nil
}

func (s *BucketStore) Put(ctx context.Context, path string, r io.Reader) error {
	w, err := s.bucket.NewWriter(ctx, path, nil)
	if err != nil {
		return pipelineerrors.TransientErrorf("blob: opening writer for %s: %v", path, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return pipelineerrors.TransientErrorf("blob: writing %s: %v", path, err)
	}
	if err := w.Close(); err != nil {
		return pipelineerrors.TransientErrorf("blob: closing writer for %s: %v", path, err)
	}
	return nil
}

func (s *BucketStore) Get(ctx context.Context, path string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, path)
	if err != nil {
		if s.bucket.IsNotExist(err) {
			return nil, pipelineerrors.IntegrityErrorf("blob: %s not found", path)
		}
		return nil, pipelineerrors.TransientErrorf("blob: reading %s: %v", path, err)
	}
	return data, nil
}

func (s *BucketStore) OpenRange(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error) {
	r, err := s.bucket.NewRangeReader(ctx, path, offset, length, nil)
	if err != nil {
		if s.bucket.IsNotExist(err) {
			return nil, pipelineerrors.IntegrityErrorf("blob: %s not found", path)
		}
		return nil, pipelineerrors.TransientErrorf("blob: opening range for %s: %v", path, err)
	}
	return r, nil
}

func (s *BucketStore) Delete(ctx context.Context, prefix string) error {
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return pipelineerrors.TransientErrorf("blob: listing prefix %s: %v", prefix, err)
		}
		if err := s.bucket.Delete(ctx, obj.Key); err != nil && !s.bucket.IsNotExist(err) {
			return pipelineerrors.TransientErrorf("blob: deleting %s: %v", obj.Key, err)
		}
	}

	// Deleting the exact key too covers the case where prefix names a
	// single object rather than a directory-like prefix.
	if err := s.bucket.Delete(ctx, prefix); err != nil && !s.bucket.IsNotExist(err) {
		return pipelineerrors.TransientErrorf("blob: deleting %s: %v", prefix, err)
	}
	return nil
}

func (s *BucketStore) Stat(ctx context.Context, path string) (Attributes, error) {
	attrs, err := s.bucket.Attributes(ctx, path)
	if err != nil {
		if s.bucket.IsNotExist(err) {
			return Attributes{}, pipelineerrors.IntegrityErrorf("blob: %s not found", path)
		}
		return Attributes{}, pipelineerrors.TransientErrorf("blob: stat %s: %v", path, err)
	}
	return Attributes{Size: attrs.Size, MTime: attrs.ModTime.Unix()}, nil
}

// Paths mirrors spec §3.1's stable blob path layout, relative to a book's
// prefix: <book_id>/...
type Paths struct {
	BookID string
}

func (p Paths) prefix() string { return p.BookID + "/" }

// Source is the uploaded source document: <book_id>/source.<ext>.
func (p Paths) Source(ext string) string { return fmt.Sprintf("%ssource.%s", p.prefix(), ext) }

// Text is the Extractor's UTF-8 text output: <book_id>/text.txt.
func (p Paths) Text() string { return p.prefix() + "text.txt" }

// Segment is the Segmenter's per-segment markup: <book_id>/segments/<seg_idx>.mark.
func (p Paths) Segment(segIdx int) string {
	return fmt.Sprintf("%ssegments/%d.mark", p.prefix(), segIdx)
}

// SegmentsPrefix is the directory holding all of a book's segment files.
func (p Paths) SegmentsPrefix() string { return p.prefix() + "segments/" }

// RawAudio is the Synthesizer's intermediate audio output: <book_id>/raw/<seg_idx>.wav.
func (p Paths) RawAudio(segIdx int) string {
	return fmt.Sprintf("%sraw/%d.wav", p.prefix(), segIdx)
}

// RawAudioPrefix is the directory holding all of a book's intermediate audio.
func (p Paths) RawAudioPrefix() string { return p.prefix() + "raw/" }

// Chunk is a Packager output chunk: <book_id>/chunks/<seq>.<codec_ext>.
func (p Paths) Chunk(seq int, codecExt string) string {
	return fmt.Sprintf("%schunks/%d.%s", p.prefix(), seq, codecExt)
}

// ChunksPrefix is the directory holding all of a book's final chunks.
func (p Paths) ChunksPrefix() string { return p.prefix() + "chunks/" }

// BookPrefix is the whole blob tree owned by a book, for DeleteBook.
func (p Paths) BookPrefix() string { return p.prefix() }
