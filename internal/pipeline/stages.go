package pipeline

import (
	"context"
	"strconv"

	"github.com/epicrunze/evocable/internal/blob"
	"github.com/epicrunze/evocable/internal/pipelineerrors"
	"github.com/epicrunze/evocable/internal/queue"
	"github.com/epicrunze/evocable/internal/stageclient"
	"github.com/epicrunze/evocable/internal/store"
)

// Specs returns the four Stage Worker Protocol stages wired in state-
// machine order (spec §4.4 table, §4.5 diagram).
func Specs() map[string]Spec {
	specs := []Spec{
		{
			Name:         "extract",
			Queue:        queue.QueueExtract,
			NextQueue:    queue.QueueSegment,
			EntryState:   store.StatePending,
			RunningState: store.StateExtracting,
			NextState:    store.StateSegmenting,
			EntryPercent: 0,
			ExitPercent:  10,
			InputPaths: func(book *store.Book) map[string]string {
				p := blob.Paths{BookID: book.ID}
				return map[string]string{"source": p.Source(string(book.Format))}
			},
		},
		{
			Name:         "segment",
			Queue:        queue.QueueSegment,
			NextQueue:    queue.QueueSynthesize,
			EntryState:   store.StateSegmenting,
			RunningState: store.StateSegmenting,
			NextState:    store.StateSynthesizing,
			EntryPercent: 10,
			ExitPercent:  25,
			InputPaths: func(book *store.Book) map[string]string {
				p := blob.Paths{BookID: book.ID}
				return map[string]string{"text": p.Text()}
			},
		},
		{
			Name:         "synthesize",
			Queue:        queue.QueueSynthesize,
			NextQueue:    queue.QueuePackage,
			EntryState:   store.StateSynthesizing,
			RunningState: store.StateSynthesizing,
			NextState:    store.StatePackaging,
			EntryPercent: 25,
			ExitPercent:  50,
			InputPaths: func(book *store.Book) map[string]string {
				p := blob.Paths{BookID: book.ID}
				return map[string]string{"segments_prefix": p.SegmentsPrefix()}
			},
		},
		{
			Name:         "package",
			Queue:        queue.QueuePackage,
			NextQueue:    "",
			EntryState:   store.StatePackaging,
			RunningState: store.StatePackaging,
			NextState:    store.StateCompleted,
			EntryPercent: 50,
			ExitPercent:  100,
			InputPaths: func(book *store.Book) map[string]string {
				p := blob.Paths{BookID: book.ID}
				return map[string]string{"raw_prefix": p.RawAudioPrefix()}
			},
			RecordOutputs: recordChunks,
		},
	}

	byName := make(map[string]Spec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}
	return byName
}

// recordChunks implements the Packager's step 6 (spec §4.4): for every
// chunk the collaborator reports, upsert its row, then fix total_chunks.
// Metadata is expected to carry "seq.duration_s", "seq.byte_size", and
// "seq.blob_path" per produced chunk, keyed by decimal seq — the
// Packager's own wire contract, stated only enough to pin this shape.
func recordChunks(ctx context.Context, books store.Store, bookID string, result *stageclient.Result) error {
	seqs := make(map[int]struct{})
	for key := range result.Metadata {
		seq, _, ok := splitMetadataKey(key)
		if ok {
			seqs[seq] = struct{}{}
		}
	}

	for seq := range seqs {
		durationS, err := metadataFloat(result.Metadata, seq, "duration_s")
		if err != nil {
			return err
		}
		byteSize, err := metadataInt(result.Metadata, seq, "byte_size")
		if err != nil {
			return err
		}
		blobPath, ok := result.Metadata[metadataKey(seq, "blob_path")]
		if !ok {
			return pipelineerrors.IntegrityErrorf("pipeline: chunk %d missing blob_path", seq)
		}

		if err := books.UpsertChunk(ctx, bookID, seq, durationS, byteSize, blobPath); err != nil {
			return err
		}
	}

	if err := books.SetTotalChunks(ctx, bookID, len(seqs)); err != nil {
		return err
	}
	return nil
}

func metadataKey(seq int, field string) string {
	return strconv.Itoa(seq) + "." + field
}

func splitMetadataKey(key string) (seq int, field string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			n, err := strconv.Atoi(key[:i])
			if err != nil {
				return 0, "", false
			}
			return n, key[i+1:], true
		}
	}
	return 0, "", false
}

func metadataFloat(m map[string]string, seq int, field string) (float64, error) {
	v, ok := m[metadataKey(seq, field)]
	if !ok {
		return 0, pipelineerrors.IntegrityErrorf("pipeline: chunk %d missing %s", seq, field)
	}
	f, err := parseFloat(v)
	if err != nil {
		return 0, pipelineerrors.IntegrityErrorf("pipeline: chunk %d has malformed %s: %v", seq, field, err)
	}
	return f, nil
}

func metadataInt(m map[string]string, seq int, field string) (int64, error) {
	v, ok := m[metadataKey(seq, field)]
	if !ok {
		return 0, pipelineerrors.IntegrityErrorf("pipeline: chunk %d missing %s", seq, field)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, pipelineerrors.IntegrityErrorf("pipeline: chunk %d has malformed %s: %v", seq, field, err)
	}
	return n, nil
}

func parseFloat(v string) (float64, error) {
	return strconv.ParseFloat(v, 64)
}
