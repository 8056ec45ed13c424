// Package pipeline implements the Job Coordinator's state machine (spec
// §4.5) and the generic Stage Worker Protocol loop every stage worker
// follows (spec §4.4). The Coordinator is not a separate process: it is
// the discipline enforced by the Metadata Store's expected-state guard,
// which every Worker here respects via Store.UpdateBookState.
package pipeline

import (
	"context"

	"github.com/epicrunze/evocable/internal/stageclient"
	"github.com/epicrunze/evocable/internal/store"
)

// Spec pins one stage's place in the state machine (spec §4.4 table,
// §4.5 diagram): which state it expects to find a book in, which state
// it occupies while running, which state it hands off to, and which
// queue (if any) receives the next stage's job.
type Spec struct {
	Name string

	Queue     string // this stage's own queue (Reserve/Nack target)
	NextQueue string // empty for the final stage

	EntryState   store.State
	RunningState store.State
	NextState    store.State // Completed for the final stage

	EntryPercent int
	ExitPercent  int

	// RecordOutputs persists whatever the collaborator reported before
	// the state transitions to NextState (spec §4.4 step 6), e.g. the
	// Packager stage upserts chunk rows and sets total_chunks. Stages
	// with nothing to persist beyond the blobs themselves leave this nil.
	RecordOutputs func(ctx context.Context, books store.Store, bookID string, result *stageclient.Result) error

	// InputPaths builds the stage's input_paths payload for a book
	// (spec §3.1's stable path layout).
	InputPaths func(book *store.Book) map[string]string
}
