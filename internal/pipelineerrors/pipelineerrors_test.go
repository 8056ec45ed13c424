package pipelineerrors_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/epicrunze/evocable/internal/pipelineerrors"
)

func TestConstructorsSetKindAndFormat(t *testing.T) {
	testCases := []struct {
		name string
		err  *pipelineerrors.Error
		kind pipelineerrors.Kind
		msg  string
	}{
		{"validation", pipelineerrors.ValidationErrorf("title length %d", 0), pipelineerrors.KindValidation, "title length 0"},
		{"auth", pipelineerrors.AuthErrorf("no owner"), pipelineerrors.KindAuth, "no owner"},
		{"stale", pipelineerrors.StaleTransitionf("expected %s", "Pending"), pipelineerrors.KindStaleTransition, "expected Pending"},
		{"transient", pipelineerrors.TransientErrorf("queue unavailable"), pipelineerrors.KindTransient, "queue unavailable"},
		{"fatal", pipelineerrors.FatalErrorf("retry budget exhausted"), pipelineerrors.KindFatal, "retry budget exhausted"},
		{"integrity", pipelineerrors.IntegrityErrorf("chunk %d missing", 3), pipelineerrors.KindIntegrity, "chunk 3 missing"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.msg, tc.err.Error())
			assert.Equal(t, tc.kind, tc.err.Kind())
			assert.True(t, pipelineerrors.Is(tc.err, tc.kind))
		})
	}
}

func TestKindOf(t *testing.T) {
	t.Run("unknown for plain errors", func(t *testing.T) {
		assert.Equal(t, pipelineerrors.KindUnknown, pipelineerrors.KindOf(io.EOF))
	})

	t.Run("matches constructor", func(t *testing.T) {
		assert.Equal(t, pipelineerrors.KindFatal, pipelineerrors.KindOf(pipelineerrors.FatalErrorf("boom")))
	})
}

func TestWrapNil_Panics(t *testing.T) {
	t.Run("Enrichf", func(t *testing.T) {
		assert.Panics(t, func() {
			_ = pipelineerrors.Enrichf(nil, "text")
		})
	})

	t.Run("Bubblef", func(t *testing.T) {
		assert.Panics(t, func() {
			_ = pipelineerrors.Bubblef(nil, "text")
		})
	})
}

func TestEnrichfFormat(t *testing.T) {
	t.Run("no message", func(t *testing.T) {
		assert.Equal(t, "EOF", pipelineerrors.Enrichf(io.EOF, "").Error())
	})

	t.Run("with format", func(t *testing.T) {
		assert.Equal(t, "failed (123): EOF", pipelineerrors.Enrichf(io.EOF, "failed (%d)", 123).Error())
	})
}

func TestBubblefFormat(t *testing.T) {
	t.Run("no message", func(t *testing.T) {
		assert.Equal(t, "EOF", pipelineerrors.Bubblef(io.EOF, "").Error())
	})

	t.Run("with format", func(t *testing.T) {
		assert.Equal(t, "failed (123): EOF", pipelineerrors.Bubblef(io.EOF, "failed (%d)", 123).Error())
	})
}

func TestEnrichfDoesNotWrap(t *testing.T) {
	assert.NotErrorIs(t, pipelineerrors.Enrichf(io.EOF, ""), io.EOF)
}

func TestBubblefWraps(t *testing.T) {
	assert.ErrorIs(t, pipelineerrors.Bubblef(io.EOF, ""), io.EOF)
}

func TestEnrichfInheritsKind(t *testing.T) {
	inner := pipelineerrors.TransientErrorf("disk busy")
	outer := pipelineerrors.Enrichf(inner, "writing chunk")

	assert.Equal(t, pipelineerrors.KindTransient, outer.Kind())
}

func TestAsOverridesKind(t *testing.T) {
	err := pipelineerrors.Enrichf(io.EOF, "reading segment").As(pipelineerrors.KindIntegrity)

	assert.Equal(t, pipelineerrors.KindIntegrity, err.Kind())
}

func TestAttrs(t *testing.T) {
	t.Run("none if not enriched", func(t *testing.T) {
		assert.Empty(t, pipelineerrors.Attrs(io.EOF))
	})

	t.Run("copies when wrapping", func(t *testing.T) {
		err1 := pipelineerrors.FatalErrorf("").
			Attr(slog.String("book_id", "b1")).
			Attr(slog.String("stage", "extract"))

		err2 := pipelineerrors.Enrichf(err1, "").
			Attr(slog.String("stage", "overwritten")).
			Attr(slog.String("attempt", "2"))

		assert.ElementsMatch(t,
			[]slog.Attr{
				slog.String("book_id", "b1"),
				slog.String("stage", "extract"),
			},
			pipelineerrors.Attrs(err1))
		assert.ElementsMatch(t,
			[]slog.Attr{
				slog.String("book_id", "b1"),
				slog.String("stage", "overwritten"),
				slog.String("attempt", "2"),
			},
			pipelineerrors.Attrs(err2))
	})
}

func TestTags(t *testing.T) {
	err1 := pipelineerrors.FatalErrorf("").Attr(slog.String("book_id", "b1"))

	assert.Equal(t, map[string]string{"book_id": "b1"}, pipelineerrors.Tags(err1))
}

func TestSkipSentryIf(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected bool
	}{
		{"false if not enriched", io.EOF, false},
		{"false by default", pipelineerrors.FatalErrorf(""), false},
		{"true if set", pipelineerrors.FatalErrorf("").SkipSentryIf(true), true},
		{"true if inherited", pipelineerrors.Enrichf(pipelineerrors.FatalErrorf("").SkipSentryIf(true), ""), true},
		{"not clearable", pipelineerrors.Enrichf(pipelineerrors.FatalErrorf("").SkipSentryIf(true), "").SkipSentryIf(false), true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, pipelineerrors.SkipSentry(tc.err))
		})
	}
}

func TestFingerprint(t *testing.T) {
	err1 := pipelineerrors.IntegrityErrorf("").Fingerprint("missing-blob")
	err2 := pipelineerrors.Enrichf(err1, "").Fingerprint("seq-3")

	assert.Equal(t, []string{"missing-blob"}, pipelineerrors.ExtraFingerprint(err1))
	assert.Equal(t, []string{"missing-blob", "seq-3"}, pipelineerrors.ExtraFingerprint(err2))
}
