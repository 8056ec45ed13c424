// Package sentry wraps the Sentry SDK's process-wide client so the gateway
// and worker binaries can report unexpected errors without depending on the
// SDK's global state directly.
package sentry

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	lru "github.com/hashicorp/golang-lru"

	"github.com/epicrunze/evocable/internal/observability"
)

// Client reports errors and messages to Sentry, deduplicating identical
// messages within a short window so a hot failure loop doesn't flood a
// project's event quota.
type Client struct {
	DSN     string
	Release string

	mu           sync.Mutex
	recentErrors *lru.Cache
}

var recentErrorDuration = 5 * time.Minute

// RemoveBottomFrames strips the bottom-most frames of a stack trace that
// belong to this package and to internal/observability, so Sentry groups
// issues by the caller's location rather than by logging plumbing.
func RemoveBottomFrames(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	for i, exception := range event.Exception {
		if exception.Stacktrace == nil {
			continue
		}
		frames := exception.Stacktrace.Frames
		framesLen := len(frames)
		if framesLen < 3 {
			continue
		}
		for j := framesLen - 1; j >= framesLen-3; j-- {
			frame := frames[j]
			if strings.HasSuffix(frame.AbsPath, "sentry.go") || strings.HasSuffix(frame.AbsPath, "logging.go") {
				frames = frames[:j]
			} else {
				break
			}
		}
		event.Exception[i].Stacktrace.Frames = frames
	}
	return event
}

// New initializes the process-wide Sentry SDK and returns a Client for
// reporting through it.
//
// dsn may be empty, in which case Sentry is effectively disabled and New
// never fails.
func New(dsn string, release string) (*Client, error) {
	cache, err := lru.New(100)
	if err != nil {
		return nil, fmt.Errorf("sentry: failed to create cache: %w", err)
	}

	c := &Client{
		DSN:          dsn,
		Release:      release,
		recentErrors: cache,
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		AttachStacktrace: true,
		Release:          release,
		BeforeSend:       RemoveBottomFrames,
	}); err != nil {
		return nil, fmt.Errorf("sentry: init failed: %w", err)
	}

	if dsn == "" {
		slog.Debug("sentry: disabled, no DSN configured")
	}

	return c, nil
}

// CaptureException reports an error, skipping it if the same message was
// reported within the last few minutes.
func (c *Client) CaptureException(err error, tags observability.Tags) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.allow(err.Error()) {
		return
	}

	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			if v != "" {
				scope.SetTag(k, v)
			}
		}
	})
	hub.CaptureException(err)
}

// CaptureMessage reports a message, subject to the same deduplication as
// CaptureException.
func (c *Client) CaptureMessage(msg string, tags observability.Tags) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.allow(msg) {
		return
	}

	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
	})
	hub.CaptureMessage(msg)
}

// allow reports whether msg hasn't been reported in the last
// recentErrorDuration, and if so records it as reported now.
//
// Callers must hold c.mu.
func (c *Client) allow(msg string) bool {
	h := md5.New()
	h.Write([]byte(msg))
	hash := hex.EncodeToString(h.Sum(nil))

	now := time.Now()
	if lastSent, ok := c.recentErrors.Get(hash); ok {
		if now.Sub(lastSent.(time.Time)) < recentErrorDuration {
			return false
		}
	}
	c.recentErrors.Add(hash, now)
	return true
}

// Reraise reports a recovered panic value and re-panics with it.
//
// Meant to be used in a defer statement: `defer sentryClient.Reraise(recover(), tags)`.
func (c *Client) Reraise(recovered any, tags observability.Tags) {
	if recovered == nil {
		return
	}

	err, ok := recovered.(error)
	if !ok {
		err = fmt.Errorf("%v", recovered)
	}
	c.CaptureException(err, tags)
	sentry.Flush(2 * time.Second)
	panic(recovered)
}

// Flush blocks until pending events are sent or timeout elapses.
func (c *Client) Flush(timeout time.Duration) bool {
	return sentry.CurrentHub().Flush(timeout)
}
