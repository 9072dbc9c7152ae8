// Package notifier posts best-effort run progress updates to a
// messaging channel. Posting never surfaces a transport error: a
// notification is diagnostic, not load-bearing, the same way a
// trajectory flush is. Post waits on its rate limiter and on the
// transport call, so a caller that must not block calls it from its
// own goroutine.
package notifier

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/relayhq/orchestrator/pkg/broker"
)

const (
	// maxChunkChars is the largest single message a channel transport
	// is assumed to accept; longer text is split on this boundary.
	maxChunkChars = 4000

	// ratePerSecond and burst bound how fast Post pushes chunks onto
	// the channel, independent of how fast the caller calls Post.
	ratePerSecond = 2
	burst         = 4
)

// Notifier posts progress text to a single channel, chunking long
// messages and throttling the rate chunks are sent at.
type Notifier struct {
	messaging broker.Messaging
	channel   string
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// New creates a Notifier that posts to channel via messaging. A nil or
// empty channel makes every Post a no-op, so callers can construct a
// Notifier unconditionally and let an unset errorHandling.notifyChannel
// silently disable it.
func New(messaging broker.Messaging, channel string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		messaging: messaging,
		channel:   channel,
		limiter:   rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		logger:    logger,
	}
}

// Post sends text to the configured channel, splitting it into
// numbered chunks if it exceeds the per-message size limit. It blocks
// the calling goroutine on the rate limiter and on the transport call,
// so callers that must not block (the engine's hot path) should invoke
// Post from their own goroutine. Transport errors are logged and
// swallowed; Post only returns an error if ctx is done.
func (n *Notifier) Post(ctx context.Context, runID, text string) error {
	if n == nil || n.messaging == nil || n.channel == "" {
		return nil
	}

	chunks := chunk(text, maxChunkChars)
	for i, c := range chunks {
		if err := n.limiter.Wait(ctx); err != nil {
			return err
		}
		body := c
		if len(chunks) > 1 {
			body = fmt.Sprintf("[%d/%d] %s", i+1, len(chunks), c)
		}
		if err := n.messaging.SendToChannel(ctx, n.channel, body); err != nil {
			n.logger.Warn("notifier: post failed", "run_id", runID, "channel", n.channel, "error", err)
		}
	}
	return nil
}

// chunk splits s into pieces no longer than size runes, breaking on
// rune boundaries. An empty s yields no chunks.
func chunk(s string, size int) []string {
	runes := []rune(s)
	if len(runes) == 0 {
		return nil
	}
	var chunks []string
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}
