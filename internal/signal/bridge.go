package signal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/platecheck/internal/analysis"
	"github.com/nugget/platecheck/internal/engine"
	"github.com/nugget/platecheck/internal/events"
	"github.com/nugget/platecheck/internal/render"
)

// Handler processes one user input. The real implementation is
// *engine.Engine.
type Handler interface {
	Handle(ctx context.Context, in engine.Input) engine.Outcome
}

// Messenger is the part of [Client] the bridge uses.
type Messenger interface {
	Messages() <-chan *Envelope
	Send(ctx context.Context, to Target, message string) (int64, error)
	SendReceipt(ctx context.Context, recipient string, timestamp int64) error
	SendTyping(ctx context.Context, to Target, stop bool) error
	ReadAttachment(att Attachment, limit int64) ([]byte, error)
}

const (
	rateWindow      = time.Minute
	cleanupInterval = 10 * time.Minute

	// laneDepth bounds the messages queued per conversation.
	laneDepth = 16
)

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Client  Messenger
	Handler Handler
	Events  *events.Bus
	Logger  *slog.Logger

	// RateLimit is messages per sender per minute; 0 is unlimited.
	RateLimit int
	// HandleTimeout bounds one message from receipt to reply.
	HandleTimeout time.Duration
	// MaxImageBytes bounds attachment reads. One byte past the limit is
	// read so the engine can reject oversized images.
	MaxImageBytes int64
}

// Bridge feeds Signal messages to the engine and sends back the
// rendered outcome. Messages from one conversation are handled in
// arrival order; different conversations are handled concurrently.
type Bridge struct {
	client        Messenger
	handler       Handler
	bus           *events.Bus
	logger        *slog.Logger
	rateLimit     int
	handleTimeout time.Duration
	maxImage      int64

	mu          sync.Mutex
	senderTimes map[string][]time.Time
	lastCleanup time.Time
	lanes       map[string]chan *Envelope

	wg sync.WaitGroup
}

// NewBridge creates a Signal bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 5 * time.Minute
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 20 << 20
	}
	return &Bridge{
		client:        cfg.Client,
		handler:       cfg.Handler,
		bus:           cfg.Events,
		logger:        logger.With("component", "signal"),
		rateLimit:     cfg.RateLimit,
		handleTimeout: cfg.HandleTimeout,
		maxImage:      cfg.MaxImageBytes,
		senderTimes:   make(map[string][]time.Time),
		lanes:         make(map[string]chan *Envelope),
	}
}

// Start handles messages until ctx is cancelled or the client's message
// channel closes, then waits for in-flight messages to finish.
func (b *Bridge) Start(ctx context.Context) {
	b.logger.Info("signal bridge started")
	defer b.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("signal bridge shutting down")
			return
		case env, ok := <-b.client.Messages():
			if !ok {
				b.logger.Info("signal message channel closed, bridge stopping")
				return
			}
			if !actionable(env) {
				b.logger.Debug("signal ignoring envelope", "sender", env.Source)
				continue
			}
			if !b.allowSender(env.Source) {
				b.logger.Warn("signal message rate-limited", "sender", env.Source)
				continue
			}

			if err := b.client.SendReceipt(ctx, env.Source, messageTimestamp(env)); err != nil {
				b.logger.Warn("signal read receipt failed", "sender", env.Source, "error", err)
			}
			b.enqueue(ctx, env)
		}
	}
}

// actionable reports whether an envelope carries text or attachments
// from a known sender. Reactions and empty messages are not.
func actionable(env *Envelope) bool {
	if env.Source == "" || env.DataMessage == nil || env.DataMessage.Reaction != nil {
		return false
	}
	return env.DataMessage.Message != "" || len(env.DataMessage.Attachments) > 0
}

// enqueue appends env to its conversation's lane, starting a worker for
// the lane if none is running.
func (b *Bridge) enqueue(ctx context.Context, env *Envelope) {
	key := sessionID(TargetOf(env))

	b.mu.Lock()
	defer b.mu.Unlock()

	lane, ok := b.lanes[key]
	if !ok {
		lane = make(chan *Envelope, laneDepth)
		b.lanes[key] = lane
		b.wg.Add(1)
		go b.drain(ctx, key, lane)
	}
	select {
	case lane <- env:
	default:
		b.logger.Warn("signal conversation queue full, dropping message", "session_id", key)
	}
}

// drain handles queued messages for one conversation and exits once the
// lane is empty. The lane is removed under b.mu so enqueue never sends
// to a lane without a worker.
func (b *Bridge) drain(ctx context.Context, key string, lane chan *Envelope) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		select {
		case env := <-lane:
			b.mu.Unlock()
			b.handleMessage(ctx, env)
		default:
			delete(b.lanes, key)
			b.mu.Unlock()
			return
		}
	}
}

// handleMessage runs one message through the engine and replies.
func (b *Bridge) handleMessage(ctx context.Context, env *Envelope) {
	ctx, cancel := context.WithTimeout(ctx, b.handleTimeout)
	defer cancel()

	to := TargetOf(env)
	sid := sessionID(to)
	log := b.logger.With("sender", env.Source, "session_id", sid)
	text := strings.TrimSpace(env.DataMessage.Message)

	if reply, ok := render.Command(text); ok {
		log.Debug("signal command", "command", strings.Fields(text)[0])
		b.reply(ctx, log, to, reply)
		return
	}

	in := b.input(sid, env, log)
	log.Info("signal message received",
		"kind", in.Kind,
		"message_len", len(text),
		"attachments", len(env.DataMessage.Attachments),
	)
	b.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSignal,
		Kind:      events.KindMessageReceived,
		Data: map[string]any{
			"session_id":  sid,
			"kind":        string(in.Kind),
			"message_len": len(text),
		},
	})

	if err := b.client.SendTyping(ctx, to, false); err != nil {
		log.Debug("signal typing indicator failed", "error", err)
	}

	out := b.handler.Handle(ctx, in)

	// The handler context may have expired; stopping the indicator is
	// best effort on a fresh one.
	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer stopCancel()
	if err := b.client.SendTyping(stopCtx, to, true); err != nil {
		log.Debug("signal typing stop failed", "error", err)
	}

	log.Info("signal outcome", "kind", out.Kind, "error_kind", out.Error)

	// The outcome is committed even if ctx expired; deliver it anyway.
	sendCtx, sendCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer sendCancel()
	b.reply(sendCtx, log, to, render.Plain(out))
}

// input builds the engine input for an envelope. The first image
// attachment wins; the message text becomes its caption.
func (b *Bridge) input(sid string, env *Envelope, log *slog.Logger) engine.Input {
	in := engine.Input{
		SessionID: sid,
		Kind:      analysis.SourceText,
		Text:      strings.TrimSpace(env.DataMessage.Message),
	}
	for _, att := range env.DataMessage.Attachments {
		if !strings.HasPrefix(att.ContentType, "image/") {
			continue
		}
		in.Kind = analysis.SourceImage
		data, err := b.client.ReadAttachment(att, b.maxImage)
		if err != nil {
			// An image with no data is rejected as empty input.
			log.Warn("signal attachment unreadable", "attachment_id", att.ID, "error", err)
			in.Image = &engine.Image{MIMEType: att.ContentType}
			return in
		}
		in.Image = &engine.Image{Data: data, MIMEType: att.ContentType}
		return in
	}
	return in
}

func (b *Bridge) reply(ctx context.Context, log *slog.Logger, to Target, text string) {
	if text == "" {
		return
	}
	if _, err := b.client.Send(ctx, to, text); err != nil {
		log.Error("signal reply send failed", "error", err)
		return
	}
	log.Debug("signal reply sent", "reply_len", len(text))
}

// allowSender reports whether the sender is within the per-minute rate
// limit, recording the message if so.
func (b *Bridge) allowSender(sender string) bool {
	if b.rateLimit <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-rateWindow)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeCleanupLocked(now)

	times := b.senderTimes[sender]
	valid := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	if len(valid) >= b.rateLimit {
		b.senderTimes[sender] = valid
		return false
	}
	b.senderTimes[sender] = append(valid, now)
	return true
}

// maybeCleanupLocked evicts idle senders. Caller holds b.mu.
func (b *Bridge) maybeCleanupLocked(now time.Time) {
	if now.Sub(b.lastCleanup) < cleanupInterval {
		return
	}
	b.lastCleanup = now

	cutoff := now.Add(-2 * rateWindow)
	for sender, times := range b.senderTimes {
		if len(times) == 0 || times[len(times)-1].Before(cutoff) {
			delete(b.senderTimes, sender)
		}
	}
}

// sessionID maps a conversation onto an engine session ID. Group
// conversations share one session.
func sessionID(t Target) string {
	if t.GroupID != "" {
		return "signal-group-" + sanitize(t.GroupID)
	}
	return fmt.Sprintf("signal-%s", sanitize(t.Recipient))
}

// sanitize keeps ASCII letters and digits.
func sanitize(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func messageTimestamp(env *Envelope) int64 {
	if env.DataMessage != nil && env.DataMessage.Timestamp != 0 {
		return env.DataMessage.Timestamp
	}
	return env.Timestamp
}
