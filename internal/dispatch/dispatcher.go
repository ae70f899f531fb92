package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"recruitbot/internal/assistant"
	"recruitbot/internal/domain"

	"github.com/google/uuid"
)

const (
	defaultPollInterval  = 500 * time.Millisecond
	defaultRunTimeout    = 20 * time.Second
	defaultContextWindow = 10
	contextEntryLimit    = 280 // chars kept per archived message when seeding a thread
)

// ErrMalformedEvent marks an event missing required fields. The worker
// acks these instead of letting them poison the queue.
var ErrMalformedEvent = errors.New("dispatch: malformed inbound event")

// Dispatcher is the per-event intake state machine: dedup, thread
// resolution, kind branching, and the append → run → poll → reply pass.
type Dispatcher struct {
	ledger     domain.Ledger
	directory  domain.Directory
	archive    domain.Archive
	assistant  domain.Assistant
	sender     domain.Sender
	downloader domain.MediaDownloader
	files      domain.FileStore
	classifier domain.Classifier // nil unless resume classification is on
	profile    assistant.Profile
	logger     *slog.Logger

	format func(string) string // platform markup translation, injected

	validateContentType bool
	acceptedTypes       map[string]bool
	pollInterval        time.Duration
	runTimeout          time.Duration
	contextWindow       int
}

// DispatcherConfig holds all dependencies and tuning for the dispatcher.
type DispatcherConfig struct {
	Ledger     domain.Ledger
	Directory  domain.Directory
	Archive    domain.Archive
	Assistant  domain.Assistant
	Sender     domain.Sender
	Downloader domain.MediaDownloader
	Files      domain.FileStore
	Classifier domain.Classifier
	Profile    assistant.Profile
	Logger     *slog.Logger

	// Format translates reply text to the platform's markup before send.
	Format func(string) string

	ValidateContentType  bool
	AcceptedContentTypes []string
	PollInterval         time.Duration
	RunTimeout           time.Duration
	ContextWindow        int
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = defaultContextWindow
	}
	if cfg.Format == nil {
		cfg.Format = func(s string) string { return s }
	}

	accepted := make(map[string]bool, len(cfg.AcceptedContentTypes))
	for _, ct := range cfg.AcceptedContentTypes {
		accepted[ct] = true
	}

	return &Dispatcher{
		ledger:              cfg.Ledger,
		directory:           cfg.Directory,
		archive:             cfg.Archive,
		assistant:           cfg.Assistant,
		sender:              cfg.Sender,
		downloader:          cfg.Downloader,
		files:               cfg.Files,
		classifier:          cfg.Classifier,
		profile:             cfg.Profile,
		logger:              cfg.Logger,
		format:              cfg.Format,
		validateContentType: cfg.ValidateContentType,
		acceptedTypes:       accepted,
		pollInterval:        cfg.PollInterval,
		runTimeout:          cfg.RunTimeout,
		contextWindow:       cfg.ContextWindow,
	}
}

// Handle processes one inbound event to completion. A nil return means the
// queue message can be acked; an error leaves it for redelivery.
func (d *Dispatcher) Handle(ctx context.Context, ev domain.InboundEvent) error {
	if ev.Kind == domain.KindStatus {
		d.logger.Info("status event", "candidate", ev.CandidateID, "message_id", ev.MessageID)
		return nil
	}

	if ev.CandidateID == "" || ev.MessageID == "" {
		return fmt.Errorf("%w: candidate_id=%q message_id=%q", ErrMalformedEvent, ev.CandidateID, ev.MessageID)
	}

	seen, err := d.ledger.HasProcessed(ctx, ev.MessageID)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if seen {
		d.logger.Info("duplicate message ignored", "message_id", ev.MessageID, "candidate", ev.CandidateID)
		return nil
	}

	// Mark before any external call: a crash mid-pass must not replay side
	// effects on the next delivery. The cost is a possible lost reply.
	if err := d.ledger.MarkProcessed(ctx, ev.MessageID); err != nil {
		return fmt.Errorf("dedup mark: %w", err)
	}

	threadID, created, err := d.resolveThread(ctx, ev)
	if err != nil {
		return err
	}

	switch ev.Kind {
	case domain.KindText:
		return d.handleText(ctx, ev, threadID, created)
	case domain.KindDocument:
		return d.handleDocument(ctx, ev)
	case domain.KindUnsupported:
		return d.send(ctx, ev.CandidateID, assistant.Render(d.profile.Unsupported, d.name(ev)))
	default:
		return fmt.Errorf("%w: unhandled kind %q", ErrMalformedEvent, ev.Kind)
	}
}

// resolveThread returns the candidate's thread, provisioning one on first
// contact. Creation is check-then-create: two racing first messages may
// each provision a thread and the later directory write wins.
func (d *Dispatcher) resolveThread(ctx context.Context, ev domain.InboundEvent) (string, bool, error) {
	threadID, err := d.directory.ResolveThread(ctx, ev.CandidateID)
	if err != nil {
		return "", false, fmt.Errorf("resolve thread: %w", err)
	}
	if threadID != "" {
		return threadID, false, nil
	}

	d.logger.Info("creating thread for new candidate", "candidate", ev.CandidateID)
	threadID, err = d.assistant.CreateThread(ctx)
	if err != nil {
		return "", false, fmt.Errorf("create thread: %w", err)
	}
	if err := d.directory.SaveConversation(ctx, ev.CandidateID, threadID); err != nil {
		return "", false, fmt.Errorf("save conversation: %w", err)
	}

	// A returning candidate can land here after a directory loss; replay a
	// bounded transcript into the fresh thread so the assistant keeps context.
	if window := d.contextTranscript(ctx, ev.CandidateID); window != "" {
		if err := d.assistant.AddMessage(ctx, threadID, window); err != nil {
			d.logger.Warn("could not seed thread with history", "candidate", ev.CandidateID, "err", err)
		}
	}

	return threadID, true, nil
}

// handleText runs the full reply pass: append → admission check → run →
// poll → fetch → send. Failures after the append degrade to the fallback
// apology; a busy thread drops the reply entirely.
func (d *Dispatcher) handleText(ctx context.Context, ev domain.InboundEvent, threadID string, created bool) error {
	name := d.name(ev)

	if created {
		if err := d.send(ctx, ev.CandidateID, assistant.Render(d.profile.Welcome, name)); err != nil {
			return fmt.Errorf("send welcome: %w", err)
		}
	}

	if err := d.assistant.AddMessage(ctx, threadID, ev.TextBody); err != nil {
		if errors.Is(err, assistant.ErrRunConflict) {
			d.logger.Warn("persistent run conflict, message not appended",
				"candidate", ev.CandidateID, "thread", threadID)
		} else {
			d.logger.Error("append failed", "candidate", ev.CandidateID, "err", err)
		}
		return d.send(ctx, ev.CandidateID, d.profile.Fallback)
	}

	// Admission check: never start a second run while one is active. A
	// message landing in a busy window gets no reply this pass.
	busy, err := d.assistant.IsBusy(ctx, threadID)
	if err != nil {
		d.logger.Error("busy check failed", "thread", threadID, "err", err)
		return d.send(ctx, ev.CandidateID, d.profile.Fallback)
	}
	if busy {
		d.logger.Info("active run in progress, skipping reply",
			"candidate", ev.CandidateID, "thread", threadID)
		return nil
	}

	runID, err := d.assistant.StartRun(ctx, threadID, assistant.Render(d.profile.Instructions, name))
	if err != nil {
		d.logger.Error("start run failed", "thread", threadID, "err", err)
		return d.send(ctx, ev.CandidateID, d.profile.Fallback)
	}

	status, err := d.assistant.PollUntilTerminal(ctx, threadID, runID, d.runTimeout, d.pollInterval)
	if err != nil {
		d.logger.Error("run poll failed", "thread", threadID, "run", runID, "err", err)
		return d.send(ctx, ev.CandidateID, d.profile.Fallback)
	}
	if status != domain.StatusCompleted {
		d.logger.Error("run did not complete", "thread", threadID, "run", runID, "status", status)
		return d.send(ctx, ev.CandidateID, d.profile.Fallback)
	}

	reply, err := d.assistant.LatestAssistantReply(ctx, threadID)
	if err != nil {
		d.logger.Error("fetch reply failed", "thread", threadID, "err", err)
		return d.send(ctx, ev.CandidateID, d.profile.Fallback)
	}
	if reply == "" {
		d.logger.Warn("run completed without assistant message", "thread", threadID, "run", runID)
		return d.send(ctx, ev.CandidateID, d.profile.Fallback)
	}

	if err := d.send(ctx, ev.CandidateID, reply); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}

	d.archivePair(ctx, ev.CandidateID, ev.TextBody, reply)
	return nil
}

// handleDocument downloads, gates, stores, and acknowledges an upload.
// The acknowledgment goes out only after the store succeeds.
func (d *Dispatcher) handleDocument(ctx context.Context, ev domain.InboundEvent) error {
	if ev.Media == nil || ev.Media.ID == "" {
		return fmt.Errorf("%w: document without media reference", ErrMalformedEvent)
	}
	name := d.name(ev)

	filename := ev.Media.Filename
	if filename == "" {
		filename = fmt.Sprintf("%s_%s.pdf", ev.CandidateID, uuid.NewString())
	}

	data, contentType, err := d.downloader.Download(ctx, ev.Media.ID)
	if err != nil {
		return fmt.Errorf("download media: %w", err)
	}

	if d.validateContentType && !d.acceptedTypes[contentType] {
		d.logger.Info("document rejected by content-type gate",
			"candidate", ev.CandidateID, "content_type", contentType)
		return d.send(ctx, ev.CandidateID, assistant.Render(d.profile.DocumentRejected, name))
	}

	if d.classifier != nil {
		ok, reason, err := d.classifier.ClassifyResume(ctx, filename, contentType, data)
		if err != nil {
			// Fail open: a classifier outage should not block an upload
			// that already passed the content-type gate.
			d.logger.Warn("classifier unavailable, storing anyway", "err", err)
		} else if !ok {
			if reason == "" {
				reason = assistant.Render(d.profile.DocumentRejected, name)
			}
			return d.send(ctx, ev.CandidateID, reason)
		}
	}

	url, err := d.files.Put(ctx, filename, data, contentType)
	if err != nil {
		return fmt.Errorf("store document: %w", err)
	}
	d.logger.Info("resume stored", "candidate", ev.CandidateID, "url", url)

	return d.send(ctx, ev.CandidateID, assistant.Render(d.profile.DocumentReceived, name))
}

// contextTranscript builds a bounded window of archived history, oldest
// first, each entry truncated, for seeding a freshly created thread.
func (d *Dispatcher) contextTranscript(ctx context.Context, candidateID string) string {
	msgs, err := d.archive.RecentMessages(ctx, candidateID, d.contextWindow)
	if err != nil {
		d.logger.Warn("cannot load archived history", "candidate", candidateID, "err", err)
		return ""
	}
	if len(msgs) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Earlier conversation with this candidate:\n")
	for i := len(msgs) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "%s: %s\n", msgs[i].Role, truncateEntry(msgs[i].Body))
	}
	return sb.String()
}

// truncateEntry caps a transcript entry, backing up to a rune boundary so
// the cut never produces invalid UTF-8.
func truncateEntry(s string) string {
	if len(s) <= contextEntryLimit {
		return s
	}
	cut := contextEntryLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func (d *Dispatcher) archivePair(ctx context.Context, candidateID, userBody, reply string) {
	now := time.Now().UTC()
	pair := []domain.ArchivedMessage{
		{CandidateID: candidateID, MessageID: uuid.NewString(), Role: "user", Body: userBody, CreatedAt: now},
		{CandidateID: candidateID, MessageID: uuid.NewString(), Role: "assistant", Body: reply, CreatedAt: now.Add(time.Millisecond)},
	}
	for _, msg := range pair {
		if err := d.archive.SaveArchived(ctx, msg); err != nil {
			d.logger.Warn("failed to archive message", "candidate", candidateID, "role", msg.Role, "err", err)
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, candidateID, text string) error {
	return d.sender.SendText(ctx, candidateID, d.format(text))
}

func (d *Dispatcher) name(ev domain.InboundEvent) string {
	if ev.DisplayName != "" {
		return ev.DisplayName
	}
	return "there"
}
