package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"recruitbot/internal/assistant"
	"recruitbot/internal/domain"
)

type fakeLedger struct {
	seen    map[string]bool
	markErr error
}

func (l *fakeLedger) HasProcessed(ctx context.Context, id string) (bool, error) {
	return l.seen[id], nil
}

func (l *fakeLedger) MarkProcessed(ctx context.Context, id string) error {
	if l.markErr != nil {
		return l.markErr
	}
	l.seen[id] = true
	return nil
}

type fakeDirectory struct {
	threads map[string]string
}

func (d *fakeDirectory) ResolveThread(ctx context.Context, candidateID string) (string, error) {
	return d.threads[candidateID], nil
}

func (d *fakeDirectory) SaveConversation(ctx context.Context, candidateID, threadID string) error {
	d.threads[candidateID] = threadID
	return nil
}

type fakeArchive struct {
	saved []domain.ArchivedMessage
}

func (a *fakeArchive) SaveArchived(ctx context.Context, msg domain.ArchivedMessage) error {
	a.saved = append(a.saved, msg)
	return nil
}

func (a *fakeArchive) RecentMessages(ctx context.Context, candidateID string, limit int) ([]domain.ArchivedMessage, error) {
	var out []domain.ArchivedMessage
	for i := len(a.saved) - 1; i >= 0 && len(out) < limit; i-- {
		if a.saved[i].CandidateID == candidateID {
			out = append(out, a.saved[i])
		}
	}
	return out, nil
}

type fakeAssistant struct {
	busy       bool
	busyErr    error
	addErr     error
	startErr   error
	pollStatus domain.RunStatus
	reply      string
	replyErr   error

	threadsCreated int
	appended       []string
	runsStarted    int
	instructions   string
}

func (f *fakeAssistant) CreateThread(ctx context.Context) (string, error) {
	f.threadsCreated++
	return "thread_new", nil
}

func (f *fakeAssistant) AddMessage(ctx context.Context, threadID, content string) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.appended = append(f.appended, content)
	return nil
}

func (f *fakeAssistant) IsBusy(ctx context.Context, threadID string) (bool, error) {
	return f.busy, f.busyErr
}

func (f *fakeAssistant) StartRun(ctx context.Context, threadID, instructions string) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.runsStarted++
	f.instructions = instructions
	return "run_1", nil
}

func (f *fakeAssistant) PollUntilTerminal(ctx context.Context, threadID, runID string, timeout, interval time.Duration) (domain.RunStatus, error) {
	if f.pollStatus == "" {
		return domain.StatusCompleted, nil
	}
	return f.pollStatus, nil
}

func (f *fakeAssistant) LatestAssistantReply(ctx context.Context, threadID string) (string, error) {
	return f.reply, f.replyErr
}

type fakeSender struct {
	sent []string
}

func (s *fakeSender) SendText(ctx context.Context, candidateID, text string) error {
	s.sent = append(s.sent, text)
	return nil
}

type fakeDownloader struct {
	data        []byte
	contentType string
	err         error
}

func (f *fakeDownloader) Download(ctx context.Context, mediaID string) ([]byte, string, error) {
	return f.data, f.contentType, f.err
}

type fakeFileStore struct {
	puts []string
	err  error
}

func (f *fakeFileStore) Put(ctx context.Context, filename string, data []byte, contentType string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.puts = append(f.puts, filename)
	return "file:///tmp/" + filename, nil
}

type fakeClassifier struct {
	ok     bool
	reason string
	err    error
}

func (f *fakeClassifier) ClassifyResume(ctx context.Context, filename, contentType string, excerpt []byte) (bool, string, error) {
	return f.ok, f.reason, f.err
}

type deps struct {
	ledger     *fakeLedger
	directory  *fakeDirectory
	archive    *fakeArchive
	assist     *fakeAssistant
	sender     *fakeSender
	downloader *fakeDownloader
	files      *fakeFileStore
}

func newTestDispatcher(t *testing.T, mod func(*deps) DispatcherConfig) (*Dispatcher, *deps) {
	t.Helper()
	d := &deps{
		ledger:     &fakeLedger{seen: map[string]bool{}},
		directory:  &fakeDirectory{threads: map[string]string{}},
		archive:    &fakeArchive{},
		assist:     &fakeAssistant{reply: "Here is my answer."},
		sender:     &fakeSender{},
		downloader: &fakeDownloader{data: []byte("%PDF"), contentType: "application/pdf"},
		files:      &fakeFileStore{},
	}
	cfg := DispatcherConfig{
		Ledger:               d.ledger,
		Directory:            d.directory,
		Archive:              d.archive,
		Assistant:            d.assist,
		Sender:               d.sender,
		Downloader:           d.downloader,
		Files:                d.files,
		Profile:              assistant.DefaultProfile(),
		Logger:               slog.New(slog.NewTextHandler(os.Stderr, nil)),
		ValidateContentType:  true,
		AcceptedContentTypes: []string{"application/pdf"},
	}
	if mod != nil {
		cfg = mod(d)
	}
	return NewDispatcher(cfg), d
}

func textEvent(id string) domain.InboundEvent {
	return domain.InboundEvent{
		CandidateID: "15550001111",
		DisplayName: "Dana",
		MessageID:   id,
		Kind:        domain.KindText,
		TextBody:    "What roles are open?",
		ReceivedAt:  time.Now().UTC(),
	}
}

func TestHandle_FirstContactSendsWelcomeAndReply(t *testing.T) {
	disp, d := newTestDispatcher(t, nil)

	if err := disp.Handle(context.Background(), textEvent("wamid.1")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if d.assist.threadsCreated != 1 {
		t.Fatalf("expected 1 thread created, got %d", d.assist.threadsCreated)
	}
	if d.directory.threads["15550001111"] != "thread_new" {
		t.Fatalf("conversation not saved: %v", d.directory.threads)
	}
	if len(d.sender.sent) != 2 {
		t.Fatalf("expected welcome + reply, got %d sends: %v", len(d.sender.sent), d.sender.sent)
	}
	if !strings.Contains(d.sender.sent[0], "Hi Dana") {
		t.Fatalf("first send should be the welcome, got %q", d.sender.sent[0])
	}
	if d.sender.sent[1] != "Here is my answer." {
		t.Fatalf("unexpected reply: %q", d.sender.sent[1])
	}
	if len(d.archive.saved) != 2 {
		t.Fatalf("expected user+assistant archived, got %d", len(d.archive.saved))
	}
	if d.archive.saved[0].Role != "user" || d.archive.saved[1].Role != "assistant" {
		t.Fatalf("unexpected archive roles: %+v", d.archive.saved)
	}
}

func TestHandle_ReturningCandidateSkipsWelcome(t *testing.T) {
	disp, d := newTestDispatcher(t, nil)
	d.directory.threads["15550001111"] = "thread_7"

	if err := disp.Handle(context.Background(), textEvent("wamid.2")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if d.assist.threadsCreated != 0 {
		t.Fatalf("no thread should be created, got %d", d.assist.threadsCreated)
	}
	if len(d.sender.sent) != 1 {
		t.Fatalf("expected reply only, got %v", d.sender.sent)
	}
}

func TestHandle_DuplicateDeliveryIsNoOp(t *testing.T) {
	disp, d := newTestDispatcher(t, nil)
	d.directory.threads["15550001111"] = "thread_7"

	ev := textEvent("wamid.dup")
	if err := disp.Handle(context.Background(), ev); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	if err := disp.Handle(context.Background(), ev); err != nil {
		t.Fatalf("second handle: %v", err)
	}

	if len(d.sender.sent) != 1 {
		t.Fatalf("duplicate must not produce a second reply, got %v", d.sender.sent)
	}
	if d.assist.runsStarted != 1 {
		t.Fatalf("duplicate must not start a run, got %d", d.assist.runsStarted)
	}
}

func TestHandle_BusyThreadSkipsReply(t *testing.T) {
	disp, d := newTestDispatcher(t, nil)
	d.directory.threads["15550001111"] = "thread_7"
	d.assist.busy = true

	if err := disp.Handle(context.Background(), textEvent("wamid.3")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if d.assist.runsStarted != 0 {
		t.Fatalf("no run may start while busy, got %d", d.assist.runsStarted)
	}
	if len(d.sender.sent) != 0 {
		t.Fatalf("busy skip must not send anything, got %v", d.sender.sent)
	}
	if len(d.appendedOnly(d.assist.appended)) != 1 {
		t.Fatalf("message must still be appended before the busy check")
	}
}

// appendedOnly filters out history-seed appends for assertions.
func (d *deps) appendedOnly(in []string) []string {
	var out []string
	for _, s := range in {
		if !strings.HasPrefix(s, "Earlier conversation") {
			out = append(out, s)
		}
	}
	return out
}

func TestHandle_RunConflictFallsBackToApology(t *testing.T) {
	disp, d := newTestDispatcher(t, nil)
	d.directory.threads["15550001111"] = "thread_7"
	d.assist.addErr = assistant.ErrRunConflict

	if err := disp.Handle(context.Background(), textEvent("wamid.4")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(d.sender.sent) != 1 || !strings.Contains(d.sender.sent[0], "Sorry") {
		t.Fatalf("expected apology, got %v", d.sender.sent)
	}
	if d.assist.runsStarted != 0 {
		t.Fatalf("no run after failed append, got %d", d.assist.runsStarted)
	}
}

func TestHandle_FailedRunFallsBackToApology(t *testing.T) {
	disp, d := newTestDispatcher(t, nil)
	d.directory.threads["15550001111"] = "thread_7"
	d.assist.pollStatus = domain.StatusFailed

	if err := disp.Handle(context.Background(), textEvent("wamid.5")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(d.sender.sent) != 1 || !strings.Contains(d.sender.sent[0], "Sorry") {
		t.Fatalf("expected apology, got %v", d.sender.sent)
	}
	if len(d.archive.saved) != 0 {
		t.Fatalf("failed pass must not archive, got %+v", d.archive.saved)
	}
}

func TestHandle_EmptyReplyFallsBackToApology(t *testing.T) {
	disp, d := newTestDispatcher(t, nil)
	d.directory.threads["15550001111"] = "thread_7"
	d.assist.reply = ""

	if err := disp.Handle(context.Background(), textEvent("wamid.6")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(d.sender.sent) != 1 || !strings.Contains(d.sender.sent[0], "Sorry") {
		t.Fatalf("expected apology, got %v", d.sender.sent)
	}
}

func TestHandle_RunInstructionsArePersonalized(t *testing.T) {
	disp, d := newTestDispatcher(t, nil)
	d.directory.threads["15550001111"] = "thread_7"

	if err := disp.Handle(context.Background(), textEvent("wamid.7")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(d.assist.instructions, "Dana") {
		t.Fatalf("instructions not personalized: %q", d.assist.instructions)
	}
}

func documentEvent(id, filename string) domain.InboundEvent {
	return domain.InboundEvent{
		CandidateID: "15550001111",
		DisplayName: "Dana",
		MessageID:   id,
		Kind:        domain.KindDocument,
		Media:       &domain.MediaReference{ID: "media9", Filename: filename},
		ReceivedAt:  time.Now().UTC(),
	}
}

func TestHandle_DocumentStoredAndAcknowledged(t *testing.T) {
	disp, d := newTestDispatcher(t, nil)
	d.directory.threads["15550001111"] = "thread_7"

	if err := disp.Handle(context.Background(), documentEvent("wamid.8", "resume.pdf")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(d.files.puts) != 1 || d.files.puts[0] != "resume.pdf" {
		t.Fatalf("expected stored resume.pdf, got %v", d.files.puts)
	}
	if len(d.sender.sent) != 1 || !strings.Contains(d.sender.sent[0], "received your resume") {
		t.Fatalf("expected acknowledgment, got %v", d.sender.sent)
	}
}

func TestHandle_ContentTypeGateRejectsWithoutStoring(t *testing.T) {
	disp, d := newTestDispatcher(t, nil)
	d.directory.threads["15550001111"] = "thread_7"
	d.downloader.contentType = "image/png"

	if err := disp.Handle(context.Background(), documentEvent("wamid.9", "photo.png")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(d.files.puts) != 0 {
		t.Fatalf("rejected upload must not be stored, got %v", d.files.puts)
	}
	if len(d.sender.sent) != 1 || !strings.Contains(d.sender.sent[0], "Only PDF or Word") {
		t.Fatalf("expected rejection reply, got %v", d.sender.sent)
	}
}

func TestHandle_ClassifierRejectionUsesStatedReason(t *testing.T) {
	disp, d := newTestDispatcher(t, func(d *deps) DispatcherConfig {
		return DispatcherConfig{
			Ledger:               d.ledger,
			Directory:            d.directory,
			Archive:              d.archive,
			Assistant:            d.assist,
			Sender:               d.sender,
			Downloader:           d.downloader,
			Files:                d.files,
			Classifier:           &fakeClassifier{ok: false, reason: "This looks like an invoice, not a resume."},
			Profile:              assistant.DefaultProfile(),
			Logger:               slog.New(slog.NewTextHandler(os.Stderr, nil)),
			ValidateContentType:  true,
			AcceptedContentTypes: []string{"application/pdf"},
		}
	})
	d.directory.threads["15550001111"] = "thread_7"

	if err := disp.Handle(context.Background(), documentEvent("wamid.10", "invoice.pdf")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(d.files.puts) != 0 {
		t.Fatalf("classifier rejection must not store, got %v", d.files.puts)
	}
	if len(d.sender.sent) != 1 || !strings.Contains(d.sender.sent[0], "invoice") {
		t.Fatalf("expected classifier reason, got %v", d.sender.sent)
	}
}

func TestHandle_DownloadFailureLeavesEventForRedelivery(t *testing.T) {
	disp, d := newTestDispatcher(t, nil)
	d.directory.threads["15550001111"] = "thread_7"
	d.downloader.err = errors.New("graph api unreachable")

	if err := disp.Handle(context.Background(), documentEvent("wamid.11", "resume.pdf")); err == nil {
		t.Fatal("expected error for failed download")
	}
	if len(d.sender.sent) != 0 {
		t.Fatalf("nothing should be sent on download failure, got %v", d.sender.sent)
	}
}

func TestHandle_UnsupportedKindGetsLimitsReply(t *testing.T) {
	disp, d := newTestDispatcher(t, nil)
	d.directory.threads["15550001111"] = "thread_7"

	ev := textEvent("wamid.12")
	ev.Kind = domain.KindUnsupported
	ev.TextBody = ""

	if err := disp.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(d.sender.sent) != 1 || !strings.Contains(d.sender.sent[0], "only support text and resume") {
		t.Fatalf("expected capability-limits reply, got %v", d.sender.sent)
	}
	if d.assist.runsStarted != 0 {
		t.Fatalf("unsupported kind must not start a run")
	}
}

func TestHandle_StatusEventIsNoOp(t *testing.T) {
	disp, d := newTestDispatcher(t, nil)

	ev := domain.InboundEvent{Kind: domain.KindStatus, MessageID: "wamid.13"}
	if err := disp.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(d.sender.sent) != 0 || d.assist.runsStarted != 0 {
		t.Fatal("status events must have no side effects")
	}
	if d.ledger.seen["wamid.13"] {
		t.Fatal("status events should not consume ledger entries")
	}
}

func TestHandle_MissingIdentifiersIsMalformed(t *testing.T) {
	disp, _ := newTestDispatcher(t, nil)

	ev := domain.InboundEvent{Kind: domain.KindText, TextBody: "hi"}
	err := disp.Handle(context.Background(), ev)
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestHandle_MarkFailureAbortsBeforeExternalCalls(t *testing.T) {
	disp, d := newTestDispatcher(t, nil)
	d.ledger.markErr = errors.New("db locked")

	if err := disp.Handle(context.Background(), textEvent("wamid.14")); err == nil {
		t.Fatal("expected error when mark fails")
	}
	if d.assist.threadsCreated != 0 || len(d.sender.sent) != 0 {
		t.Fatal("no external call may happen before the dedup mark")
	}
}

func TestHandle_FreshThreadSeededWithHistory(t *testing.T) {
	disp, d := newTestDispatcher(t, nil)
	d.archive.saved = []domain.ArchivedMessage{
		{CandidateID: "15550001111", MessageID: "m1", Role: "user", Body: "Earlier question", CreatedAt: time.Now().Add(-time.Hour)},
		{CandidateID: "15550001111", MessageID: "m2", Role: "assistant", Body: "Earlier answer", CreatedAt: time.Now().Add(-time.Hour)},
	}

	if err := disp.Handle(context.Background(), textEvent("wamid.15")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(d.assist.appended) < 2 {
		t.Fatalf("expected history seed + message, got %v", d.assist.appended)
	}
	if !strings.Contains(d.assist.appended[0], "Earlier question") {
		t.Fatalf("history seed missing, got %q", d.assist.appended[0])
	}
}

func TestHandle_HistorySeedTruncatesOnRuneBoundary(t *testing.T) {
	disp, d := newTestDispatcher(t, nil)
	// 3-byte runes whose total length is not a multiple of the entry cap,
	// so a byte-indexed cut would land mid-rune.
	long := strings.Repeat("候", 200)
	d.archive.saved = []domain.ArchivedMessage{
		{CandidateID: "15550001111", MessageID: "m1", Role: "user", Body: long, CreatedAt: time.Now().Add(-time.Hour)},
	}

	if err := disp.Handle(context.Background(), textEvent("wamid.16")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	seed := d.assist.appended[0]
	if !utf8.ValidString(seed) {
		t.Fatalf("history seed contains invalid UTF-8: %q", seed)
	}
	if !strings.Contains(seed, "…") {
		t.Fatalf("long entry should be truncated, got %q", seed)
	}
}
