package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"NewsDigest/internal/domain"
	"NewsDigest/internal/ports"
	"NewsDigest/internal/schema"
	"NewsDigest/internal/settings"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noRetry() RetryPolicy {
	return RetryPolicy{Attempts: 1, Base: time.Millisecond}
}

type sentMail struct {
	to, subject, html string
}

type fakeMailbox struct {
	mu         sync.Mutex
	messages   map[string]domain.Message
	order      []string
	listErr    error
	updateErr  error
	archiveErr error
	filters    []domain.ListFilter
	updates    map[string][]domain.StateChange
	archived   []string
	deleted    []string
	sent       []sentMail
	closed     int
}

func newFakeMailbox(msgs ...domain.Message) *fakeMailbox {
	mb := &fakeMailbox{messages: map[string]domain.Message{}, updates: map[string][]domain.StateChange{}}
	for _, m := range msgs {
		mb.messages[m.ID] = m
		mb.order = append(mb.order, m.ID)
	}
	return mb
}

func (m *fakeMailbox) Open(context.Context) (ports.Mailbox, error) {
	return m, nil
}

func (m *fakeMailbox) ListMessages(_ context.Context, filter domain.ListFilter) ([]domain.MessageStub, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, filter)
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.MessageStub
	for _, id := range m.order {
		msg := m.messages[id]
		excluded := false
		for _, l := range filter.ExcludeLabels {
			if msg.HasLabel(l) {
				excluded = true
			}
		}
		if !excluded {
			out = append(out, domain.MessageStub{ID: id})
		}
	}
	return out, nil
}

func (m *fakeMailbox) ParseMessage(_ context.Context, id string) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return domain.Message{}, errors.New("no such message")
	}
	return msg, nil
}

func (m *fakeMailbox) UpdateMessageState(_ context.Context, id string, change domain.StateChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updates[id] = append(m.updates[id], change)
	msg := m.messages[id]
	msg.Labels = append(msg.Labels, change.AddLabels...)
	m.messages[id] = msg
	return nil
}

func (m *fakeMailbox) ArchiveMessage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.archiveErr != nil {
		return m.archiveErr
	}
	m.archived = append(m.archived, id)
	return nil
}

func (m *fakeMailbox) DeleteMessage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *fakeMailbox) SendHTML(_ context.Context, to, subject, html string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{to: to, subject: subject, html: html})
	return "<sent@test>", nil
}

func (m *fakeMailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *fakeMailbox) labels(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages[id].Labels...)
}

func (m *fakeMailbox) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type fakeExtractor struct {
	mu    sync.Mutex
	pages map[string]domain.Page
	calls []ports.FetchRequest
}

func (e *fakeExtractor) Fetch(_ context.Context, req ports.FetchRequest) (domain.Page, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, req)
	page, ok := e.pages[req.URL]
	if !ok {
		return domain.Page{}, false
	}
	if !req.DownloadMedia {
		page.Images = nil
	}
	return page, true
}

func (e *fakeExtractor) requests() []ports.FetchRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := append([]ports.FetchRequest(nil), e.calls...)
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// fakeClassifier answers by schema name.
type fakeClassifier struct {
	mu        sync.Mutex
	responses map[string]string
	err       error
	texts     map[string][]string
}

func (c *fakeClassifier) Classify(_ context.Context, text string, s schema.Schema) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.texts == nil {
		c.texts = map[string][]string{}
	}
	c.texts[s.Name] = append(c.texts[s.Name], text)
	if c.err != nil {
		return "", c.err
	}
	return c.responses[s.Name], nil
}

func (c *fakeClassifier) calls(name string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts[name]...)
}

type fakeRenderer struct{}

func (fakeRenderer) Render(kind domain.DigestKind, articles []domain.NormalizedArticle) (string, error) {
	html := "<html>" + string(kind)
	for _, a := range articles {
		html += "|" + a.Title
	}
	return html + "</html>", nil
}

type fakeHistory struct {
	mu         sync.Mutex
	delivered  map[string]bool
	deliveries []domain.Delivery
}

func (h *fakeHistory) Delivered(_ context.Context, links []string) (map[string]bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := map[string]bool{}
	for _, l := range links {
		if h.delivered[l] {
			out[l] = true
		}
	}
	return out, nil
}

func (h *fakeHistory) RecordDelivery(_ context.Context, d domain.Delivery) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliveries = append(h.deliveries, d)
	return nil
}

type staticSettings struct {
	mu   sync.Mutex
	snap settings.Settings
}

func (s *staticSettings) Snapshot() settings.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone()
}

func (s *staticSettings) set(fn func(*settings.Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
}

// manualClock fires timers only when Advance passes their deadline.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newManualClock(now time.Time) *manualClock {
	return &manualClock{now: now}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) ports.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs due callbacks on the calling goroutine.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

func (c *manualClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}
