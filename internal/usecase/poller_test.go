package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"NewsDigest/internal/domain"
	"NewsDigest/internal/settings"
)

type countingRearmer struct{ calls atomic.Int32 }

func (r *countingRearmer) Rearm() { r.calls.Add(1) }

type recordingJobs struct {
	mu     sync.Mutex
	jobs   []Job
	reject bool
}

func (j *recordingJobs) Submit(job Job) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.reject {
		return false
	}
	j.jobs = append(j.jobs, job)
	return true
}

type recordingRunner struct {
	digests atomic.Int32
	mu      sync.Mutex
	reposts []domain.Message
}

func (r *recordingRunner) RunDigest(context.Context) error {
	r.digests.Add(1)
	return nil
}

func (r *recordingRunner) RunRepost(_ context.Context, msg domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reposts = append(r.reposts, msg)
	return nil
}

type pollerFixture struct {
	mailbox *fakeMailbox
	store   *settings.Store
	rearmer *countingRearmer
	jobs    *recordingJobs
	runner  *recordingRunner
	poller  *Poller
}

func newPollerFixture(t *testing.T, msgs ...domain.Message) *pollerFixture {
	t.Helper()

	root := t.TempDir()
	configs := filepath.Join(root, "configs")
	require.NoError(t, os.Mkdir(configs, 0o755))
	store, err := settings.Open(configs, filepath.Join(root, "setup.json"), discardLogger())
	require.NoError(t, err)
	_, err = store.Apply(settings.Control{"whitelisted_senders": []byte(`["boss@lab.org"]`)})
	require.NoError(t, err)

	f := &pollerFixture{
		mailbox: newFakeMailbox(msgs...),
		store:   store,
		rearmer: &countingRearmer{},
		jobs:    &recordingJobs{},
		runner:  &recordingRunner{},
	}
	f.poller = NewPoller(PollerDeps{
		Mailboxes: f.mailbox,
		Settings:  store,
		Schedule:  f.rearmer,
		Jobs:      f.jobs,
		Runner:    f.runner,
		Clock:     newManualClock(mondayMorning),
		Logger:    discardLogger(),
		Retry:     noRetry(),
	})
	return f
}

func TestPollTagsUnauthorizedSenders(t *testing.T) {
	t.Parallel()

	f := newPollerFixture(t, domain.Message{ID: "x1", Sender: "Stranger <who@else.org>", Title: "hi"})
	require.Equal(t, 1, f.poller.PollOnce(context.Background()))
	require.Contains(t, f.mailbox.labels("x1"), domain.LabelNotWhitelisted)
	require.Empty(t, f.jobs.jobs)
	require.Empty(t, f.mailbox.archived)

	require.Zero(t, f.poller.PollOnce(context.Background()), "tagged message must not be listed again")
}

func TestPollAppliesControlMessage(t *testing.T) {
	t.Parallel()

	f := newPollerFixture(t, domain.Message{
		ID:     "c1",
		Sender: "The Boss <BOSS@lab.org>",
		Title:  " Config ",
		Text:   `{"days":["Friday"],"release_time_str":"10:00:00","send_now":true}`,
	})
	require.Equal(t, 1, f.poller.PollOnce(context.Background()))

	snap := f.store.Snapshot()
	require.Equal(t, []string{"Friday"}, snap.Days)
	require.Equal(t, int32(1), f.rearmer.calls.Load())
	require.Len(t, f.jobs.jobs, 1)
	require.Equal(t, string(domain.KindDigest), f.jobs.jobs[0].Kind)
	require.Contains(t, f.mailbox.labels("c1"), domain.LabelProcessed)
	require.Equal(t, []string{"c1"}, f.mailbox.archived)

	require.NoError(t, f.jobs.jobs[0].Run(context.Background()))
	require.Equal(t, int32(1), f.runner.digests.Load())
}

func TestPollConsumesMalformedControlMessage(t *testing.T) {
	t.Parallel()

	f := newPollerFixture(t, domain.Message{ID: "c2", Sender: "boss@lab.org", Title: "config", Text: "please set days to friday"})
	require.Equal(t, 1, f.poller.PollOnce(context.Background()))
	require.Zero(t, f.rearmer.calls.Load())
	require.Empty(t, f.jobs.jobs)
	require.Equal(t, []string{"c2"}, f.mailbox.archived)
}

func TestPollSubmitsRepostAfterArchiving(t *testing.T) {
	t.Parallel()

	msg := domain.Message{ID: "r1", Sender: "boss@lab.org", Title: "Share this", Links: []string{"https://eth.ch/talk"}}
	f := newPollerFixture(t, msg)
	require.Equal(t, 1, f.poller.PollOnce(context.Background()))
	require.Equal(t, []string{"r1"}, f.mailbox.archived)
	require.Len(t, f.jobs.jobs, 1)
	require.Equal(t, string(domain.KindRepost), f.jobs.jobs[0].Kind)

	require.NoError(t, f.jobs.jobs[0].Run(context.Background()))
	require.Len(t, f.runner.reposts, 1)
	require.Equal(t, "r1", f.runner.reposts[0].ID)
}

func TestPollDeletesHandledMessagesWhenConfigured(t *testing.T) {
	t.Parallel()

	msg := domain.Message{ID: "r2", Sender: "boss@lab.org", Title: "Share this"}
	f := newPollerFixture(t, msg)
	f.poller.deleteHandled = true

	require.Equal(t, 1, f.poller.PollOnce(context.Background()))
	require.Equal(t, []string{"r2"}, f.mailbox.deleted)
	require.Empty(t, f.mailbox.archived)
	require.Contains(t, f.mailbox.labels("r2"), domain.LabelProcessed)
	require.Len(t, f.jobs.jobs, 1)
}

func TestPollDegradesOnListFailure(t *testing.T) {
	t.Parallel()

	f := newPollerFixture(t, domain.Message{ID: "r1", Sender: "boss@lab.org", Title: "x"})
	f.mailbox.listErr = errors.New("imap down")
	require.Zero(t, f.poller.PollOnce(context.Background()))
}

func TestPollContinuesPastBadMessage(t *testing.T) {
	t.Parallel()

	f := newPollerFixture(t, domain.Message{ID: "ok", Sender: "boss@lab.org", Title: "Share"})
	f.mailbox.order = append([]string{"missing"}, f.mailbox.order...)

	require.Equal(t, 1, f.poller.PollOnce(context.Background()))
	require.Len(t, f.jobs.jobs, 1)
}

func TestPollLeavesRepostWhenMailboxRejectsMutations(t *testing.T) {
	t.Parallel()

	f := newPollerFixture(t, domain.Message{ID: "r1", Sender: "boss@lab.org", Title: "Share"})
	f.mailbox.updateErr = errors.New("read only")
	f.mailbox.archiveErr = errors.New("read only")

	require.Zero(t, f.poller.PollOnce(context.Background()))
	require.Empty(t, f.jobs.jobs)
}

func TestPollFilterExcludesHandledLabels(t *testing.T) {
	t.Parallel()

	f := newPollerFixture(t)
	f.poller.PollOnce(context.Background())

	filter := f.mailbox.filters[0]
	require.ElementsMatch(t, []string{
		domain.LabelNotWhitelisted,
		domain.LabelProcessed,
		domain.LabelAnalyzed,
	}, filter.ExcludeLabels)
	require.False(t, *filter.Archived)
	require.Equal(t, 10, filter.MaxResults)
}
