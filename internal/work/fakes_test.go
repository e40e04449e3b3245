package work

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream unavailable")

func items(ids ...string) []WorkItem {
	out := make([]WorkItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, WorkItem{ID: id, Kind: KindTranscription, Payload: Payload{Text: "text " + id}})
	}
	return out
}

func ids(list []WorkItem) []string {
	out := make([]string, 0, len(list))
	for _, it := range list {
		out = append(out, it.ID)
	}
	return out
}

func subject(lang string) Subject {
	return Subject{LanguageID: lang, Kind: KindTranscription, Proficiency: 1, Count: 3}
}

// fakeSource serves fetches through handler and records every request.
type fakeSource struct {
	mu      sync.Mutex
	calls   []FetchRequest
	handler func(call int, req FetchRequest) ([]WorkItem, error)
}

func (f *fakeSource) Fetch(_ context.Context, req FetchRequest) ([]WorkItem, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return nil, nil
	}
	return h(n, req)
}

func (f *fakeSource) Calls() []FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FetchRequest(nil), f.calls...)
}

// queued returns a handler answering the n-th call with batches[n-1].
func queued(batches ...[]WorkItem) func(int, FetchRequest) ([]WorkItem, error) {
	return func(call int, _ FetchRequest) ([]WorkItem, error) {
		if call > len(batches) {
			return nil, nil
		}
		return batches[call-1], nil
	}
}

type fakeSteps struct {
	mu    sync.Mutex
	calls []StepSubmission
	err   error
}

func (f *fakeSteps) SubmitStep(_ context.Context, s StepSubmission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
	return f.err
}

func (f *fakeSteps) Calls() []StepSubmission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]StepSubmission(nil), f.calls...)
}

func (f *fakeSteps) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeStore struct {
	mu    sync.Mutex
	calls []NewContribution
	err   error
	next  int
	// onCreate runs before each call is recorded, outside the lock.
	onCreate func()
}

func (f *fakeStore) CreateContribution(_ context.Context, c NewContribution) (string, error) {
	f.mu.Lock()
	hook := f.onCreate
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.err != nil {
		return "", f.err
	}
	f.next++
	return "contrib-" + string(rune('0'+f.next)), nil
}

func (f *fakeStore) Calls() []NewContribution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]NewContribution(nil), f.calls...)
}

func (f *fakeStore) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeVoter struct {
	mu    sync.Mutex
	votes []Vote
	err   error
}

func (f *fakeVoter) Vote(_ context.Context, v Vote) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.votes = append(f.votes, v)
	return f.err
}

func (f *fakeVoter) Votes() []Vote {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Vote(nil), f.votes...)
}

type memJournal struct {
	mu      sync.Mutex
	entries []JournalEntry
}

func (j *memJournal) Record(_ context.Context, e JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) Entries() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]JournalEntry(nil), j.entries...)
}

// waitForItems blocks until the buffer holds want ids.
func waitForItems(t *testing.T, b *Buffer, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := b.DedupIDs()
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond, "buffer never reached %v (have %v)", want, b.DedupIDs())
}
