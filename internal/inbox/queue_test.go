package inbox

import (
	"context"
	"errors"
	"net/http"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeckmann/schulsync/internal/provider"
)

// fakeBackend is an in-memory Provider. Listing an unknown directory yields
// an empty result, matching the Provider contract.
type fakeBackend struct {
	files     map[string][]byte
	moves     []string
	failMove  map[string]error
	failFetch map[string]error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		files:     make(map[string][]byte),
		failMove:  make(map[string]error),
		failFetch: make(map[string]error),
	}
}

func (f *fakeBackend) List(_ context.Context, dir string) ([]provider.Entry, error) {
	var entries []provider.Entry

	for p := range f.files {
		if path.Dir(p) == dir {
			entries = append(entries, provider.Entry{
				Name:   path.Base(p),
				Path:   p,
				IsFile: true,
				Size:   int64(len(f.files[p])),
			})
		}
	}

	return entries, nil
}

func (f *fakeBackend) Download(_ context.Context, p string) ([]byte, error) {
	if err := f.failFetch[p]; err != nil {
		return nil, err
	}

	data, ok := f.files[p]
	if !ok {
		return nil, &provider.Error{Backend: "fake", StatusCode: http.StatusNotFound, Err: provider.ErrNotFound}
	}

	return data, nil
}

func (f *fakeBackend) Upload(_ context.Context, p string, data []byte, _ provider.WriteMode) error {
	f.files[p] = data
	return nil
}

func (f *fakeBackend) Move(_ context.Context, from, to string, _ bool) error {
	if err := f.failMove[from]; err != nil {
		return err
	}

	f.moves = append(f.moves, from+" -> "+to)
	f.files[to] = f.files[from]
	delete(f.files, from)

	return nil
}

func (f *fakeBackend) Delete(_ context.Context, p string) error {
	delete(f.files, p)
	return nil
}

func (f *fakeBackend) Quota(_ context.Context) (provider.Quota, error) {
	return provider.Quota{}, provider.ErrQuotaUnsupported
}

const inboxDir = "/schulsync/inbox"

func validSubmission(last string) []byte {
	return []byte(`{"last_name": "` + last + `", "first_name": "Erika", "phone": "0151 1234567"}`)
}

func TestPoll_ConsumesValidLeavesMalformed(t *testing.T) {
	backend := newFakeBackend()
	backend.files[inboxDir+"/application_a.json"] = validSubmission("Anders")
	backend.files[inboxDir+"/application_b.json"] = validSubmission("Berger")
	backend.files[inboxDir+"/application_c.json"] = validSubmission("Conrad")
	backend.files[inboxDir+"/application_broken.json"] = []byte(`{"first_name": "NoLastName"}`)
	backend.files[inboxDir+"/notes.txt"] = []byte("not a submission")

	q := NewQueue(backend, inboxDir, nil)

	result, err := q.Poll(context.Background())
	require.NoError(t, err)

	assert.Len(t, result.Submissions, 3)
	require.Len(t, result.Malformed, 1)
	assert.Equal(t, inboxDir+"/application_broken.json", result.Malformed[0].Path)

	// Valid items moved to processed, malformed and non-matching left alone.
	assert.Len(t, backend.moves, 3)
	assert.Contains(t, backend.files, inboxDir+"/processed/application_a.json")
	assert.Contains(t, backend.files, inboxDir+"/application_broken.json")
	assert.Contains(t, backend.files, inboxDir+"/notes.txt")
}

func TestPoll_EmptyInbox(t *testing.T) {
	q := NewQueue(newFakeBackend(), inboxDir, nil)

	result, err := q.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Submissions)
	assert.Empty(t, result.Malformed)
}

func TestPoll_SecondPollYieldsNothing(t *testing.T) {
	backend := newFakeBackend()
	backend.files[inboxDir+"/application_a.json"] = validSubmission("Anders")

	q := NewQueue(backend, inboxDir, nil)

	first, err := q.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Submissions, 1)

	second, err := q.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second.Submissions, "a consumed item must never be yielded again")
}

func TestPoll_MoveFailureKeepsItemClaimable(t *testing.T) {
	backend := newFakeBackend()
	backend.files[inboxDir+"/application_a.json"] = validSubmission("Anders")
	backend.files[inboxDir+"/application_b.json"] = validSubmission("Berger")
	backend.failMove[inboxDir+"/application_a.json"] = errors.New("network blip")

	q := NewQueue(backend, inboxDir, nil)

	result, err := q.Poll(context.Background())
	require.NoError(t, err)

	// Only the relocated item is yielded; the failed one stays claimable.
	require.Len(t, result.Submissions, 1)
	assert.Equal(t, "Berger", result.Submissions[0].Application.LastName)
	assert.Contains(t, backend.files, inboxDir+"/application_a.json")

	// Next poll succeeds for the stuck item.
	backend.failMove = map[string]error{}

	retry, err := q.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, retry.Submissions, 1)
	assert.Equal(t, "Anders", retry.Submissions[0].Application.LastName)
}

func TestPoll_DownloadFailureIsolated(t *testing.T) {
	backend := newFakeBackend()
	backend.files[inboxDir+"/application_a.json"] = validSubmission("Anders")
	backend.files[inboxDir+"/application_b.json"] = validSubmission("Berger")
	backend.failFetch[inboxDir+"/application_a.json"] = errors.New("timeout")

	q := NewQueue(backend, inboxDir, nil)

	result, err := q.Poll(context.Background())
	require.NoError(t, err, "one failing item must not abort the poll")
	require.Len(t, result.Submissions, 1)
	assert.Equal(t, "Berger", result.Submissions[0].Application.LastName)
}

// fakeQuerier returns canned table rows.
type fakeQuerier struct {
	rows []map[string]any
	err  error
}

func (f *fakeQuerier) Query(_ context.Context, _ string, _ map[string]string) ([]map[string]any, error) {
	return f.rows, f.err
}

func TestPollTable_YieldsRowsWithSyntheticPaths(t *testing.T) {
	tq := &fakeQuerier{rows: []map[string]any{
		{"id": float64(7), "last_name": "Anders", "first_name": "Erika"},
		{"id": float64(8), "last_name": "Berger", "first_name": "Max"},
		{"id": float64(9), "first_name": "NoLastName"},
	}}

	result, err := PollTable(context.Background(), tq, "applications", nil)
	require.NoError(t, err)

	require.Len(t, result.Submissions, 2)
	assert.Equal(t, "supabase://applications/7", result.Submissions[0].Path)
	assert.Equal(t, "Anders", result.Submissions[0].Application.LastName)
	assert.Equal(t, "supabase://applications/8", result.Submissions[1].Path)

	require.Len(t, result.Malformed, 1)
	assert.Equal(t, "supabase://applications/9", result.Malformed[0].Path)
}

func TestPollTable_QueryFailureAborts(t *testing.T) {
	tq := &fakeQuerier{err: errors.New("connection refused")}

	_, err := PollTable(context.Background(), tq, "applications", nil)
	require.Error(t, err)
}
