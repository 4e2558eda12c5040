package status_test

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/recorderd/internal/errors"
	"codeberg.org/mutker/recorderd/internal/journal"
	"codeberg.org/mutker/recorderd/internal/metrics"
	"codeberg.org/mutker/recorderd/internal/recorder"
	"codeberg.org/mutker/recorderd/internal/status"
	"codeberg.org/mutker/recorderd/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu   sync.Mutex
	snap recorder.Snapshot
}

func (s *fakeSource) Snapshot() recorder.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *fakeSource) Set(snap recorder.Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

type fakeJournal struct {
	entries []journal.Entry
	err     error
	limit   int
}

func (j *fakeJournal) Record(context.Context, *journal.Entry) error { return nil }
func (j *fakeJournal) Close() error                                 { return nil }

func (j *fakeJournal) Recent(_ context.Context, limit int) ([]journal.Entry, error) {
	j.limit = limit
	return j.entries, j.err
}

var started = time.Date(2026, time.October, 19, 15, 15, 0, 0, time.UTC)

func recording() recorder.Snapshot {
	return recorder.Snapshot{
		State: recorder.StateRecording,
		CurrentSegment: &recorder.SegmentRef{
			ID:       "7b0b3c1e-0000-4000-8000-000000000001",
			Slot:     started.Unix(),
			Attempt:  1,
			Start:    started,
			Duration: 15 * time.Minute,
			Path:     "/mnt/box/Other/CatCam/2026/10/19/PM-03-15-00.mp4",
		},
		MountHealth: storage.MountHealth{Status: storage.StatusHealthy, FreeBytes: 5 << 30},
		Counters:    recorder.Counters{Attempts: 3, Finalized: 2},
		UpdatedAt:   started,
	}
}

func blocked() recorder.Snapshot {
	return recorder.Snapshot{
		State: recorder.StateStorageBlocked,
		LastError: &recorder.LastError{
			Code:    errors.ErrMountUnhealthy,
			Message: "mount unhealthy: local-fallback-detected",
			At:      started,
		},
		MountHealth: storage.MountHealth{
			Status: storage.StatusDegraded,
			Reason: storage.ReasonLocalFallbackDetected,
		},
		Backoff:   10 * time.Second,
		UpdatedAt: started,
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	src := &fakeSource{snap: recording()}
	r := status.NewReporter(src, nil, nil, zerolog.Nop())

	rec := get(t, r.Router(), "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var v status.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, recorder.StateRecording, v.State)
	assert.True(t, v.Ready)
	require.NotNil(t, v.CurrentSegmentStart)
	assert.True(t, started.Equal(*v.CurrentSegmentStart))
	require.NotNil(t, v.CurrentSegment)
	assert.Equal(t, "/mnt/box/Other/CatCam/2026/10/19/PM-03-15-00.mp4", v.CurrentSegment.Path)
	assert.Equal(t, storage.StatusHealthy, v.MountHealth.Status)
	assert.Equal(t, uint64(2), v.Counters.Finalized)
	assert.Nil(t, v.LastError)
}

func TestStatusEndpointBlocked(t *testing.T) {
	src := &fakeSource{snap: blocked()}
	r := status.NewReporter(src, nil, nil, zerolog.Nop())

	rec := get(t, r.Router(), "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var v status.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, recorder.StateStorageBlocked, v.State)
	assert.False(t, v.Ready)
	assert.Nil(t, v.CurrentSegmentStart)
	require.NotNil(t, v.LastError)
	assert.Equal(t, errors.ErrMountUnhealthy, v.LastError.Code)
	assert.Equal(t, storage.ReasonLocalFallbackDetected, v.MountHealth.Reason)
	assert.InDelta(t, 10.0, v.BackoffSeconds, 0.001)
}

func TestHealthAndReadiness(t *testing.T) {
	src := &fakeSource{snap: recording()}
	h := status.NewReporter(src, nil, nil, zerolog.Nop()).Router()

	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)

	for _, st := range []recorder.State{
		recorder.StateStarting,
		recorder.StateReconnecting,
		recorder.StateStorageBlocked,
		recorder.StateStopped,
	} {
		src.Set(recorder.Snapshot{State: st})
		assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/readyz").Code, st)
		assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code, st)
	}
}

func TestSegmentsEndpoint(t *testing.T) {
	j := &fakeJournal{entries: []journal.Entry{
		{SegmentID: "b", Status: "failed", Cause: string(errors.ErrCameraUnreachable)},
		{SegmentID: "a", Status: "finalized"},
	}}
	h := status.NewReporter(&fakeSource{}, j, nil, zerolog.Nop()).Router()

	rec := get(t, h, "/api/segments")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 20, j.limit)

	var got []journal.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].SegmentID)

	rec = get(t, h, "/api/segments?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, j.limit)

	for _, bad := range []string{"0", "-1", "abc", "501"} {
		assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/segments?limit="+bad).Code, bad)
	}
}

func TestSegmentsEndpointEmptyAndError(t *testing.T) {
	h := status.NewReporter(&fakeSource{}, nil, nil, zerolog.Nop()).Router()
	rec := get(t, h, "/api/segments")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	j := &fakeJournal{err: stderrors.New("database is locked")}
	h = status.NewReporter(&fakeSource{}, j, nil, zerolog.Nop()).Router()
	assert.Equal(t, http.StatusInternalServerError, get(t, h, "/api/segments").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.SetState(string(recorder.StateStorageBlocked), recorder.StateNames())
	src := &fakeSource{snap: blocked()}
	h := status.NewReporter(src, nil, m, zerolog.Nop()).Router()

	get(t, h, "/readyz")

	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `recorderd_state{state="storage_blocked"} 1`)
	assert.Contains(t, string(body), `recorderd_state{state="recording"} 0`)

	// Only the earlier 503 from /readyz is counted at scrape time.
	assert.Contains(t, string(body), "recorderd_http_requests_total 1")
	assert.Contains(t, string(body), "recorderd_http_errors_total 1")
}

func TestMetricsScrapeLeavesStateGauge(t *testing.T) {
	m := metrics.New()
	m.SetState(string(recorder.StateRecording), recorder.StateNames())
	// A stale source must not overwrite the gauge the controller set.
	src := &fakeSource{snap: blocked()}
	h := status.NewReporter(src, nil, m, zerolog.Nop()).Router()

	body := get(t, h, "/metrics").Body.String()
	assert.Contains(t, body, `recorderd_state{state="recording"} 1`)
	assert.Contains(t, body, `recorderd_state{state="storage_blocked"} 0`)
}

func readView(t *testing.T, path string) status.View {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var v status.View
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	src := &fakeSource{snap: recording()}
	r := status.NewReporter(src, nil, nil, zerolog.Nop())

	require.NoError(t, r.WriteFile(path))
	assert.Equal(t, recorder.StateRecording, readView(t, path).State)

	src.Set(blocked())
	require.NoError(t, r.WriteFile(path))
	assert.Equal(t, recorder.StateStorageBlocked, readView(t, path).State)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestWriteFileMissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "status.json")
	r := status.NewReporter(&fakeSource{snap: recording()}, nil, nil, zerolog.Nop())

	err := r.WriteFile(path)
	require.Error(t, err)
	assert.Equal(t, status.ErrStatusFileWrite, errors.CodeOf(err))
}

func TestRunFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	src := &fakeSource{snap: recording()}
	r := status.NewReporter(src, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.RunFileWriter(ctx, path, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	stopped := recorder.Snapshot{State: recorder.StateStopped, UpdatedAt: started.Add(time.Minute)}
	src.Set(stopped)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, recorder.StateStopped, readView(t, path).State)
}

func TestRunFileWriterInvalidInterval(t *testing.T) {
	r := status.NewReporter(&fakeSource{}, nil, nil, zerolog.Nop())
	err := r.RunFileWriter(context.Background(), filepath.Join(t.TempDir(), "s.json"), 0)
	require.Error(t, err)
	assert.Equal(t, errors.ErrInvalidArgument, errors.CodeOf(err))
}
