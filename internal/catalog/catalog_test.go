package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDiscoveryServer(t *testing.T, course uuid.UUID, runs []CourseRun, hits *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/courses/{uuid}/", func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		if r.PathValue("uuid") != course.String() {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "Bearer catalog-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(courseResponse{UUID: course.String(), CourseRuns: runs})
	})
	mux.HandleFunc("GET /api/v1/course_runs/{key}/", func(w http.ResponseWriter, r *http.Request) {
		for _, run := range runs {
			if run.Key == r.PathValue("key") {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(run)
				return
			}
		}
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientListsRunsAndStartDates(t *testing.T) {
	course := uuid.New()
	start := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	runs := []CourseRun{
		{Key: "course-v1:edX+DemoX+3T2024", Start: start},
		{Key: "course-v1:edX+DemoX+1T2025", Start: start.AddDate(0, 4, 0)},
	}
	srv := newDiscoveryServer(t, course, runs, nil)
	c := NewClient(srv.URL+"/", "catalog-token", time.Second)
	ctx := context.Background()

	got, err := c.ListCourseRuns(ctx, course)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, ContainsRun(got, "course-v1:edX+DemoX+1T2025"))
	assert.False(t, ContainsRun(got, "course-v1:edX+Other+1T2025"))

	gotStart, err := c.GetCourseRunStartDate(ctx, "course-v1:edX+DemoX+3T2024")
	require.NoError(t, err)
	assert.True(t, start.Equal(gotStart))
}

func TestClientNotFound(t *testing.T) {
	srv := newDiscoveryServer(t, uuid.New(), nil, nil)
	c := NewClient(srv.URL, "catalog-token", time.Second)

	_, err := c.ListCourseRuns(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrCourseNotFound)

	_, err = c.GetCourseRunStartDate(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCourseRunNotFound)
}

func TestCachedServesRepeatListingsFromMemory(t *testing.T) {
	course := uuid.New()
	var hits int32
	srv := newDiscoveryServer(t, course, []CourseRun{{Key: "run-a"}}, &hits)
	svc := NewCached(NewClient(srv.URL, "catalog-token", time.Second), NewMemoryCache(8, time.Minute))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		runs, err := svc.ListCourseRuns(ctx, course)
		require.NoError(t, err)
		require.Len(t, runs, 1)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestCachedDoesNotCacheErrors(t *testing.T) {
	static := NewStatic()
	course := uuid.New()
	svc := NewCached(static, NewMemoryCache(8, time.Minute))
	ctx := context.Background()

	_, err := svc.ListCourseRuns(ctx, course)
	require.ErrorIs(t, err, ErrCourseNotFound)

	static.AddRun(course, CourseRun{Key: "run-a"})
	runs, err := svc.ListCourseRuns(ctx, course)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestStaticReplacesRunWithSameKey(t *testing.T) {
	s := NewStatic()
	course := uuid.New()
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.AddRun(course, CourseRun{Key: "run-a", Start: first})
	s.AddRun(course, CourseRun{Key: "run-a", Start: first.AddDate(0, 1, 0)})

	runs, err := s.ListCourseRuns(context.Background(), course)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	start, err := s.GetCourseRunStartDate(context.Background(), "run-a")
	require.NoError(t, err)
	assert.Equal(t, first.AddDate(0, 1, 0), start)
}

func TestMemoryCacheIsolatesEntries(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(8, time.Minute)
	course := uuid.New()
	start := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

	runs := []CourseRun{{Key: "course-v1:edX+DemoX+2025_T1", Start: start}}
	require.NoError(t, cache.Put(ctx, course, runs))
	runs[0].Key = "changed-after-put"

	got, ok, err := cache.Get(ctx, course)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "course-v1:edX+DemoX+2025_T1", got[0].Key)

	got[0].Key = "changed-after-get"
	again, ok, err := cache.Get(ctx, course)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "course-v1:edX+DemoX+2025_T1", again[0].Key)

	_, ok, err = cache.Get(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}
