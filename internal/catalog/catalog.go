// Package catalog reads course runs from the course discovery service.
package catalog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CourseRun is a scheduled offering of a course.
type CourseRun struct {
	Key   string    `json:"key"`
	Start time.Time `json:"start"`
}

// Service is the catalog collaborator.
type Service interface {
	ListCourseRuns(ctx context.Context, courseUUID uuid.UUID) ([]CourseRun, error)
	GetCourseRunStartDate(ctx context.Context, courseRunID string) (time.Time, error)
}

var (
	ErrCourseNotFound    = errors.New("catalog: course not found")
	ErrCourseRunNotFound = errors.New("catalog: course run not found")
)

// ContainsRun reports whether key is one of runs.
func ContainsRun(runs []CourseRun, key string) bool {
	for _, r := range runs {
		if r.Key == key {
			return true
		}
	}
	return false
}

// Static is an in-process catalog, handy for tests and local runs.
type Static struct {
	mu      sync.RWMutex
	courses map[uuid.UUID][]CourseRun
}

func NewStatic() *Static {
	return &Static{courses: make(map[uuid.UUID][]CourseRun)}
}

// AddRun registers run under course, replacing a run with the same key.
func (s *Static) AddRun(course uuid.UUID, run CourseRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.courses[course]
	for i := range runs {
		if runs[i].Key == run.Key {
			runs[i] = run
			return
		}
	}
	s.courses[course] = append(runs, run)
}

func (s *Static) ListCourseRuns(ctx context.Context, courseUUID uuid.UUID) ([]CourseRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs, ok := s.courses[courseUUID]
	if !ok {
		return nil, ErrCourseNotFound
	}
	out := make([]CourseRun, len(runs))
	copy(out, runs)
	return out, nil
}

func (s *Static) GetCourseRunStartDate(ctx context.Context, courseRunID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, runs := range s.courses {
		for _, r := range runs {
			if r.Key == courseRunID {
				return r.Start, nil
			}
		}
	}
	return time.Time{}, ErrCourseRunNotFound
}
