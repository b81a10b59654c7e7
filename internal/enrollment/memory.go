package enrollment

import (
	"context"
	"strings"
	"sync"
	"time"

	"entitlements.org/internal/ids"
)

type seatKey struct {
	user string
	run  string
}

// InMemory implements Service with in-process concurrency safety.
type InMemory struct {
	mu       sync.Mutex
	seats    map[seatKey]Enrollment
	closed   map[string]bool
	capacity map[string]int
	refunds  []string // enrollment ids refunded on unenroll
	now      func() time.Time
}

// NewInMemory creates an empty enrollment registry.
func NewInMemory() *InMemory {
	return &InMemory{
		seats:    make(map[seatKey]Enrollment),
		closed:   make(map[string]bool),
		capacity: make(map[string]int),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock used to stamp new enrollments.
func (s *InMemory) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CloseRun rejects further enrollments into the run.
func (s *InMemory) CloseRun(courseRunID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed[courseRunID] = true
}

// SetCapacity caps the number of active seats in the run. Zero removes the cap.
func (s *InMemory) SetCapacity(courseRunID string, seats int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seats <= 0 {
		delete(s.capacity, courseRunID)
		return
	}
	s.capacity[courseRunID] = seats
}

// Refunds returns the ids of enrollments whose unenroll triggered a refund.
func (s *InMemory) Refunds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.refunds))
	copy(out, s.refunds)
	return out
}

func (s *InMemory) Enroll(ctx context.Context, userID, courseRunID, mode string) (Enrollment, error) {
	userID = strings.TrimSpace(userID)
	courseRunID = strings.TrimSpace(courseRunID)
	if userID == "" || courseRunID == "" {
		return Enrollment{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := seatKey{user: userID, run: courseRunID}
	if existing, ok := s.seats[key]; ok {
		existing.Mode = mode
		s.seats[key] = existing
		return existing, nil
	}
	if s.closed[courseRunID] {
		return Enrollment{}, ErrEnrollmentClosed
	}
	if limit, ok := s.capacity[courseRunID]; ok && s.countLocked(courseRunID) >= limit {
		return Enrollment{}, ErrCourseFull
	}

	now := s.now()
	enr := Enrollment{
		ID:          ids.NewAt(now),
		UserID:      userID,
		CourseRunID: courseRunID,
		Mode:        mode,
		IsActive:    true,
		Created:     now,
	}
	s.seats[key] = enr
	return enr, nil
}

func (s *InMemory) Unenroll(ctx context.Context, userID, courseRunID string, opts UnenrollOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := seatKey{user: strings.TrimSpace(userID), run: strings.TrimSpace(courseRunID)}
	enr, ok := s.seats[key]
	if !ok {
		return ErrNotEnrolled
	}
	delete(s.seats, key)
	if !opts.SkipRefund {
		s.refunds = append(s.refunds, enr.ID)
	}
	return nil
}

func (s *InMemory) IsEnrolled(ctx context.Context, userID, courseRunID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seats[seatKey{user: strings.TrimSpace(userID), run: strings.TrimSpace(courseRunID)}]
	return ok, nil
}

func (s *InMemory) countLocked(courseRunID string) int {
	n := 0
	for k := range s.seats {
		if k.run == courseRunID {
			n++
		}
	}
	return n
}
