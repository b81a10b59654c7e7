package enrollment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnrollAndUnenroll(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return fixed })

	enr, err := s.Enroll(ctx, "alice", "course-v1:edX+DemoX+1T2024", "verified")
	require.NoError(t, err)
	assert.True(t, enr.IsActive)
	assert.Equal(t, fixed, enr.Created)
	assert.NotEmpty(t, enr.ID)

	ok, err := s.IsEnrolled(ctx, "alice", "course-v1:edX+DemoX+1T2024")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Unenroll(ctx, "alice", "course-v1:edX+DemoX+1T2024", UnenrollOptions{SkipRefund: true}))
	ok, _ = s.IsEnrolled(ctx, "alice", "course-v1:edX+DemoX+1T2024")
	assert.False(t, ok)
	assert.Empty(t, s.Refunds())
}

func TestEnrollIsIdempotentPerRun(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	first, err := s.Enroll(ctx, "bob", "run-a", "audit")
	require.NoError(t, err)
	second, err := s.Enroll(ctx, "bob", "run-a", "verified")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "verified", second.Mode)
}

func TestEnrollRefusals(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	s.CloseRun("closed-run")
	_, err := s.Enroll(ctx, "carol", "closed-run", "verified")
	assert.ErrorIs(t, err, ErrEnrollmentClosed)

	s.SetCapacity("tiny-run", 1)
	_, err = s.Enroll(ctx, "carol", "tiny-run", "verified")
	require.NoError(t, err)
	_, err = s.Enroll(ctx, "dave", "tiny-run", "verified")
	assert.ErrorIs(t, err, ErrCourseFull)

	_, err = s.Enroll(ctx, "", "tiny-run", "verified")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestUnenrollWithoutSeat(t *testing.T) {
	s := NewInMemory()
	err := s.Unenroll(context.Background(), "erin", "run-a", UnenrollOptions{})
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestUnenrollRecordsRefundUnlessSkipped(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	enr, err := s.Enroll(ctx, "frank", "run-a", "verified")
	require.NoError(t, err)

	require.NoError(t, s.Unenroll(ctx, "frank", "run-a", UnenrollOptions{}))
	assert.Equal(t, []string{enr.ID}, s.Refunds())
}
