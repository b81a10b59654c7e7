package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"entitlements.org/internal/enrollment"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName    = "entitlements.enrollment.v1.EnrollmentService"
	defaultTimeout = 10 * time.Second
)

// Client wraps the gRPC connection to the enrollment service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Service adapts the gRPC client to the enrollment.Service interface.
type Service struct {
	client  *Client
	timeout time.Duration
}

var _ enrollment.Service = (*Service)(nil)

// NewService wraps client. Every call is bounded by timeout (10s when <= 0).
func NewService(client *Client, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Service{client: client, timeout: timeout}
}

func (s *Service) Enroll(ctx context.Context, userID, courseRunID, mode string) (enrollment.Enrollment, error) {
	out, err := s.invoke(ctx, "Enroll", map[string]any{
		"user":          userID,
		"course_run_id": courseRunID,
		"mode":          mode,
	})
	if err != nil {
		return enrollment.Enrollment{}, err
	}
	return fromStruct(out)
}

func (s *Service) Unenroll(ctx context.Context, userID, courseRunID string, opts enrollment.UnenrollOptions) error {
	_, err := s.invoke(ctx, "Unenroll", map[string]any{
		"user":          userID,
		"course_run_id": courseRunID,
		"skip_refund":   opts.SkipRefund,
	})
	return err
}

func (s *Service) IsEnrolled(ctx context.Context, userID, courseRunID string) (bool, error) {
	out, err := s.invoke(ctx, "IsEnrolled", map[string]any{
		"user":          userID,
		"course_run_id": courseRunID,
	})
	if err != nil {
		return false, err
	}
	return out.GetFields()["enrolled"].GetBoolValue(), nil
}

func (s *Service) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out := new(structpb.Struct)
	if err := s.client.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, out); err != nil {
		return nil, mapEnrollmentError(err)
	}
	return out, nil
}

// Helpers -----------------------------------------------------------------

func mapEnrollmentError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var target error
	switch st.Code() {
	case codes.NotFound:
		target = enrollment.ErrNotEnrolled
	case codes.FailedPrecondition:
		target = enrollment.ErrEnrollmentClosed
	case codes.ResourceExhausted:
		target = enrollment.ErrCourseFull
	case codes.InvalidArgument:
		target = enrollment.ErrInvalidInput
	default:
		return err
	}
	return fmt.Errorf("%w (%s)", target, st.Message())
}

func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, enrollment.ErrNotEnrolled):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, enrollment.ErrEnrollmentClosed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, enrollment.ErrCourseFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, enrollment.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func toStruct(e enrollment.Enrollment) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"id":            e.ID,
		"user":          e.UserID,
		"course_run_id": e.CourseRunID,
		"mode":          e.Mode,
		"is_active":     e.IsActive,
		"created":       e.Created.UTC().Format(time.RFC3339Nano),
	})
}

func fromStruct(s *structpb.Struct) (enrollment.Enrollment, error) {
	f := s.GetFields()
	var created time.Time
	if raw := f["created"].GetStringValue(); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return enrollment.Enrollment{}, fmt.Errorf("decode enrollment created: %w", err)
		}
		created = t
	}
	return enrollment.Enrollment{
		ID:          f["id"].GetStringValue(),
		UserID:      f["user"].GetStringValue(),
		CourseRunID: f["course_run_id"].GetStringValue(),
		Mode:        f["mode"].GetStringValue(),
		IsActive:    f["is_active"].GetBoolValue(),
		Created:     created,
	}, nil
}
