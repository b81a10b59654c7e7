package catalog

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const defaultTimeout = 10 * time.Second

type courseResponse struct {
	UUID       string      `json:"uuid"`
	CourseRuns []CourseRun `json:"course_runs"`
}

// Client talks to the discovery service REST API.
type Client struct {
	http *resty.Client
}

var _ Service = (*Client)(nil)

// NewClient builds a client rooted at baseURL. token, when set, is sent as a
// bearer credential.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		rc.SetAuthToken(token)
	}
	return &Client{http: rc}
}

func (c *Client) ListCourseRuns(ctx context.Context, courseUUID uuid.UUID) ([]CourseRun, error) {
	var out courseResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("uuid", courseUUID.String()).
		SetResult(&out).
		Get("/api/v1/courses/{uuid}/")
	if err != nil {
		return nil, fmt.Errorf("catalog: list course runs: %w", err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, ErrCourseNotFound
	case resp.IsError():
		return nil, fmt.Errorf("catalog: list course runs: unexpected status %d", resp.StatusCode())
	}
	return out.CourseRuns, nil
}

func (c *Client) GetCourseRunStartDate(ctx context.Context, courseRunID string) (time.Time, error) {
	var out CourseRun
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("key", courseRunID).
		SetResult(&out).
		Get("/api/v1/course_runs/{key}/")
	if err != nil {
		return time.Time{}, fmt.Errorf("catalog: get course run: %w", err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return time.Time{}, ErrCourseRunNotFound
	case resp.IsError():
		return time.Time{}, fmt.Errorf("catalog: get course run: unexpected status %d", resp.StatusCode())
	}
	return out.Start, nil
}
