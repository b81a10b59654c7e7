package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"entitlements.org/internal/auth"
	"entitlements.org/internal/catalog"
	"entitlements.org/internal/enrollment"
	"entitlements.org/internal/entitlement"
)

const (
	runSpring = "course-v1:edX+DemoX+2025_T1"
	runFall   = "course-v1:edX+DemoX+2025_T2"
	runClosed = "course-v1:edX+DemoX+2025_T3"
)

type testEnv struct {
	srv     *httptest.Server
	course  uuid.UUID
	enr     *enrollment.InMemory
	staff   string
	learner string
	other   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	course := uuid.New()
	cat := catalog.NewStatic()
	start := time.Now().UTC()
	for i, run := range []string{runSpring, runFall, runClosed} {
		cat.AddRun(course, catalog.CourseRun{Key: run, Start: start.Add(time.Duration(i) * 30 * 24 * time.Hour)})
	}
	enr := enrollment.NewInMemory()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	mgr := entitlement.NewManager(entitlement.NewInMemory(), enr, cat, entitlement.WithLogger(logger))

	verifier, err := auth.NewVerifier("handlers-test-secret", auth.DefaultIssuer)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	api := New(ReadyProbe{}, "test", mgr, verifier, WithRateLimit(1000, 1000))
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	token := func(user string, roles ...string) string {
		tok, err := verifier.GenerateToken(user, roles, time.Hour)
		if err != nil {
			t.Fatalf("GenerateToken: %v", err)
		}
		return tok
	}
	return &testEnv{
		srv:     srv,
		course:  course,
		enr:     enr,
		staff:   token("ops", auth.RoleStaff),
		learner: token("alice"),
		other:   token("mallory"),
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var out map[string]any
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s %s body %q: %v", method, path, raw, err)
		}
	}
	return resp, out
}

func (e *testEnv) createEntitlement(t *testing.T, user string) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, apiPrefix+"/entitlements", e.staff, map[string]any{
		"user":         user,
		"course_uuid":  e.course.String(),
		"mode":         "verified",
		"order_number": "ORD-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d (%v)", resp.StatusCode, body)
	}
	id, _ := body["uuid"].(string)
	if id == "" {
		t.Fatalf("create: missing uuid in %v", body)
	}
	if loc := resp.Header.Get("Location"); loc != apiPrefix+"/entitlements/"+id {
		t.Fatalf("unexpected Location %q", loc)
	}
	return id
}

func TestHealthAndInfo(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected security headers")
	}

	resp, body = env.do(t, http.MethodGet, "/readyz", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("readyz: %d %v", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodGet, "/v1/info", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("info: %d", resp.StatusCode)
	}
	if body["name"] != serviceName {
		t.Fatalf("unexpected name: %v", body["name"])
	}
	if _, ok := body["default_policy"].(map[string]any); !ok {
		t.Fatalf("expected default_policy object, got %v", body["default_policy"])
	}
}

func TestEntitlementLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	id := env.createEntitlement(t, "alice")
	path := apiPrefix + "/entitlements/" + id

	resp, body := env.do(t, http.MethodGet, apiPrefix+"/entitlements?user=alice", env.staff, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %v", resp.StatusCode, body)
	}
	results, _ := body["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("expected one entitlement for alice, got %v", body["results"])
	}
	if body["limit"] != float64(100) || body["offset"] != float64(0) {
		t.Fatalf("unexpected paging: %v", body)
	}

	resp, body = env.do(t, http.MethodGet, path+"/eligibility", env.learner, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("eligibility: %d %v", resp.StatusCode, body)
	}
	if body["state"] != "active" || body["is_redeemable"] != true || body["is_refundable"] != true {
		t.Fatalf("unexpected fresh eligibility: %v", body)
	}

	resp, body = env.do(t, http.MethodPost, path+"/enrollments", env.learner, map[string]any{"course_run_id": runSpring})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("redeem: %d %v", resp.StatusCode, body)
	}
	if body["course_run_id"] != runSpring || body["is_active"] != true {
		t.Fatalf("unexpected redemption: %v", body)
	}

	resp, body = env.do(t, http.MethodPost, path+"/enrollments", env.learner, map[string]any{"course_run_id": runFall})
	if resp.StatusCode != http.StatusCreated || body["course_run_id"] != runFall {
		t.Fatalf("switch: %d %v", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodGet, path, env.staff, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d %v", resp.StatusCode, body)
	}
	enr, _ := body["enrollment_course_run"].(map[string]any)
	if enr["course_run_id"] != runFall {
		t.Fatalf("expected enrollment in %s, got %v", runFall, body["enrollment_course_run"])
	}

	resp, body = env.do(t, http.MethodGet, path+"/eligibility", env.learner, nil)
	if resp.StatusCode != http.StatusOK || body["state"] != "redeemed" || body["is_refundable"] != false {
		t.Fatalf("eligibility after redeem: %d %v", resp.StatusCode, body)
	}

	resp, _ = env.do(t, http.MethodDelete, path+"/enrollments", env.learner, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unenroll: expected 204, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodDelete, path, env.staff, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke: expected 204, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodDelete, path, env.staff, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("second revoke: expected 204, got %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodGet, path, env.staff, nil)
	if resp.StatusCode != http.StatusOK || body["expired_at"] == nil {
		t.Fatalf("expected expired entitlement, got %d %v", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodPost, path+"/enrollments", env.learner, map[string]any{"course_run_id": runSpring})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("redeem after revoke: expected 404, got %d %v", resp.StatusCode, body)
	}
}

func TestAuthorizationRules(t *testing.T) {
	env := newTestEnv(t)
	id := env.createEntitlement(t, "alice")
	path := apiPrefix + "/entitlements/" + id

	resp, body := env.do(t, http.MethodGet, path+"/eligibility", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous: expected 401, got %d", resp.StatusCode)
	}
	if body["request_id"] == nil {
		t.Fatalf("expected request_id in error body")
	}

	resp, _ = env.do(t, http.MethodGet, path, "not-a-jwt", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodGet, path, env.learner, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("learner on staff route: expected 403, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, path+"/enrollments", env.other, map[string]any{"course_run_id": runSpring})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign entitlement: expected 404, got %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodPost, path+"/enrollments", env.staff, map[string]any{"course_run_id": runSpring})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("staff redeem on behalf: expected 201, got %d %v", resp.StatusCode, body)
	}
}

func TestRequestErrors(t *testing.T) {
	env := newTestEnv(t)
	id := env.createEntitlement(t, "alice")
	path := apiPrefix + "/entitlements/" + id

	resp, _ := env.do(t, http.MethodGet, apiPrefix+"/entitlements/not-a-uuid", env.staff, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("invalid uuid: expected 404, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodGet, apiPrefix+"/entitlements/"+uuid.NewString(), env.staff, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown uuid: expected 404, got %d", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodPost, path+"/enrollments", env.learner, map[string]any{"course_run_id": "course-v1:Other+X+1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("run mismatch: expected 400, got %d %v", resp.StatusCode, body)
	}

	resp, _ = env.do(t, http.MethodPost, path+"/enrollments", env.learner, map[string]any{"course_run": runSpring})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field: expected 400, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, apiPrefix+"/entitlements", env.staff, map[string]any{
		"user":        "bob",
		"course_uuid": "nope",
		"mode":        "verified",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid create: expected 400, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodGet, apiPrefix+"/entitlements?limit=5000", env.staff, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("limit out of range: expected 400, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodDelete, path+"/enrollments", env.learner, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unenroll unredeemed: expected 204, got %d", resp.StatusCode)
	}
}

func TestPartialSwitchReported(t *testing.T) {
	env := newTestEnv(t)
	id := env.createEntitlement(t, "alice")
	path := apiPrefix + "/entitlements/" + id

	resp, body := env.do(t, http.MethodPost, path+"/enrollments", env.learner, map[string]any{"course_run_id": runSpring})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("redeem: %d %v", resp.StatusCode, body)
	}

	env.enr.CloseRun(runClosed)
	resp, body = env.do(t, http.MethodPost, path+"/enrollments", env.learner, map[string]any{"course_run_id": runClosed})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("partial switch: expected 502, got %d %v", resp.StatusCode, body)
	}
	if body["partial_failure"] != true || body["from_course_run"] != runSpring || body["to_course_run"] != runClosed {
		t.Fatalf("unexpected partial failure body: %v", body)
	}

	resp, body = env.do(t, http.MethodGet, path+"/eligibility", env.learner, nil)
	if resp.StatusCode != http.StatusOK || body["switch_pending"] != true || body["state"] != "active" {
		t.Fatalf("expected pending switch on unredeemed entitlement, got %d %v", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodPost, path+"/enrollments", env.learner, map[string]any{"course_run_id": runFall})
	if resp.StatusCode != http.StatusCreated || body["course_run_id"] != runFall {
		t.Fatalf("recovery redeem: %d %v", resp.StatusCode, body)
	}
}

func TestPolicyEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, apiPrefix+"/policies", env.staff, map[string]any{
		"expiration_period_days": 30,
		"site":                   "learn.example.org",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create policy: %d %v", resp.StatusCode, body)
	}
	if body["expiration_period_days"] != float64(30) || body["refund_period_days"] != float64(entitlement.DefaultRefundPeriodDays) {
		t.Fatalf("unexpected policy windows: %v", body)
	}
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, apiPrefix+"/policies/") {
		t.Fatalf("unexpected Location %q", loc)
	}

	resp, body = env.do(t, http.MethodGet, loc, env.staff, nil)
	if resp.StatusCode != http.StatusOK || body["site"] != "learn.example.org" {
		t.Fatalf("get policy: %d %v", resp.StatusCode, body)
	}

	resp, _ = env.do(t, http.MethodGet, apiPrefix+"/policies/999", env.staff, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing policy: expected 404, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, apiPrefix+"/policies", env.staff, map[string]any{"refund_period_days": -1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative window: expected 400, got %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodPost, apiPrefix+"/entitlements", env.staff, map[string]any{
		"user":        "carol",
		"course_uuid": env.course.String(),
		"mode":        "verified",
		"site":        "learn.example.org",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create with site: %d %v", resp.StatusCode, body)
	}
	pol, _ := body["policy"].(map[string]any)
	if pol["expiration_period_days"] != float64(30) {
		t.Fatalf("expected site policy attached, got %v", body["policy"])
	}
}
