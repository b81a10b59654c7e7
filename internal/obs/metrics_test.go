package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":         "/",
		"/metrics": "/metrics",
		"/api/entitlements/v1/entitlements":                                                  "/api/entitlements/v1/entitlements",
		"/api/entitlements/v1/entitlements?user=alice":                                       "/api/entitlements/v1/entitlements",
		"/api/entitlements/v1/entitlements/1f0e4c52-5c7a-4c33-9d7b-1c1f6e0a2b11":             "/api/entitlements/v1/entitlements/:uuid",
		"/api/entitlements/v1/entitlements/1f0e4c52-5c7a-4c33-9d7b-1c1f6e0a2b11/enrollments": "/api/entitlements/v1/entitlements/:uuid/enrollments",
		"/api/entitlements/v1/policies/42":                                                   "/api/entitlements/v1/policies/:id",
		"/api/entitlements/v1/entitlements/not-a-uuid":                                       "/api/entitlements/v1/entitlements/not-a-uuid",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	ObserveTransition("redeem", "ok")
	ObserveLazyExpiry()
	ObserveSwitchPartialFailure()
}
