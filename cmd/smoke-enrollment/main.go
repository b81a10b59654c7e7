package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"entitlements.org/internal/enrollment"
	"entitlements.org/internal/enrollment/remote"
	"entitlements.org/internal/ids"
	"entitlements.org/internal/obs"
)

func main() {
	log := obs.Logger()
	addr := os.Getenv("ENTITLEMENTS_ENROLLMENT_TARGET")
	if addr == "" {
		addr = "localhost:9091"
	}

	client, err := remote.Dial(addr)
	if err != nil {
		log.Fatalf("dial enrollment service at %s: %v", addr, err)
	}
	defer client.Close()

	svc := remote.NewService(client, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	user := "smoke-" + ids.New()
	run := "course-v1:Smoke+S101+" + time.Now().UTC().Format("2006")

	enr, err := svc.Enroll(ctx, user, run, "verified")
	if err != nil {
		log.Fatalf("enroll: %v", err)
	}
	if !enr.IsActive || enr.CourseRunID != run {
		log.Fatalf("unexpected enrollment: %+v", enr)
	}

	ok, err := svc.IsEnrolled(ctx, user, run)
	if err != nil || !ok {
		log.Fatalf("is_enrolled after enroll: ok=%v err=%v", ok, err)
	}

	if err := svc.Unenroll(ctx, user, run, enrollment.UnenrollOptions{SkipRefund: true}); err != nil {
		log.Fatalf("unenroll: %v", err)
	}
	if err := svc.Unenroll(ctx, user, run, enrollment.UnenrollOptions{SkipRefund: true}); !errors.Is(err, enrollment.ErrNotEnrolled) {
		log.Fatalf("second unenroll: expected ErrNotEnrolled, got %v", err)
	}

	fmt.Printf("enrollment smoke test passed: user=%s run=%s enrollment=%s\n", user, run, enr.ID)
}
