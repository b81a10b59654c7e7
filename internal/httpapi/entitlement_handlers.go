package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"entitlements.org/internal/audit"
	"entitlements.org/internal/auth"
	"entitlements.org/internal/entitlement"
	"entitlements.org/internal/obs"
)

const apiPrefix = "/api/entitlements/v1"

type redeemRequest struct {
	CourseRunID string `json:"course_run_id"`
}

type listEntitlementsResponse struct {
	Results []entitlement.Entitlement `json:"results"`
	Limit   int                       `json:"limit"`
	Offset  int                       `json:"offset"`
	AsOf    time.Time                 `json:"as_of"`
}

func (a *API) registerEntitlementRoutes() {
	staff := RequireRole(auth.RoleStaff)

	a.mux.Handle("POST "+apiPrefix+"/entitlements", staff(http.HandlerFunc(a.createEntitlement)))
	a.mux.Handle("GET "+apiPrefix+"/entitlements", staff(http.HandlerFunc(a.listEntitlements)))
	a.mux.Handle("GET "+apiPrefix+"/entitlements/{uuid}", staff(http.HandlerFunc(a.getEntitlement)))
	a.mux.Handle("DELETE "+apiPrefix+"/entitlements/{uuid}", staff(http.HandlerFunc(a.revokeEntitlement)))

	a.mux.Handle("POST "+apiPrefix+"/entitlements/{uuid}/enrollments", RequireUser(http.HandlerFunc(a.redeemOrSwitch)))
	a.mux.Handle("DELETE "+apiPrefix+"/entitlements/{uuid}/enrollments", RequireUser(http.HandlerFunc(a.unenroll)))
	a.mux.Handle("GET "+apiPrefix+"/entitlements/{uuid}/eligibility", RequireUser(http.HandlerFunc(a.eligibility)))

	a.mux.Handle("POST "+apiPrefix+"/policies", staff(http.HandlerFunc(a.createPolicy)))
	a.mux.Handle("GET "+apiPrefix+"/policies/{id}", staff(http.HandlerFunc(a.getPolicy)))
}

func (a *API) createEntitlement(w http.ResponseWriter, r *http.Request) {
	var req entitlement.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	e, err := a.manager.Create(r.Context(), req)
	if err != nil {
		handleEntitlementError(w, r, err)
		return
	}
	a.audit(r, "entitlement.create", map[string]any{
		"uuid":        e.UUID.String(),
		"user":        e.UserID,
		"course_uuid": e.CourseUUID.String(),
		"mode":        e.Mode,
	})
	w.Header().Set("Location", apiPrefix+"/entitlements/"+e.UUID.String())
	writeJSON(w, http.StatusCreated, e)
}

func (a *API) listEntitlements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseBoundedInt(q.Get("limit"), "limit", 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseBoundedInt(q.Get("offset"), "offset", 0, 0, 1<<31-1)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.manager.List(r.Context(), entitlement.Filter{
		UserID: strings.TrimSpace(q.Get("user")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		handleEntitlementError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listEntitlementsResponse{
		Results: items,
		Limit:   limit,
		Offset:  offset,
		AsOf:    time.Now().UTC(),
	})
}

func (a *API) getEntitlement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	e, err := a.manager.Get(r.Context(), id, "")
	if err != nil {
		handleEntitlementError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) revokeEntitlement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	e, err := a.manager.Revoke(r.Context(), id)
	if err != nil {
		handleEntitlementError(w, r, err)
		return
	}
	fields := map[string]any{"uuid": e.UUID.String(), "user": e.UserID}
	if e.ExpiredAt != nil {
		fields["expired_at"] = e.ExpiredAt.Format(time.RFC3339)
	}
	a.audit(r, "entitlement.revoke", fields)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) redeemOrSwitch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	var req redeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	red, err := a.manager.RedeemOrSwitch(r.Context(), id, owner(r), req.CourseRunID)
	if err != nil {
		handleEntitlementError(w, r, err)
		return
	}
	a.audit(r, "entitlement.enroll", map[string]any{
		"uuid":          red.UUID.String(),
		"course_run_id": red.CourseRunID,
	})
	writeJSON(w, http.StatusCreated, red)
}

func (a *API) unenroll(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	if err := a.manager.Unenroll(r.Context(), id, owner(r)); err != nil {
		handleEntitlementError(w, r, err)
		return
	}
	a.audit(r, "entitlement.unenroll", map[string]any{"uuid": id.String()})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) eligibility(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	el, err := a.manager.Eligibility(r.Context(), id, owner(r))
	if err != nil {
		handleEntitlementError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, el)
}

func (a *API) createPolicy(w http.ResponseWriter, r *http.Request) {
	p := entitlement.NewPolicy()
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.manager.CreatePolicy(r.Context(), p)
	if err != nil {
		handleEntitlementError(w, r, err)
		return
	}
	a.audit(r, "entitlement.policy.create", map[string]any{"id": p.ID, "site": p.Site})
	w.Header().Set("Location", apiPrefix+"/policies/"+strconv.FormatInt(p.ID, 10))
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) getPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusNotFound, "policy not found")
		return
	}
	p, err := a.manager.GetPolicy(r.Context(), id)
	if err != nil {
		handleEntitlementError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) audit(r *http.Request, event string, fields map[string]any) {
	if err := audit.LogEvent(r.Context(), event, fields); err != nil {
		obs.Logger().WithError(err).Warn("audit log failed")
	}
}

// owner scopes learner endpoints to the caller. Staff act on any entitlement.
func owner(r *http.Request) string {
	if auth.HasRole(r.Context(), auth.RoleStaff) {
		return ""
	}
	user, _ := auth.UserIDFromContext(r.Context())
	return user
}

func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("uuid"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, "entitlement not found")
		return uuid.Nil, false
	}
	return id, true
}

func parseBoundedInt(raw, name string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if val < min || val > max {
		return 0, fmt.Errorf("%s must be between %d and %d", name, min, max)
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleEntitlementError(w http.ResponseWriter, r *http.Request, err error) {
	var partial *entitlement.PartialSwitchError
	switch {
	case errors.As(err, &partial):
		writeJSON(w, http.StatusBadGateway, withRequestID(r, map[string]any{
			"error":           err.Error(),
			"partial_failure": true,
			"uuid":            partial.EntitlementUUID.String(),
			"from_course_run": partial.FromCourseRunID,
			"to_course_run":   partial.ToCourseRunID,
		}))
	case errors.Is(err, entitlement.ErrValidation), errors.Is(err, entitlement.ErrRunMismatch):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, entitlement.ErrNotFound), errors.Is(err, entitlement.ErrPolicyNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, entitlement.ErrEnrollmentFailed), errors.Is(err, entitlement.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		obs.Logger().WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).
			Error("entitlement request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, withRequestID(r, map[string]any{
		"error": msg,
	}))
}

func withRequestID(r *http.Request, payload map[string]any) map[string]any {
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	return payload
}
