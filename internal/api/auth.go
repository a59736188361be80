package api

import (
	"errors"
	"net/http"

	"busfleet/internal/auth"
	"busfleet/internal/model"
)

var errForbidden = errors.New("forbidden")

// getPrincipal verifies the bearer token on r.
func (s *Server) getPrincipal(r *http.Request) (auth.Principal, error) {
	return s.Auth.Verify(auth.BearerToken(r.Header.Get("Authorization")))
}

// canSeeTrip reports whether p belongs to the trip's company.
func canSeeTrip(p auth.Principal, t model.Trip) bool {
	return p.CompanyID != "" && p.CompanyID == t.CompanyID
}

// canOperateTrip reports whether p may drive the trip's lifecycle and attendance:
// company staff, or the driver assigned to the trip.
func canOperateTrip(p auth.Principal, t model.Trip) bool {
	if !canSeeTrip(p, t) {
		return false
	}
	if p.TenantWide() {
		return true
	}
	return p.Role == auth.RoleDriver && t.DriverID != "" && t.DriverID == p.UserID
}
