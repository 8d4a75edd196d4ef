package readapi

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoleLattice(t *testing.T) {
	viewer := Observer{Role: RoleViewer}
	analyst := Observer{Role: RoleAnalyst}
	auditor := Observer{Role: RoleAuditor}

	assert.True(t, viewer.Allows(RoleViewer))
	assert.False(t, viewer.Allows(RoleAnalyst))
	assert.False(t, viewer.Allows(RoleAuditor))

	assert.True(t, analyst.Allows(RoleViewer))
	assert.True(t, analyst.Allows(RoleAnalyst))
	assert.False(t, analyst.Allows(RoleAuditor))

	assert.True(t, auditor.Allows(RoleViewer))
	assert.True(t, auditor.Allows(RoleAnalyst))
	assert.True(t, auditor.Allows(RoleAuditor))
}

func TestResolveObserverDefaults(t *testing.T) {
	r := httptest.NewRequest("GET", "/ox/live", nil)
	obs := ResolveObserver(r)
	assert.Equal(t, "anonymous", obs.ID)
	assert.Equal(t, RoleViewer, obs.Role)
}

func TestResolveObserverUnknownRoleDemoted(t *testing.T) {
	r := httptest.NewRequest("GET", "/ox/live", nil)
	r.Header.Set("x-observer-id", "obs-1")
	r.Header.Set("x-observer-role", "superuser")
	obs := ResolveObserver(r)
	assert.Equal(t, RoleViewer, obs.Role)
	assert.Equal(t, "obs-1", obs.ID)
}

func TestResolveObserverHeaders(t *testing.T) {
	r := httptest.NewRequest("GET", "/ox/artifacts", nil)
	r.Header.Set("x-observer-id", "aud-9")
	r.Header.Set("x-observer-role", RoleAuditor)
	obs := ResolveObserver(r)
	assert.Equal(t, RoleAuditor, obs.Role)
	assert.Equal(t, "aud-9", obs.ID)
}

func TestFilterPayloadHidesSponsorAttribution(t *testing.T) {
	payload := map[string]interface{}{
		"sponsor_id":       "sp-1",
		"owner_sponsor_id": "sp-1",
		"action_type":      "communicate",
	}

	analyst := filterPayload(payload, Observer{Role: RoleAnalyst})
	assert.NotContains(t, analyst, "sponsor_id")
	assert.NotContains(t, analyst, "owner_sponsor_id")
	assert.Equal(t, "communicate", analyst["action_type"])

	auditor := filterPayload(payload, Observer{Role: RoleAuditor})
	assert.Equal(t, "sp-1", auditor["sponsor_id"])
}
