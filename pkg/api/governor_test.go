package api_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastops/company-kernel/pkg/governor"
)

func TestGovernorConfigRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/governor/config", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg governor.Config
	decodeBody(t, rec, &cfg)
	assert.Contains(t, cfg.Policy.AllowedGoals, "generate-roast-report")

	rec = ts.do(t, http.MethodPut, "/governor/config", map[string]any{
		"policy": map[string]any{"allowedGoals": []string{"generate-roast-report", "calibrate-probes"}},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated governor.Config
	decodeBody(t, rec, &updated)
	assert.Equal(t, cfg.Version+1, updated.Version)
	assert.Contains(t, updated.Policy.AllowedGoals, "calibrate-probes")
}

func TestGovernorConfigRejectsUnknownFields(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPut, "/governor/config", map[string]any{
		"surpriseField": true,
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, errorField(t, rec))
}

func TestGovernorConfigRejectsBadSemantics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPut, "/governor/config", map[string]any{
		"rateLimits": map[string]any{"generate-roast-report": map[string]any{"capacity": 0, "refillPerSec": 1}},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPut, "/governor/config", map[string]any{
		"policy": map[string]any{"denyRule": "machineId +"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGovernorConfigAgentForbidden(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPut, "/governor/config", map[string]any{
		"policy": map[string]any{"allowedGoals": []string{"anything"}},
	}, map[string]string{"X-Actor-Kind": "AGENT"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPolicyCheck(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/policy/check", map[string]any{
		"goal": "generate-roast-report",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Allowed bool `json:"allowed"`
		Reasons []struct {
			Code string `json:"code"`
		} `json:"reasons"`
	}
	decodeBody(t, rec, &out)
	assert.True(t, out.Allowed)

	rec = ts.do(t, http.MethodPost, "/policy/check", map[string]any{
		"goal": "open-the-pod-bay-doors",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &out)
	assert.False(t, out.Allowed)
	require.Len(t, out.Reasons, 1)
	assert.Equal(t, "GOAL_NOT_ALLOWED", out.Reasons[0].Code)

	rec = ts.do(t, http.MethodPost, "/policy/check", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPolicyCheckDenyRule(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPut, "/governor/config", map[string]any{
		"policy": map[string]any{"denyRule": `machineId == "mx-banned"`},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/policy/check", map[string]any{
		"goal":      "generate-roast-report",
		"machineId": "mx-banned",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Allowed bool `json:"allowed"`
	}
	decodeBody(t, rec, &out)
	assert.False(t, out.Allowed)
}
