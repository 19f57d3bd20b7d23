package api_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastops/company-kernel/pkg/command"
)

func proposalBody() map[string]any {
	return map[string]any{
		"machineId":   "mx-1",
		"sessionId":   "sess-1",
		"commandType": "SET_HEAT",
		"targetValue": 70,
		"reason":      "first crack approaching",
	}
}

func propose(t *testing.T, ts *testServer) command.Proposal {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/proposals", proposalBody(), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p command.Proposal
	decodeBody(t, rec, &p)
	return p
}

func TestProposeRequiresApproval(t *testing.T) {
	ts := newTestServer(t)
	p := propose(t, ts)

	assert.Equal(t, command.StatusPendingApproval, p.Status)
	require.NotNil(t, p.ExpiresAt)
	require.NotNil(t, p.Governance)
	assert.Equal(t, "ALLOW", string(p.Governance.Action))
}

func TestProposeRejectsUnsafeCommands(t *testing.T) {
	ts := newTestServer(t)

	body := proposalBody()
	body["targetValue"] = 130
	rec := ts.do(t, http.MethodPost, "/proposals", body, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, errorField(t, rec))

	body = proposalBody()
	body["commandType"] = "SELF_DESTRUCT"
	rec = ts.do(t, http.MethodPost, "/proposals", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProposeRejectsUnknownFields(t *testing.T) {
	ts := newTestServer(t)
	body := proposalBody()
	body["force"] = true
	rec := ts.do(t, http.MethodPost, "/proposals", body, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.NotEmpty(t, errorField(t, rec))
}

func TestApproveRefusedAfterAutonomyLockdown(t *testing.T) {
	ts := newTestServer(t)
	p := propose(t, ts)

	rec := ts.do(t, http.MethodPut, "/governor/config", map[string]any{
		"commandAutonomy": map[string]any{"autonomyLevel": "L1"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/proposals/"+p.ID+"/approve",
		map[string]any{"approvedBy": "roastmaster"}, nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.NotEmpty(t, errorField(t, rec))

	// The refusal leaves the proposal pending; restoring autonomy lets
	// the approval through.
	rec = ts.do(t, http.MethodPut, "/governor/config", map[string]any{
		"commandAutonomy": map[string]any{"autonomyLevel": "L3"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodPost, "/proposals/"+p.ID+"/approve",
		map[string]any{"approvedBy": "roastmaster"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var approved command.Proposal
	decodeBody(t, rec, &approved)
	assert.Equal(t, command.StatusApproved, approved.Status)
}

func TestApprovalPipelineOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	p := propose(t, ts)

	rec := ts.do(t, http.MethodPost, "/proposals/"+p.ID+"/approve",
		map[string]any{"approvedBy": "roastmaster", "note": "looks right"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var approved command.Proposal
	decodeBody(t, rec, &approved)
	assert.Equal(t, command.StatusApproved, approved.Status)
	assert.Equal(t, "roastmaster", approved.DecidedBy)

	rec = ts.do(t, http.MethodPost, "/execute/"+p.ID,
		map[string]any{"agentName": "roaster-1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ack struct {
		Status   string            `json:"status"`
		Proposal *command.Proposal `json:"proposal"`
	}
	decodeBody(t, rec, &ack)
	assert.Equal(t, "ACCEPTED", ack.Status)
	require.NotNil(t, ack.Proposal)
	assert.Equal(t, command.StatusExecuting, ack.Proposal.Status)

	rec = ts.do(t, http.MethodPost, "/execute/"+p.ID+"/result",
		map[string]any{"ok": true, "meta": map[string]any{"heatPct": 70}}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var finished command.Proposal
	decodeBody(t, rec, &finished)
	assert.Equal(t, command.StatusCompleted, finished.Status)

	// Chain: PROPOSED, APPROVED, EXECUTION_STARTED, COMPLETED.
	rec = ts.do(t, http.MethodGet, "/proposals/"+p.ID+"/audit", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var audit struct {
		Entries []command.AuditEntry `json:"entries"`
		Count   int                  `json:"count"`
	}
	decodeBody(t, rec, &audit)
	require.Equal(t, 4, audit.Count)
	assert.Equal(t, "PROPOSED", audit.Entries[0].Action)
	assert.Equal(t, "COMPLETED", audit.Entries[3].Action)

	rec = ts.do(t, http.MethodGet, "/audit/verify", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var verify struct {
		Intact bool `json:"intact"`
	}
	decodeBody(t, rec, &verify)
	assert.True(t, verify.Intact)
}

func TestRejectedProposalCannotExecute(t *testing.T) {
	ts := newTestServer(t)
	p := propose(t, ts)

	rec := ts.do(t, http.MethodPost, "/proposals/"+p.ID+"/reject",
		map[string]any{"reason": "too aggressive"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/execute/"+p.ID, nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	var ack struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	decodeBody(t, rec, &ack)
	assert.Equal(t, "FAILED", ack.Status)
	assert.NotEmpty(t, ack.Error)
}

func TestFailedExecutionReported(t *testing.T) {
	ts := newTestServer(t)
	p := propose(t, ts)

	ts.do(t, http.MethodPost, "/proposals/"+p.ID+"/approve", nil, nil)
	ts.do(t, http.MethodPost, "/execute/"+p.ID, nil, nil)

	rec := ts.do(t, http.MethodPost, "/execute/"+p.ID+"/result", map[string]any{"ok": false}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/execute/"+p.ID+"/result",
		map[string]any{"ok": false, "error": "actuator timeout"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var finished command.Proposal
	decodeBody(t, rec, &finished)
	assert.Equal(t, command.StatusFailed, finished.Status)
	require.NotNil(t, finished.Result)
	assert.Equal(t, "actuator timeout", finished.Result.Error)
}

func TestAbortExecutingProposal(t *testing.T) {
	ts := newTestServer(t)
	p := propose(t, ts)

	ts.do(t, http.MethodPost, "/proposals/"+p.ID+"/approve", nil, nil)
	ts.do(t, http.MethodPost, "/execute/"+p.ID, nil, nil)

	rec := ts.do(t, http.MethodPost, "/proposals/"+p.ID+"/abort",
		map[string]any{"note": "operator pulled the plug"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ack struct {
		Status   string            `json:"status"`
		Proposal *command.Proposal `json:"proposal"`
	}
	decodeBody(t, rec, &ack)
	assert.Equal(t, "ACCEPTED", ack.Status)
	assert.Equal(t, command.StatusAborted, ack.Proposal.Status)
}

func TestAbortPendingProposalFails(t *testing.T) {
	ts := newTestServer(t)
	p := propose(t, ts)

	rec := ts.do(t, http.MethodPost, "/proposals/"+p.ID+"/abort", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	var ack struct {
		Status string `json:"status"`
	}
	decodeBody(t, rec, &ack)
	assert.Equal(t, "FAILED", ack.Status)
}

func TestPendingListDropsLapsedProposals(t *testing.T) {
	ts := newTestServer(t)
	p := propose(t, ts)

	rec := ts.do(t, http.MethodGet, "/proposals/pending", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &list)
	assert.Equal(t, 1, list.Count)

	ts.clock.Advance(command.DefaultApprovalTTL + time.Minute)

	rec = ts.do(t, http.MethodGet, "/proposals/pending", nil, nil)
	decodeBody(t, rec, &list)
	assert.Zero(t, list.Count)

	// Direct observation expires the row.
	rec = ts.do(t, http.MethodGet, "/proposals/"+p.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got command.Proposal
	decodeBody(t, rec, &got)
	assert.Equal(t, command.StatusExpired, got.Status)

	rec = ts.do(t, http.MethodPost, "/proposals/"+p.ID+"/approve", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAgentProposalsBlockedAtL2(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPut, "/governor/config", map[string]any{
		"commandAutonomy": map[string]any{"autonomyLevel": "L2"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/proposals", proposalBody(), map[string]string{
		"X-Actor-Id":   "roaster-1",
		"X-Actor-Kind": "AGENT",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p command.Proposal
	decodeBody(t, rec, &p)
	assert.Equal(t, command.StatusRejected, p.Status)
	require.NotNil(t, p.Governance)
	assert.Equal(t, "BLOCK", string(p.Governance.Action))
}

func TestListProposalsByMachine(t *testing.T) {
	ts := newTestServer(t)
	_ = propose(t, ts)

	rec := ts.do(t, http.MethodGet, "/proposals?machineId=mx-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &list)
	assert.Equal(t, 1, list.Count)

	rec = ts.do(t, http.MethodGet, "/proposals?machineId=mx-9", nil, nil)
	decodeBody(t, rec, &list)
	assert.Zero(t, list.Count)
}

func TestProposalAuditUnknownProposal(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/proposals/C-nope/audit", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
