package api

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/roastops/company-kernel/pkg/auth"
	"github.com/roastops/company-kernel/pkg/store"
	"github.com/roastops/company-kernel/pkg/trace"
)

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string   `json:"name"`
		Goals   []string `json:"goals,omitempty"`
		Version string   `json:"version,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if body.Name == "" {
		WriteBadRequest(w, "name is required")
		return
	}
	a := s.agents.RegisterAgent(body.Name, body.Goals, body.Version, s.now())
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.agents.ListAgents()
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"count":  len(agents),
	})
}

func (s *Server) handleRegisterTool(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		InputSchema map[string]any `json:"inputSchema,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if body.Name == "" {
		WriteBadRequest(w, "name is required")
		return
	}
	t := s.agents.RegisterTool(body.Name, body.Description, body.InputSchema, s.now())
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools := s.agents.ListTools()
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": tools,
		"count": len(tools),
	})
}

func (s *Server) handlePostTrace(w http.ResponseWriter, r *http.Request) {
	var e trace.Entry
	if err := decodeJSON(r, &e); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if e.Step == "" {
		WriteBadRequest(w, "step is required")
		return
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	if e.AgentName == "" {
		e.AgentName = auth.MustActor(r.Context()).ID
	}
	s.traces.Append(e)
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries := s.traces.List(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"traces": entries,
		"count":  len(entries),
	})
}

func (s *Server) handleMissionTraces(w http.ResponseWriter, r *http.Request) {
	entries := s.traces.ByMission(r.PathValue("missionId"))
	writeJSON(w, http.StatusOK, map[string]any{
		"traces": entries,
		"count":  len(entries),
	})
}

func (s *Server) handleRegisterDeviceKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OrgID     string `json:"orgId,omitempty"`
		MachineID string `json:"machineId,omitempty"`
		PublicKey string `json:"publicKey"`
	}
	if err := decodeJSON(r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	actor := auth.MustActor(r.Context())
	if body.OrgID == "" {
		body.OrgID = actor.OrgID
	}
	if body.OrgID == "" {
		WriteBadRequest(w, "orgId is required")
		return
	}
	if err := auth.AuthorizeOrg(actor, body.OrgID); err != nil {
		WriteForbidden(w, "cannot register keys for another org")
		return
	}
	raw, err := hex.DecodeString(body.PublicKey)
	if err != nil || len(raw) != 32 {
		WriteBadRequest(w, "publicKey must be a hex-encoded ed25519 public key")
		return
	}

	key := store.DeviceKey{
		ID:        uuid.NewString(),
		OrgID:     body.OrgID,
		MachineID: body.MachineID,
		PublicKey: body.PublicKey,
		CreatedAt: s.now(),
	}
	if err := s.db.RegisterDeviceKey(r.Context(), key); err != nil {
		if errors.Is(err, store.ErrKeyExists) {
			WriteConflict(w, "device key already registered")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

func (s *Server) handleListDeviceKeys(w http.ResponseWriter, r *http.Request) {
	actor := auth.MustActor(r.Context())
	orgID := r.URL.Query().Get("orgId")
	if orgID == "" {
		orgID = actor.OrgID
	}
	if orgID == "" {
		WriteBadRequest(w, "orgId is required")
		return
	}
	if err := auth.AuthorizeOrg(actor, orgID); err != nil {
		WriteForbidden(w, "cannot list keys for another org")
		return
	}

	keys, err := s.db.ListDeviceKeys(r.Context(), orgID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":  keys,
		"count": len(keys),
	})
}

func (s *Server) handleRevokeDeviceKey(w http.ResponseWriter, r *http.Request) {
	err := s.db.RevokeDeviceKey(r.Context(), r.PathValue("id"), s.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "device key not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "company-kernel",
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
