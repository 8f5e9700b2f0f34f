package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/joescharf/taskrun/internal/models"
)

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Registry().List())
}

func (s *Server) getAgentSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.GetSession(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no session for agent")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) startAgentSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkDir string `json:"workDir"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	sess, err := s.sessions.StartSession(r.Context(), r.PathValue("id"), req.WorkDir)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) stopAgentSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.StopSession(r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	msgs, err := s.store.ListMessages(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// SendMessageRequest is the body of POST /api/v1/agents/{id}/messages.
type SendMessageRequest struct {
	Content string `json:"content"`
	// WorkDir binds the session when the agent has none or a different one.
	WorkDir string `json:"workDir,omitempty"`
	// Wait holds the response until the reply completes.
	Wait bool `json:"wait,omitempty"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	agentID := r.PathValue("id")
	turn, err := s.sessions.SendToAgent(r.Context(), agentID, req.WorkDir, req.Content)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !req.Wait {
		sess, _ := s.sessions.GetSession(agentID)
		writeJSON(w, http.StatusAccepted, map[string]string{"agentId": agentID, "sessionId": sess.ID})
		return
	}

	select {
	case <-turn.Done():
	case <-r.Context().Done():
		return
	}
	msg, err := turn.Result()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) cancelMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.CancelMessage(r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPendingPermissions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.PendingPermissions(r.PathValue("id")))
}

func (s *Server) respondToPermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OptionID string `json:"optionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.OptionID == "" {
		writeError(w, http.StatusBadRequest, "optionId is required")
		return
	}
	err := s.sessions.RespondToPermission(r.Context(), r.PathValue("id"), r.PathValue("requestId"), req.OptionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("history") == "" {
		writeJSON(w, http.StatusOK, s.sessions.ListSessions())
		return
	}
	recorded, err := s.store.ListAgentSessions(r.Context(), r.URL.Query().Get("agent"), 50)
	if err != nil {
		writeErr(w, err)
		return
	}
	if recorded == nil {
		recorded = []*models.AgentSession{}
	}
	writeJSON(w, http.StatusOK, recorded)
}
