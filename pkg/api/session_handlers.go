package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/openfroyo/draftsync/pkg/engine"
	"github.com/openfroyo/draftsync/pkg/stores"
	"github.com/openfroyo/draftsync/pkg/telemetry"
)

type openSessionRequest struct {
	ChallengeID string `json:"challengeId"`
}

// mutationRequest is one draft edit. Which fields are read depends on Op.
type mutationRequest struct {
	Op        string            `json:"op" validate:"required,oneof=scalar path checkbox metadata multiselect append remove prize-sets copilot reviewer phase remove-phase reset-phases toggle-nda advanced file-type dismiss-notices"`
	Field     string            `json:"field"`
	Value     string            `json:"value"`
	Checked   bool              `json:"checked"`
	Group     string            `json:"group"`
	Index     int               `json:"index" validate:"gte=0"`
	Duration  int               `json:"duration"`
	SubPath   string            `json:"subPath"`
	PrizeSets []engine.PrizeSet `json:"prizeSets" validate:"required_if=Op prize-sets"`
}

type commitRequest struct {
	Status engine.Status `json:"status" validate:"required"`
}

type commitResponse struct {
	Challenge engine.Challenge `json:"challenge"`
	State     engine.State     `json:"state"`
}

type flushResponse struct {
	Sent  int          `json:"sent"`
	State engine.State `json:"state"`
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*engine.Session, bool) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondEngineError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body: "+err.Error())
		return
	}

	ic := telemetry.StartOperation(r.Context(), "session.open")
	sess, err := s.sessions.Open(ic.Ctx, req.ChallengeID)
	ic.End(err)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, sess.State())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess.State())
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flush, _ := strconv.ParseBool(r.URL.Query().Get("flush"))

	if err := s.sessions.Close(r.Context(), id, flush); err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"id":     id,
		"status": "closed",
	})
}

func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	var req mutationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body: "+err.Error())
		return
	}
	if err := s.validateRequest(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	if err := applyMutation(sess, req); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess.State())
}

func applyMutation(sess *engine.Session, m mutationRequest) error {
	switch m.Op {
	case "scalar":
		return sess.SetScalar(m.Field, m.Value)
	case "path":
		return sess.SetPath(m.Field, m.Value)
	case "checkbox":
		return sess.SetCheckbox(m.Field, m.Checked, m.Group)
	case "metadata":
		return sess.SetMetadataValue(m.Field, m.Value, m.SubPath)
	case "multiselect":
		return sess.SetMultiSelect(m.Field, m.Value)
	case "append":
		return sess.AppendItem(m.Field, m.Value)
	case "remove":
		return sess.RemoveItem(m.Field, m.Index)
	case "prize-sets":
		return sess.SetPrizeSets(m.PrizeSets)
	case "copilot":
		return sess.SelectCopilot(m.Value)
	case "reviewer":
		return sess.SetReviewer(m.Value)
	case "phase":
		return sess.UpdatePhase(m.Index, m.Duration)
	case "remove-phase":
		return sess.RemovePhase(m.Index)
	case "reset-phases":
		return sess.ResetPhases(m.Value)
	case "toggle-nda":
		return sess.ToggleNDA()
	case "advanced":
		return sess.ToggleAdvancedSettings()
	case "file-type":
		return sess.AddFileType(m.Value)
	case "dismiss-notices":
		sess.DismissNotices()
		return nil
	}
	return engine.NewValidationError("unsupported mutation "+m.Op, nil).WithCode(engine.ErrCodeInvalidValue)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess.Validate())
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	s.commit(w, r, "create", func(ctx context.Context, sess *engine.Session) (engine.Challenge, error) {
		return sess.CreateNew(ctx)
	})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body: "+err.Error())
		return
	}
	if err := s.validateRequest(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if err := req.Status.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	s.commit(w, r, "commit", func(ctx context.Context, sess *engine.Session) (engine.Challenge, error) {
		return sess.CommitAll(ctx, req.Status)
	})
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	s.commit(w, r, "launch", func(ctx context.Context, sess *engine.Session) (engine.Challenge, error) {
		return sess.Launch(ctx)
	})
}

func (s *Server) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	s.commit(w, r, "save_draft", func(ctx context.Context, sess *engine.Session) (engine.Challenge, error) {
		return sess.SaveDraft(ctx)
	})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	s.commit(w, r, "save", func(ctx context.Context, sess *engine.Session) (engine.Challenge, error) {
		return sess.Save(ctx)
	})
}

// commit runs a persisting session operation inside a session span.
func (s *Server) commit(w http.ResponseWriter, r *http.Request, operation string, fn func(context.Context, *engine.Session) (engine.Challenge, error)) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	ic := telemetry.StartSessionOperation(r.Context(), sess.ID(), operation)
	c, err := fn(ic.Ctx, sess)
	ic.End(err)
	if err != nil {
		ic.Logger.WithError(err).Warn().Str("class", string(engine.ClassOf(err))).Msg(operation + " failed")
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, commitResponse{Challenge: c, State: sess.State()})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	ic := telemetry.StartSessionOperation(r.Context(), sess.ID(), "flush")
	sent := sess.Flush(ic.Ctx)
	ic.End(nil)

	respondJSON(w, http.StatusOK, flushResponse{Sent: sent, State: sess.State()})
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "STORE_DISABLED", "no checkpoint store configured")
		return
	}
	id := chi.URLParam(r, "id")

	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	var eventType *engine.EventType
	if t := r.URL.Query().Get("type"); t != "" {
		et := engine.EventType(t)
		eventType = &et
	}
	var level *stores.EventLevel
	if l := r.URL.Query().Get("level"); l != "" {
		lv := stores.EventLevel(l)
		level = &lv
	}

	events, err := s.store.GetEvents(r.Context(), &id, eventType, level, limit, 0)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", id).Msg("failed to read events")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read events")
		return
	}
	respondJSON(w, http.StatusOK, events)
}
