package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/draftsync/pkg/client"
	"github.com/openfroyo/draftsync/pkg/engine"
)

const maxBodyBytes = 1 << 20

// Response helpers

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Field   string                 `json:"field,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	writeError(w, status, &apiError{Code: code, Message: message})
}

func writeError(w http.ResponseWriter, status int, e *apiError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(apiResponse{Success: false, Error: e}); err != nil {
		log.Error().Err(err).Msg("failed to encode error response")
	}
}

// respondEngineError maps a session or collaborator failure onto an HTTP status.
func respondEngineError(w http.ResponseWriter, err error) {
	status, body := classifyError(err)
	writeError(w, status, body)
}

func classifyError(err error) (int, *apiError) {
	if errors.Is(err, ErrSessionNotFound) {
		return http.StatusNotFound, &apiError{Code: "SESSION_NOT_FOUND", Message: err.Error()}
	}
	if client.IsNotFound(err) {
		return http.StatusNotFound, &apiError{Code: "NOT_FOUND", Message: err.Error()}
	}

	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		return http.StatusInternalServerError, &apiError{Code: "INTERNAL_ERROR", Message: err.Error()}
	}

	body := &apiError{
		Code:    ee.Code,
		Message: ee.Message,
		Field:   ee.Field,
		Details: ee.Details,
	}
	if body.Code == "" {
		body.Code = strings.ToUpper(string(ee.Class)) + "_ERROR"
	}
	if ee.Err != nil {
		body.Message = ee.Message + ": " + ee.Err.Error()
	}

	switch {
	case ee.Code == engine.ErrCodeCommitInProgress,
		ee.Code == engine.ErrCodeNotPersisted,
		ee.Code == engine.ErrCodeTransition,
		ee.Code == engine.ErrCodeSessionClosed:
		return http.StatusConflict, body
	case ee.Code == engine.ErrCodePolicyDenied:
		return http.StatusForbidden, body
	case ee.Class == engine.ErrorClassValidation:
		return http.StatusUnprocessableEntity, body
	case ee.Class == engine.ErrorClassHydration,
		ee.Class == engine.ErrorClassSync,
		ee.Class == engine.ErrorClassCommit:
		return http.StatusBadGateway, body
	case ee.Class == engine.ErrorClassPermanent:
		return http.StatusBadRequest, body
	default:
		return http.StatusInternalServerError, body
	}
}

// decodeJSON reads an optional JSON body. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func newRequestValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *Server) validateRequest(v interface{}) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed on the %q rule", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"time":     time.Now().UTC().Format(time.RFC3339),
		"sessions": s.sessions.Len(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ref.Reference() == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "reference data not loaded")
		return
	}
	if s.store != nil {
		if err := s.store.HealthCheck(r.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("store health check failed")
			respondError(w, http.StatusServiceUnavailable, "not_ready", "store not ready")
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// Reference handlers

type templateView struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Phases []engine.Phase `json:"phases"`
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	ref := s.ref.Reference()
	if ref == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "reference data not loaded")
		return
	}

	templates := ref.Templates
	if typeID := r.URL.Query().Get("typeId"); typeID != "" {
		templates = engine.AvailableTemplates(ref, typeID)
	}

	out := make([]templateView, 0, len(templates))
	for _, t := range templates {
		out = append(out, templateView{
			ID:     t.ID,
			Name:   t.Name,
			Phases: engine.PhasesFor(t, ref.Phases),
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// Stored draft handlers

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "STORE_DISABLED", "no checkpoint store configured")
		return
	}

	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	drafts, err := s.store.ListCheckpoints(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list checkpoints")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list drafts")
		return
	}
	respondJSON(w, http.StatusOK, drafts)
}
