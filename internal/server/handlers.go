package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"selfheal/internal/engine"
	"selfheal/internal/features"
	"selfheal/internal/healing"
	"selfheal/internal/metrics"
	"selfheal/internal/storage"
)

// HealRequest is the /heal body.
type HealRequest struct {
	RequestID           string   `json:"request_id,omitempty"`
	PageURL             string   `json:"page_url,omitempty"`
	OriginalLocator     string   `json:"original_locator"`
	OriginalLocatorType string   `json:"original_locator_type"`
	Action              string   `json:"action"`
	PageHTML            string   `json:"page_html"`
	ElementOuterHTML    string   `json:"element_outer_html,omitempty"`
	Anchors             []string `json:"anchors,omitempty"`
	PrevSiblingText     string   `json:"prev_sibling_text,omitempty"`
	NextSiblingText     string   `json:"next_sibling_text,omitempty"`
	ExpectedText        string   `json:"expected_text,omitempty"`
	MaxCandidates       int      `json:"max_candidates,omitempty"`
	UseExternal         bool     `json:"use_external,omitempty"`
	// PIIMasked defaults to true. When the caller says the markup is not
	// masked and PII is found, the response carries a warning.
	PIIMasked *bool `json:"pii_masked,omitempty"`
}

func (r HealRequest) context() engine.ContextView {
	return engine.ContextView{
		OriginalLocator:     r.OriginalLocator,
		OriginalLocatorType: r.OriginalLocatorType,
		Action:              r.Action,
		Anchors:             r.Anchors,
		PrevSiblingText:     r.PrevSiblingText,
		NextSiblingText:     r.NextSiblingText,
		ExpectedText:        r.ExpectedText,
		ElementOuterHTML:    r.ElementOuterHTML,
		PageURL:             r.PageURL,
	}
}

// HealResponse is the /heal reply.
type HealResponse struct {
	RequestID      string                   `json:"request_id"`
	HealedLocator  *engine.CandidateView    `json:"healed_locator"`
	Candidates     []engine.CandidateView   `json:"candidates"`
	AutoApplyIndex int                      `json:"auto_apply_index"`
	VerifyAction   any                      `json:"verify_action"`
	Warning        *string                  `json:"warning"`
	Message        string                   `json:"message"`
	Degraded       []engine.DegradationView `json:"degraded,omitempty"`
	ModelUsed      bool                     `json:"model_used"`
}

// ConfirmRequest is the /confirm body. AcceptedIndex -1 means none of the
// candidates was right.
type ConfirmRequest struct {
	RequestID     string         `json:"request_id"`
	AcceptedIndex *int           `json:"accepted_index"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ConfirmResponse is the /confirm reply. Recorded is false when the same
// confirmation was already stored.
type ConfirmResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
	Recorded  bool   `json:"recorded"`
}

type errorResponse struct {
	Error string `json:"error"`
}

const piiWarning = "PII detected"

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"model_loaded":   s.eng.HasModel(),
		"feature_schema": features.SchemaVersion,
	})
}

func (s *Server) handleHeal(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req HealRequest
	if status, err := s.decode(w, r, &req); err != nil {
		metrics.ObserveRequest("invalid", time.Since(start))
		s.respondError(w, status, err.Error())
		return
	}
	if status, err := s.validateHeal(req); err != nil {
		metrics.ObserveRequest("invalid", time.Since(start))
		s.respondError(w, status, err.Error())
		return
	}

	ctxView := req.context()
	hctx, err := ctxView.Healing()
	if err != nil {
		metrics.ObserveRequest("invalid", time.Since(start))
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	masked, report := s.masker.Mask(req.PageHTML)
	var warning *string
	if req.PIIMasked != nil && !*req.PIIMasked && report.Found() {
		warning = ptr(piiWarning)
	}

	res, err := s.eng.Heal(r.Context(), engine.Request{
		ID:            req.RequestID,
		Markup:        req.PageHTML,
		Context:       hctx,
		MaxCandidates: req.MaxCandidates,
		UseExternal:   req.UseExternal,
	})
	if err != nil {
		status, msg := healStatus(err)
		s.respondError(w, status, msg)
		return
	}

	view := res.View()
	s.saveSnapshot(r.Context(), req.PageURL, masked, ctxView, view)

	resp := HealResponse{
		RequestID:      view.RequestID,
		Candidates:     view.Candidates,
		AutoApplyIndex: view.AutoApplyIndex,
		Warning:        warning,
		Message:        view.Message,
		Degraded:       view.Degraded,
		ModelUsed:      view.ModelUsed,
	}
	if view.Verification != nil {
		resp.VerifyAction = view.Verification
	}
	if i := view.AutoApplyIndex; i >= 0 && i < len(view.Candidates) {
		resp.HealedLocator = &view.Candidates[i]
	}
	s.respond(w, http.StatusOK, resp)
}

func (s *Server) validateHeal(req HealRequest) (int, error) {
	switch {
	case strings.TrimSpace(req.OriginalLocator) == "":
		return http.StatusBadRequest, errors.New("original_locator is required")
	case strings.TrimSpace(req.PageHTML) == "":
		return http.StatusBadRequest, errors.New("page_html is required")
	case req.MaxCandidates < 0:
		return http.StatusBadRequest, errors.New("max_candidates must not be negative")
	case len(req.PageHTML) > s.maxBytes:
		return http.StatusRequestEntityTooLarge, fmt.Errorf("page_html is %d bytes, limit %d", len(req.PageHTML), s.maxBytes)
	}
	return 0, nil
}

// healStatus maps engine errors onto HTTP statuses.
func healStatus(err error) (int, string) {
	switch {
	case errors.Is(err, healing.ErrParse):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, healing.ErrInvalidLocator):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "healing timed out"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "request cancelled"
	}
	return http.StatusInternalServerError, "healing failed"
}

// saveSnapshot stores the masked markup with the result. A storage failure
// is logged and does not fail the request; /confirm for that id returns 404.
func (s *Server) saveSnapshot(ctx context.Context, pageURL, masked string, ctxView engine.ContextView, view engine.ResultView) {
	ctxView, view = s.maskViews(ctxView, view)

	snap, err := storage.NewSnapshot(view.RequestID, pageURL, masked, ctxView, view, s.now())
	if err == nil {
		err = s.repo.SaveSnapshot(ctx, snap)
	}
	if err != nil {
		s.log.Error("save snapshot", zap.String("request_id", view.RequestID), zap.Error(err))
	}
}

// maskViews masks every free-text field that may quote page content: the
// outer HTML, the context texts and the candidate reasons. Locators are kept
// as they are. The views are copied; the caller's slices are not modified.
func (s *Server) maskViews(ctxView engine.ContextView, view engine.ResultView) (engine.ContextView, engine.ResultView) {
	mask := func(v string) string {
		out, _ := s.masker.Mask(v)
		return out
	}
	ctxView.ElementOuterHTML = mask(ctxView.ElementOuterHTML)
	ctxView.ExpectedText = mask(ctxView.ExpectedText)
	ctxView.PrevSiblingText = mask(ctxView.PrevSiblingText)
	ctxView.NextSiblingText = mask(ctxView.NextSiblingText)
	if ctxView.Anchors != nil {
		anchors := make([]string, len(ctxView.Anchors))
		for i, a := range ctxView.Anchors {
			anchors[i] = mask(a)
		}
		ctxView.Anchors = anchors
	}
	if view.Candidates != nil {
		cands := make([]engine.CandidateView, len(view.Candidates))
		for i, c := range view.Candidates {
			c.Reason = mask(c.Reason)
			cands[i] = c
		}
		view.Candidates = cands
	}
	return ctxView, view
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if status, err := s.decode(w, r, &req); err != nil {
		s.respondError(w, status, err.Error())
		return
	}
	if strings.TrimSpace(req.RequestID) == "" || req.AcceptedIndex == nil {
		s.respondError(w, http.StatusBadRequest, "request_id and accepted_index are required")
		return
	}
	accepted := *req.AcceptedIndex

	snap, err := s.repo.LoadSnapshot(r.Context(), req.RequestID)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("unknown request_id %q", req.RequestID))
		return
	}
	if err != nil {
		s.log.Error("load snapshot", zap.String("request_id", req.RequestID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "loading snapshot failed")
		return
	}

	var (
		ctxView engine.ContextView
		view    engine.ResultView
	)
	if err := json.Unmarshal(snap.Context, &ctxView); err != nil {
		s.log.Error("decode snapshot context", zap.String("request_id", req.RequestID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "snapshot is corrupt")
		return
	}
	if err := json.Unmarshal(snap.Result, &view); err != nil {
		s.log.Error("decode snapshot result", zap.String("request_id", req.RequestID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "snapshot is corrupt")
		return
	}

	tuple, err := view.Training(ctxView, accepted)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := storage.NewTrainingRecord(tuple.RequestID, tuple.AcceptedIndex, tuple.Context, tuple.Candidates, s.now())
	if err != nil {
		s.log.Error("build training record", zap.String("request_id", req.RequestID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "recording confirmation failed")
		return
	}
	wrote, err := s.repo.AppendTraining(r.Context(), rec)
	if err != nil {
		s.log.Error("append training", zap.String("request_id", req.RequestID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "recording confirmation failed")
		return
	}

	switch {
	case !wrote:
		metrics.ObserveConfirm("duplicate")
	case accepted < 0:
		metrics.ObserveConfirm("rejected")
	default:
		metrics.ObserveConfirm("accepted")
	}
	s.log.Info("confirmed",
		zap.String("request_id", req.RequestID),
		zap.Int("accepted_index", accepted),
		zap.Bool("recorded", wrote))
	s.respond(w, http.StatusOK, ConfirmResponse{Status: "confirmed", RequestID: req.RequestID, Recorded: wrote})
}

// decode reads one JSON object. The body limit leaves room for the JSON
// envelope around a page_html at the markup limit.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) (int, error) {
	limit := int64(s.maxBytes)*2 + 1<<20
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", tooBig.Limit)
		}
		if errors.Is(err, io.EOF) {
			return http.StatusBadRequest, errors.New("empty request body")
		}
		return http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err)
	}
	return 0, nil
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, errorResponse{Error: msg})
}

func ptr[T any](v T) *T { return &v }
