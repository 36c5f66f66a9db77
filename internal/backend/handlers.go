package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/pitchpractice/internal/analysis"
	"github.com/MrWong99/pitchpractice/internal/backend/store"
	"github.com/MrWong99/pitchpractice/internal/entitlement"
	"github.com/MrWong99/pitchpractice/internal/observe"
	"github.com/MrWong99/pitchpractice/internal/rubric"
	"github.com/MrWong99/pitchpractice/pkg/audio"
	"github.com/MrWong99/pitchpractice/pkg/pitchapi"
	"github.com/MrWong99/pitchpractice/pkg/provider/stt"
	"github.com/MrWong99/pitchpractice/pkg/run"
)

const (
	multipartMemory = 8 << 20

	// finalWriteTimeout bounds the store write that records an async
	// analysis outcome after the analysis context is gone.
	finalWriteTimeout = 10 * time.Second
)

var (
	// errUnchanged aborts a store update when the run already is where the
	// request would take it.
	errUnchanged = errors.New("backend: run unchanged")

	errNotTranscribed = errors.New("run has no transcript yet")
	errInProgress     = errors.New("transcription already in progress")
)

// ---- runs -------------------------------------------------------------------

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)
	caps := s.capabilities(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large", fmt.Sprintf("limit is %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form", err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, hdr, err := r.FormFile(pitchapi.FieldAudio)
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio is required", err.Error())
		return
	}
	data, err := io.ReadAll(file)
	_ = file.Close()
	if err != nil {
		writeError(w, http.StatusBadRequest, "read audio", err.Error())
		return
	}
	if len(data) < s.cfg.MinAudioBytes {
		writeError(w, http.StatusUnprocessableEntity, "recording too short",
			fmt.Sprintf("got %d bytes, need at least %d", len(data), s.cfg.MinAudioBytes))
		return
	}

	sel, err := selectionFromForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rubric", err.Error())
		return
	}
	if code, msg, err := checkSelection(sel, caps); err != nil {
		writeError(w, code, msg, err.Error())
		return
	}

	durationMs, err := uploadDuration(data, r.FormValue(pitchapi.FieldDurationMs))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid duration", err.Error())
		return
	}
	if ceiling := caps.MaxDuration.Milliseconds(); durationMs > ceiling {
		durationMs = ceiling
	}

	mime := hdr.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = "audio/wav"
	}
	now := s.cfg.Clock.Now().UTC()
	rec := store.Record{
		Run: run.Run{
			ID:         uuid.NewString(),
			Status:     run.StatusUploaded,
			DurationMs: durationMs,
			CreatedAt:  now,
		},
		Audio:        data,
		MimeType:     mime,
		Rubric:       sel,
		PitchContext: strings.TrimSpace(r.FormValue(pitchapi.FieldPitchContext)),
		Plan:         caps.Plan,
		UpdatedAt:    now,
	}
	if err := s.cfg.Store.Create(ctx, rec); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.cfg.Metrics.RunsCreated.Add(ctx, 1, metric.WithAttributes(observe.Attr("plan", string(caps.Plan))))

	log.Info("backend: run created",
		"run_id", rec.ID,
		"plan", caps.Plan,
		"rubric", sel.String(),
		"bytes", len(data),
		"duration_ms", durationMs,
	)
	writeJSON(w, http.StatusCreated, pitchapi.CreateRunResponse{ID: rec.ID, Status: rec.Status})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.Run)
}

func (s *Server) handleEntitlement(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, EntitlementFrom(r.Context()))
}

// ---- transcription ------------------------------------------------------------

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	log := observe.Logger(r.Context()).With("run_id", id)

	var current store.Record
	rec, err := s.cfg.Store.Update(r.Context(), id, func(rec *store.Record) error {
		current = *rec
		switch {
		case rec.Status == run.StatusTranscribing:
			return errInProgress
		case rec.HasTranscript():
			return errUnchanged
		case rec.Status == run.StatusUploaded, rec.Status == run.StatusError:
			rec.Status = run.StatusTranscribing
			rec.Error = ""
			rec.UpdatedAt = s.cfg.Clock.Now().UTC()
			return nil
		default:
			return fmt.Errorf("unexpected status %q", rec.Status)
		}
	})
	switch {
	case errors.Is(err, errUnchanged):
		writeJSON(w, http.StatusOK, transcribeResult(current))
		return
	case errors.Is(err, errInProgress):
		writeError(w, http.StatusConflict, "transcription already in progress", "")
		return
	case err != nil:
		s.storeError(w, r, err)
		return
	}

	// The work outlives a disconnecting client so the run never sticks in
	// transcribing.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.TranscribeTimeout)
	defer cancel()

	start := s.cfg.Clock.Now()
	tr, err := s.cfg.STT.Transcribe(ctx, stt.Request{
		Audio:    rec.Audio,
		MimeType: rec.MimeType,
		Language: s.cfg.Language,
	})
	s.cfg.Metrics.STTDuration.Record(ctx, s.cfg.Clock.Since(start).Seconds())
	s.cfg.Metrics.RecordProviderRequest(ctx, "stt", "transcribe", statusOf(err))
	if err != nil {
		s.cfg.Metrics.RecordProviderError(ctx, "stt", "transcribe")
		log.Error("backend: transcription failed", "err", err)
		s.markError(ctx, id, "transcription failed: "+err.Error())
		writeError(w, http.StatusBadGateway, "transcription failed", err.Error())
		return
	}
	if tr.WordCount() == 0 {
		log.Warn("backend: transcription is empty")
		s.markError(ctx, id, "no speech detected")
		writeError(w, http.StatusUnprocessableEntity, "no speech detected", "the recording contains no recognisable words")
		return
	}

	rec, err = s.cfg.Store.Update(ctx, id, func(rec *store.Record) error {
		rec.Status = run.StatusTranscribed
		rec.Transcript = tr.Text
		rec.WordCount = tr.WordCount()
		if rec.DurationMs == 0 && tr.Duration > 0 {
			rec.DurationMs = tr.Duration.Milliseconds()
		}
		rec.UpdatedAt = s.cfg.Clock.Now().UTC()
		return nil
	})
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	log.Info("backend: run transcribed", "words", rec.WordCount, "duration", s.cfg.Clock.Since(start))
	writeJSON(w, http.StatusOK, transcribeResult(rec))
}

func transcribeResult(rec store.Record) pitchapi.TranscribeResult {
	return pitchapi.TranscribeResult{
		Status:     rec.Status,
		Transcript: rec.Transcript,
		WordCount:  rec.WordCount,
	}
}

// ---- analysis ---------------------------------------------------------------

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	caps := s.capabilities(ctx)

	var req pitchapi.AnalyzeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	var current store.Record
	var rb rubric.Rubric
	rec, err := s.cfg.Store.Update(ctx, id, func(rec *store.Record) error {
		current = *rec
		switch {
		case rec.Status == run.StatusAnalyzing, rec.Status == run.StatusAnalyzed:
			return errUnchanged
		case !rec.HasTranscript():
			return errNotTranscribed
		}

		sel := rec.Rubric
		if req.Rubric != (rubric.Selection{}) {
			sel = req.Rubric
		}
		if sel == (rubric.Selection{}) {
			sel = rubric.ByID(rubric.DefaultID)
		}
		code, msg, err := checkSelection(sel, caps)
		if err != nil {
			return &requestError{code: code, msg: msg, err: err}
		}
		rb, _ = sel.Resolve()

		rec.Rubric = sel
		if pc := strings.TrimSpace(req.PitchContext); pc != "" {
			rec.PitchContext = pc
		}
		rec.Plan = caps.Plan
		rec.Status = run.StatusAnalyzing
		rec.Analysis = nil
		rec.Error = ""
		rec.UpdatedAt = s.cfg.Clock.Now().UTC()
		return nil
	})

	var reqErr *requestError
	switch {
	case errors.Is(err, errUnchanged):
		writeJSON(w, http.StatusOK, pitchapi.AnalyzeResult{Status: current.Status, Analysis: current.Analysis})
		return
	case errors.Is(err, errNotTranscribed):
		writeError(w, http.StatusConflict, "run is not transcribed", fmt.Sprintf("status is %q", current.Status))
		return
	case errors.As(err, &reqErr):
		writeError(w, reqErr.code, reqErr.msg, reqErr.err.Error())
		return
	case err != nil:
		s.storeError(w, r, err)
		return
	}

	s.wg.Add(1)
	go s.analyze(rec, rb, caps.CanViewPremiumInsights)

	observe.Logger(ctx).Info("backend: analysis started", "run_id", id, "rubric", rec.Rubric.String())
	writeJSON(w, http.StatusAccepted, pitchapi.AnalyzeResult{Status: run.StatusAnalyzing})
}

// analyze runs one analysis in the background and records its outcome.
func (s *Server) analyze(rec store.Record, rb rubric.Rubric, premium bool) {
	defer s.wg.Done()
	log := slog.With("run_id", rec.ID)

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.AnalysisTimeout)
	defer cancel()
	s.cfg.Metrics.AnalysesInFlight.Add(ctx, 1)
	defer s.cfg.Metrics.AnalysesInFlight.Add(context.Background(), -1)

	start := s.cfg.Clock.Now()
	res, err := s.cfg.Analyzer.Analyze(ctx, analysis.Input{
		Transcript:   rec.Transcript,
		Duration:     rec.Duration(),
		Rubric:       rb,
		PitchContext: rec.PitchContext,
		Premium:      premium,
	})
	s.cfg.Metrics.AnalysisDuration.Record(ctx, s.cfg.Clock.Since(start).Seconds())
	s.cfg.Metrics.RecordProviderRequest(ctx, "llm", "analyze", statusOf(err))

	var payload []byte
	if err == nil {
		payload, err = json.Marshal(res)
	}

	wctx, wcancel := context.WithTimeout(context.Background(), finalWriteTimeout)
	defer wcancel()
	if err != nil {
		s.cfg.Metrics.RecordProviderError(ctx, "llm", "analyze")
		log.Error("backend: analysis failed", "err", err)
		s.markError(wctx, rec.ID, "analysis failed: "+err.Error())
		return
	}

	_, err = s.cfg.Store.Update(wctx, rec.ID, func(r *store.Record) error {
		if r.Status != run.StatusAnalyzing {
			return errUnchanged
		}
		r.Status = run.StatusAnalyzed
		r.Analysis = payload
		r.UpdatedAt = s.cfg.Clock.Now().UTC()
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		log.Error("backend: store analysis", "err", err)
		return
	}
	log.Info("backend: run analyzed", "score", res.OverallScore, "duration", s.cfg.Clock.Since(start))
}

// markError moves a non-terminal run to error.
func (s *Server) markError(ctx context.Context, id, reason string) {
	_, err := s.cfg.Store.Update(ctx, id, func(r *store.Record) error {
		if r.Status.IsTerminal() {
			return errUnchanged
		}
		r.Status = run.StatusError
		r.Error = reason
		r.UpdatedAt = s.cfg.Clock.Now().UTC()
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		slog.Error("backend: mark run failed", "run_id", id, "err", err)
	}
}

// ---- helpers ----------------------------------------------------------------

// requestError carries an HTTP status out of a store update callback.
type requestError struct {
	code int
	msg  string
	err  error
}

func (e *requestError) Error() string { return e.msg + ": " + e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

// selectionFromForm reads the rubric choice of an upload. No choice selects
// the default built-in rubric.
func selectionFromForm(r *http.Request) (rubric.Selection, error) {
	id := strings.TrimSpace(r.FormValue(pitchapi.FieldRubricID))
	raw := strings.TrimSpace(r.FormValue(pitchapi.FieldRubricJSON))
	switch {
	case id != "" && raw != "":
		return rubric.Selection{}, rubric.ErrAmbiguousSelection
	case raw != "":
		rb, err := rubric.Parse([]byte(raw))
		if err != nil {
			return rubric.Selection{}, err
		}
		return rubric.CustomRubric(rb), nil
	case id != "":
		return rubric.ByID(id), nil
	default:
		return rubric.ByID(rubric.DefaultID), nil
	}
}

// checkSelection validates and authorizes sel, returning the HTTP status to
// answer with on failure.
func checkSelection(sel rubric.Selection, caps entitlement.Capabilities) (int, string, error) {
	if err := sel.Authorize(caps); err != nil {
		return http.StatusForbidden, "custom rubrics are not available on this plan", err
	}
	if _, err := sel.Resolve(); err != nil {
		return http.StatusBadRequest, "invalid rubric", err
	}
	return 0, "", nil
}

// uploadDuration returns the recording length in milliseconds. The decoded
// WAV length wins over the client-reported value.
func uploadDuration(data []byte, reported string) (int64, error) {
	if d, err := audio.WAVDuration(data); err == nil && d > 0 {
		return d.Milliseconds(), nil
	}
	if reported == "" {
		return 0, nil
	}
	ms, err := strconv.ParseInt(reported, 10, 64)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", pitchapi.FieldDurationMs, reported)
	}
	return ms, nil
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found", mux.Vars(r)["id"])
		return
	}
	observe.Logger(r.Context()).Error("backend: store", "err", err)
	writeError(w, http.StatusInternalServerError, "internal error", "")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("backend: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg, details string) {
	writeJSON(w, status, pitchapi.ErrorBody{Error: msg, Details: details})
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
