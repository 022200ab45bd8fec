package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Brownie44l1/fer-api/internal/capture"
	"github.com/Brownie44l1/fer-api/internal/emotion"
	"github.com/Brownie44l1/fer-api/internal/logging"
	"github.com/Brownie44l1/fer-api/internal/model"
)

// Detector is the part of emotion.Pipeline the HTTP layer needs.
type Detector interface {
	WaitForReady(ctx context.Context) error
	State() emotion.State
	LastLoadError() error
	Labels() ([]string, error)
	Classify(ctx context.Context, t *emotion.InputTensor) (emotion.Result, error)
	DetectEmotion(ctx context.Context, img emotion.RawImage) (emotion.Result, error)
}

// PredictionRequest carries a preprocessed 48x48 grayscale frame in row-major
// order with values in [0,1].
type PredictionRequest struct {
	Image []float32 `json:"image"`
}

// DataURLRequest carries a webcam screenshot as produced by canvas.toDataURL.
type DataURLRequest struct {
	Image string `json:"image"`
}

type Handler struct {
	detector       Detector
	decoder        *capture.Decoder
	maxUploadBytes int64
	logger         *slog.Logger
}

func NewHandler(detector Detector, decoder *capture.Decoder, maxUploadBytes int64, logger *slog.Logger) *Handler {
	if decoder == nil {
		decoder = capture.NewDecoder(0)
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = 10 << 20
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Handler{
		detector:       detector,
		decoder:        decoder,
		maxUploadBytes: maxUploadBytes,
		logger:         logger.With("component", "http"),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready reports 200 once the model is loaded and 503 otherwise.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	state := h.detector.State()
	if state == emotion.StateReady || state == emotion.StateInferring {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ready", "state": string(state)})
		return
	}

	body := map[string]string{"status": "not_ready", "state": string(state)}
	if err := h.detector.LastLoadError(); err != nil {
		body["error"] = err.Error()
	}
	respondJSON(w, http.StatusServiceUnavailable, body)
}

func (h *Handler) Labels(w http.ResponseWriter, r *http.Request) {
	labels, err := h.detector.Labels()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "Model not loaded")
		return
	}
	respondJSON(w, http.StatusOK, map[string][]string{"labels": labels})
}

// Predict classifies a frame that the client already preprocessed.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	var req PredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondDecodeError(w, err)
		return
	}
	if len(req.Image) != model.InputLen {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Expected %d values, got %d", model.InputLen, len(req.Image)))
		return
	}

	tensor, err := emotion.NewInputTensor(req.Image)
	if err != nil {
		h.respondPredictionError(w, r, err)
		return
	}
	defer tensor.Release()

	if err := h.detector.WaitForReady(r.Context()); err != nil {
		h.respondPredictionError(w, r, err)
		return
	}
	result, err := h.detector.Classify(r.Context(), tensor)
	if err != nil {
		h.respondPredictionError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// PredictFromImage classifies an uploaded image sent as multipart field "image".
func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.maxUploadBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		if tooLarge(err) {
			respondError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		respondError(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		respondError(w, http.StatusBadRequest, "No image file provided. Use 'image' as the form field name")
		return
	}
	defer file.Close()

	raw, format, err := h.decoder.Decode(file)
	if err != nil {
		h.respondPredictionError(w, r, err)
		return
	}
	logging.From(r.Context()).Debug("image received",
		"filename", header.Filename,
		"size", header.Size,
		"format", format,
		"width", raw.Width,
		"height", raw.Height)

	h.detect(w, r, raw)
}

// PredictFromDataURL classifies a webcam screenshot sent as a data URL.
func (h *Handler) PredictFromDataURL(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	var req DataURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondDecodeError(w, err)
		return
	}
	if req.Image == "" {
		respondError(w, http.StatusBadRequest, "No image provided")
		return
	}

	raw, _, err := h.decoder.DecodeDataURL(req.Image)
	if err != nil {
		h.respondPredictionError(w, r, err)
		return
	}
	h.detect(w, r, raw)
}

func (h *Handler) detect(w http.ResponseWriter, r *http.Request, raw emotion.RawImage) {
	if err := h.detector.WaitForReady(r.Context()); err != nil {
		h.respondPredictionError(w, r, err)
		return
	}
	result, err := h.detector.DetectEmotion(r.Context(), raw)
	if err != nil {
		h.respondPredictionError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) respondPredictionError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("prediction failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		h.logger.Debug("prediction rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	respondError(w, status, message)
}

func statusFor(err error) (int, string) {
	var (
		pe *emotion.PreprocessError
		le *model.LoadError
	)
	switch {
	case errors.As(err, &pe):
		return http.StatusBadRequest, pe.Error()
	case errors.Is(err, model.ErrClosed):
		return http.StatusServiceUnavailable, "Server is shutting down"
	case errors.Is(err, model.ErrNotReady):
		return http.StatusServiceUnavailable, "Model not loaded"
	case errors.As(err, &le):
		return http.StatusServiceUnavailable, "Model failed to load"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "Model not ready in time"
	default:
		return http.StatusInternalServerError, "Prediction failed"
	}
}

func respondDecodeError(w http.ResponseWriter, err error) {
	if tooLarge(err) {
		respondError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	respondError(w, http.StatusBadRequest, "Invalid JSON")
}

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
