package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shortontech/apguard/internal/features"
	"github.com/shortontech/apguard/internal/inference"
	"github.com/shortontech/apguard/internal/metrics"
	"github.com/shortontech/apguard/internal/scan"
	cfg "github.com/shortontech/apguard/pkg/config"
)

// NoModelMessage is returned by /predict while running without a classifier.
const NoModelMessage = "No model available; please run apguard-train to create the model file"

type Env struct {
	Cfg      cfg.Config
	Policy   *inference.Policy        // nil behaves like a policy without a classifier
	Emit     func(scan.DetectionEvent) // injected sink fan-out
	Metrics  *metrics.Metrics
	HMACAuth *HMACAuth
	Feed     http.Handler // live detection feed for GET /ws; nil when disabled
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (e Env) maxBodyBytes() int64 {
	if e.Cfg.MaxBodyBytes > 0 {
		return e.Cfg.MaxBodyBytes
	}
	return 1 << 20
}

// readBody enforces the size limit and the agent signature. It writes the
// error response itself and returns ok=false when the request is rejected.
func (e Env) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, e.maxBodyBytes()))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetail(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeDetail(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	if e.HMACAuth != nil && !e.HMACAuth.VerifyHMAC(r, body) {
		writeDetail(w, http.StatusUnauthorized, "invalid or missing HMAC signature")
		return nil, false
	}
	return body, true
}

// GET /health
func (e Env) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	now := time.Now()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "OK",
		"model_loaded": e.Policy.ModelLoaded(),
		"timestamp":    float64(now.UnixNano()) / float64(time.Second),
	})
}

func (e Env) Readyz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// POST /scan echoes the payload back without scoring it.
func (e Env) Scan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, ok := e.readBody(w, r)
	if !ok {
		return
	}
	if !json.Valid(body) {
		writeDetail(w, http.StatusBadRequest, "invalid json")
		return
	}

	var compact bytes.Buffer
	_ = json.Compact(&compact, body)
	log.Printf("[SCAN] Received data: %s", compact.String())

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "received",
		"data":   json.RawMessage(compact.Bytes()),
	})
}

// POST /predict scores a batch of scan observations.
func (e Env) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, ok := e.readBody(w, r)
	if !ok {
		return
	}

	req, err := scan.DecodePredictRequest(body)
	if err != nil {
		var verr *scan.ValidationError
		switch {
		case errors.Is(err, scan.ErrMalformedJSON):
			writeDetail(w, http.StatusBadRequest, "invalid json")
		case errors.As(err, &verr):
			writeDetail(w, http.StatusUnprocessableEntity, verr.Error())
		default:
			writeDetail(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	if e.HMACAuth.Required() && strings.TrimSpace(r.Header.Get(AgentHeader)) != req.AgentID {
		log.Printf("predict: agent_id %q does not match signing agent %q", req.AgentID, r.Header.Get(AgentHeader))
		writeDetail(w, http.StatusUnauthorized, "agent_id does not match signing agent")
		return
	}

	outcome := e.Policy.Classify(features.ExtractAll(req.Scans))
	resp := scan.PredictResponse{
		Detections:  make([]scan.Detection, len(req.Scans)),
		ModelLoaded: e.Policy.ModelLoaded(),
	}
	if !resp.ModelLoaded {
		log.Printf("predict: called but no model loaded, returning defaults for %d scans", len(req.Scans))
		resp.Message = NoModelMessage
	}

	fake := 0
	for i, obs := range req.Scans {
		s := outcome.Scores[i]
		resp.Detections[i] = scan.NewDetection(obs, s.IsFake, s.Confidence)
		if s.IsFake {
			fake++
		}
	}
	if e.Metrics != nil {
		e.Metrics.ObserveInference(outcome.State.String(), len(req.Scans), fake)
	}
	e.emit(req, resp, outcome.State)

	writeJSON(w, http.StatusOK, resp)
}

func (e Env) emit(req scan.PredictRequest, resp scan.PredictResponse, state inference.State) {
	if e.Emit == nil {
		return
	}
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	for _, d := range resp.Detections {
		e.Emit(scan.DetectionEvent{
			EventID:     uuid.NewString(),
			TS:          ts,
			AgentID:     req.AgentID,
			AgentTS:     req.Timestamp,
			ModelLoaded: resp.ModelLoaded,
			State:       state.String(),
			Detection:   d,
		})
	}
}
