package scan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Observation is one access point as reported by a scanning agent.
// Every field is optional and kept raw; see features.Extract for how each
// one is interpreted.
type Observation struct {
	SSID     Field `json:"ssid"`
	BSSID    Field `json:"bssid"`
	Signal   Field `json:"signal"`
	Channel  Field `json:"channel"`
	Security Field `json:"security"`
	Vendor   Field `json:"vendor"`
}

// PredictRequest is the body of POST /predict.
type PredictRequest struct {
	AgentID   string        `json:"agent_id"`
	Timestamp float64       `json:"timestamp"`
	Scans     []Observation `json:"scans"`
}

// Detection echoes the display fields of an observation verbatim and adds
// the classification.
type Detection struct {
	SSID       Field   `json:"ssid"`
	BSSID      Field   `json:"bssid"`
	Signal     Field   `json:"signal"`
	Channel    Field   `json:"channel"`
	Security   Field   `json:"security"`
	Vendor     Field   `json:"vendor"`
	IsFake     bool    `json:"is_fake"`
	Confidence float64 `json:"confidence"`
}

// PredictResponse is the body returned by POST /predict.
type PredictResponse struct {
	Detections  []Detection `json:"detections"`
	ModelLoaded bool        `json:"model_loaded"`
	Message     string      `json:"message,omitempty"`
}

// DetectionEvent is what gets fanned out to sinks, one per detection.
type DetectionEvent struct {
	EventID     string    `json:"event_id"`
	TS          string    `json:"ts"` // RFC3339, server clock
	AgentID     string    `json:"agent_id"`
	AgentTS     float64   `json:"agent_ts"`
	ModelLoaded bool      `json:"model_loaded"`
	State       string    `json:"state"` // inference state that produced the score
	Detection   Detection `json:"detection"`
}

// NewDetection pairs an observation with its classification.
func NewDetection(obs Observation, isFake bool, confidence float64) Detection {
	return Detection{
		SSID:       obs.SSID,
		BSSID:      obs.BSSID,
		Signal:     obs.Signal,
		Channel:    obs.Channel,
		Security:   obs.Security,
		Vendor:     obs.Vendor,
		IsFake:     isFake,
		Confidence: confidence,
	}
}

// ErrMalformedJSON is returned when the body is not JSON at all.
var ErrMalformedJSON = errors.New("malformed json")

// ValidationError describes a syntactically valid body with the wrong shape.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// DecodePredictRequest parses a /predict body. Unknown keys are ignored.
// Shape problems come back as *ValidationError; per-scan field values are
// never rejected here.
func DecodePredictRequest(body []byte) (PredictRequest, error) {
	var req PredictRequest
	if !json.Valid(body) {
		return req, ErrMalformedJSON
	}

	var raw struct {
		AgentID   json.RawMessage   `json:"agent_id"`
		Timestamp json.RawMessage   `json:"timestamp"`
		Scans     []json.RawMessage `json:"scans"`
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return req, &ValidationError{Field: "body", Reason: "must be a JSON object"}
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "scans" {
			return req, &ValidationError{Field: "scans", Reason: "must be a list"}
		}
		return req, &ValidationError{Field: "body", Reason: err.Error()}
	}

	if len(raw.AgentID) == 0 || bytes.Equal(raw.AgentID, nullToken) {
		return req, &ValidationError{Field: "agent_id", Reason: "field required"}
	}
	if err := json.Unmarshal(raw.AgentID, &req.AgentID); err != nil {
		return req, &ValidationError{Field: "agent_id", Reason: "must be a string"}
	}

	if len(raw.Timestamp) == 0 || bytes.Equal(raw.Timestamp, nullToken) {
		return req, &ValidationError{Field: "timestamp", Reason: "field required"}
	}
	if err := json.Unmarshal(raw.Timestamp, &req.Timestamp); err != nil {
		return req, &ValidationError{Field: "timestamp", Reason: "must be a number"}
	}

	if raw.Scans == nil {
		return req, &ValidationError{Field: "scans", Reason: "field required"}
	}
	req.Scans = make([]Observation, len(raw.Scans))
	for i, item := range raw.Scans {
		if len(item) == 0 || item[0] != '{' {
			return req, &ValidationError{Field: fmt.Sprintf("scans[%d]", i), Reason: "must be an object"}
		}
		if err := json.Unmarshal(item, &req.Scans[i]); err != nil {
			return req, &ValidationError{Field: fmt.Sprintf("scans[%d]", i), Reason: err.Error()}
		}
	}
	return req, nil
}
