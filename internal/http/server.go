package httpx

import (
	"net/http"
)

func NewMux(e Env) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", e.Health)
	mux.HandleFunc("/readyz", e.Readyz)
	mux.HandleFunc("/scan", e.Scan)
	mux.HandleFunc("/predict", e.Predict)
	if e.Feed != nil {
		mux.Handle("/ws", e.Feed)
	}

	// Apply CORS, metrics, and request logging middleware
	return RequestLogger(MetricsMiddleware(e.Metrics)(cors(mux)))
}
