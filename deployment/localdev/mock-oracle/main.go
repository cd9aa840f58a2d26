package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"
)

// decideRequest mirrors the digest vigil-agent posts; only the fields the
// mock routes on are decoded.
type decideRequest struct {
	TraceID        string   `json:"trace_id"`
	Situation      string   `json:"situation"`
	AllowedActions []string `json:"allowed_actions"`
}

type prediction struct {
	Metric        string  `json:"metric"`
	ExpectedDelta float64 `json:"expected_delta"`
}

type proposal struct {
	Action     string            `json:"action"`
	Params     map[string]string `json:"params,omitempty"`
	Hypothesis string            `json:"hypothesis"`
	Prediction prediction        `json:"prediction"`
	Reasoning  string            `json:"reasoning,omitempty"`
}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/decide", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req decideRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		writeJSON(w, propose(req))
	})

	logger := log.New(log.Writer(), "oracle-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8090",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :8090")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

// propose returns a canned catalog action keyed off the situation text, the
// way a reasoning backend would answer a real digest.
func propose(req decideRequest) proposal {
	situation := strings.ToLower(req.Situation)
	switch {
	case strings.Contains(situation, "swap"):
		return proposal{
			Action:     "reduce_swappiness",
			Params:     map[string]string{"value": "10"},
			Hypothesis: "the host is swapping out pages it immediately needs back",
			Prediction: prediction{Metric: "swap", ExpectedDelta: -0.5},
			Reasoning:  "swap churn with free memory available points at an aggressive swappiness setting",
		}
	case strings.Contains(situation, "memory"):
		return proposal{
			Action:     "clear_page_cache",
			Params:     map[string]string{"level": "1"},
			Hypothesis: "reclaimable page cache is inflating memory pressure",
			Prediction: prediction{Metric: "memory", ExpectedDelta: -0.3},
			Reasoning:  "cache pages are the cheapest memory to give back",
		}
	case strings.Contains(situation, "tcp"):
		return proposal{
			Action:     "increase_tcp_backlog",
			Params:     map[string]string{"value": "8192"},
			Hypothesis: "the accept queue is overflowing under connection bursts",
			Prediction: prediction{Metric: "tcp", ExpectedDelta: -0.4},
		}
	default:
		return proposal{
			Action:     "list_top_memory",
			Hypothesis: "not enough signal to remediate, gather evidence first",
			Reasoning:  "no first-line fix matches the reported situation",
		}
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
