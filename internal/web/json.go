package web

import (
	"encoding/json"
	"net/http"
)

// actuateRequest is the POST /actuate body. DurationMs opens the valve for
// a fixed time; AmountUl solves the open time from the port's calibration
// curve. At most one of the two may be set.
type actuateRequest struct {
	Port       int     `json:"port"`
	DurationMs int64   `json:"duration_ms"`
	AmountUl   float64 `json:"amount_ul"`
}

// actuateResponse reports one delivery outcome.
type actuateResponse struct {
	OK         bool    `json:"ok"`
	Port       int     `json:"port,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
	AmountUl   float64 `json:"amount_ul,omitempty"`
	Attempts   int     `json:"attempts,omitempty"`
	Error      string  `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}
