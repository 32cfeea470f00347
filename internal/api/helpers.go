package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/flowgraph/pkg/schema"
)

const maxBodyBytes = 4 << 20

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Detail    string         `json:"detail"`
	ErrorCode string         `json:"error_code,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to its HTTP status. FlowErrors keep their code, node
// and details; anything else is a 500.
func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Detail: err.Error(), ErrorCode: schema.ErrCodeInternal}
	if fe, ok := schema.AsFlowError(err); ok {
		body = errorBody{Detail: fe.Message, ErrorCode: fe.Code, NodeID: fe.NodeID, Details: fe.Details}
	}
	writeJSON(w, schema.HTTPStatus(err), body)
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeError(w, schema.NewErrorf(schema.ErrCodeValidation, format, args...))
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v as is.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		badRequest(w, "invalid JSON: %v", err)
		return false
	}
	return true
}

// queryInt extracts a non-negative integer query param with a default value.
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("query parameter %s must be a non-negative integer", key)
	}
	return n, nil
}

// userID reads the caller identity from the request header.
func userID(r *http.Request) string {
	return r.Header.Get(UserHeader)
}
