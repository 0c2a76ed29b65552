package server

import (
	"bytes"
	"encoding/json"
	"net/http"

	apierr "github.com/nmr-relax/relax-sub027/internal/errors"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeNotFound       = -32001
	codeConflict       = -32002
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

// runParams identifies a run in status and cancel calls.
type runParams struct {
	ID      string `json:"id"`
	History bool   `json:"history,omitempty"`
}

// decodeParams accepts named parameters or a one-element positional array
// holding them.
func decodeParams(raw json.RawMessage, v interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return badRequest("missing parameters")
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return badRequest("invalid parameters: %v", err)
		}
		if len(list) != 1 {
			return badRequest("expected one parameter object, got %d", len(list))
		}
		raw = list[0]
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return badRequest("invalid parameters: %v", err)
	}
	return nil
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, codeParseError, "Parse error", nil)
		return
	}
	if request.JSONRPC != "2.0" || request.Method == "" {
		s.respondWithError(w, codeInvalidRequest, "Invalid Request", request.ID)
		return
	}

	var (
		result interface{}
		err    error
	)
	switch request.Method {
	case "minimise.start":
		var req MinimiseRequest
		if err = decodeParams(request.Params, &req); err == nil {
			result, err = s.StartMinimise(&req)
		}
	case "grid.start":
		var req GridRequest
		if err = decodeParams(request.Params, &req); err == nil {
			result, err = s.StartGrid(&req)
		}
	case "minimise.status":
		var p runParams
		if err = decodeParams(request.Params, &p); err == nil {
			result, err = s.Status(p.ID, p.History)
		}
	case "minimise.cancel":
		var p runParams
		if err = decodeParams(request.Params, &p); err == nil {
			err = s.Cancel(p.ID)
			result = map[string]string{"status": "cancellation requested"}
		}
	default:
		s.respondWithError(w, codeMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		s.respondWithError(w, rpcCode(err), err.Error(), request.ID)
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: request.ID, Result: result})
}

func rpcCode(err error) int {
	switch apierr.StatusCode(err) {
	case http.StatusBadRequest:
		return codeInvalidParams
	case http.StatusNotFound:
		return codeNotFound
	case http.StatusConflict:
		return codeConflict
	}
	return codeServerError
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Warn("JSON-RPC error", map[string]interface{}{
		"code":    code,
		"message": message,
	})
	writeJSON(w, http.StatusOK, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	})
}
