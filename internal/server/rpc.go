package server

import (
	"bytes"
	"encoding/json"
	"net/http"

	apierrors "github.com/copyleftdev/moeva/internal/errors"
	"github.com/copyleftdev/moeva/internal/logging"
)

// JSON-RPC 2.0 error codes.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type idParams struct {
	AttackID string `json:"attack_id" validate:"required"`
}

// handleJSONRPC handles JSON-RPC 2.0 requests for attack.start,
// attack.status, attack.list and attack.cancel.
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, nil, rpcParseError, "Parse error", nil)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.respondWithError(w, req.ID, rpcInvalidRequest, "Invalid Request", nil)
		return
	}

	var (
		result interface{}
		err    error
	)
	switch req.Method {
	case "attack.start":
		var p StartRequest
		if err = decodeParams(req.Params, &p); err == nil {
			result, err = s.Start(p)
		}
	case "attack.status":
		var p idParams
		if err = decodeParams(req.Params, &p); err == nil {
			result, err = s.Status(p.AttackID)
		}
	case "attack.list":
		result = s.List()
	case "attack.cancel":
		var p idParams
		if err = decodeParams(req.Params, &p); err == nil {
			if err = s.Cancel(p.AttackID); err == nil {
				result = map[string]string{"status": "cancellation requested"}
			}
		}
	default:
		s.respondWithError(w, req.ID, rpcMethodNotFound, "Method not found", nil)
		return
	}

	if err != nil {
		e := apierrors.Wrap(err, "")
		code := rpcServerError
		if e.Status == http.StatusBadRequest {
			code = rpcInvalidParams
		}
		msg := e.Message
		if msg == "" {
			msg = e.Error()
		}
		s.respondWithError(w, req.ID, code, msg, map[string]interface{}{"code": e.Code})
		return
	}

	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

// decodeParams accepts either a params object or a positional array whose
// first element is the object.
func decodeParams(raw json.RawMessage, v interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return apierrors.BadRequest("missing required parameters")
	}
	if raw[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil || len(arr) == 0 {
			return apierrors.BadRequest("invalid parameter format, expected object")
		}
		raw = arr[0]
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierrors.BadRequest("invalid parameters: %v", err)
	}
	if p, ok := v.(*idParams); ok {
		if err := validate.Struct(p); err != nil {
			return apierrors.BadRequest("attack_id is required")
		}
	}
	return nil
}

// respondWithError sends a JSON-RPC 2.0 error response.
func (s *Server) respondWithError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	s.logger.Warn("rpc error", logging.Fields{
		"rpc_code": code,
		"message":  message,
	})
	writeJSON(w, http.StatusOK, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message, Data: data},
	})
}
