package control

import (
	"encoding/json"
	"errors"
)

const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeToolFailed     = -32000
)

// request is a JSON-RPC 2.0 call whose method is a tool name.
type request struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func result(id json.RawMessage, v any) response {
	return response{Version: "2.0", ID: id, Result: v}
}

func failure(id json.RawMessage, code int, msg string, data any) response {
	return response{Version: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg, Data: data}}
}

func decodeRequest(body []byte) (request, error) {
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		return request{}, err
	}
	switch {
	case req.Version != "" && req.Version != "2.0":
		return request{}, errors.New("unsupported jsonrpc version")
	case req.Method == "":
		return request{}, errors.New("missing method")
	}
	return req, nil
}
