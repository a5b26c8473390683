package stratumjson

import (
	"encoding/json"

	"github.com/btcsuite/btcd/btcjson"
)

// Request is a type for raw JSON-RPC 2.0 requests.  Stratum pools take the
// params of every method as a single object.
type Request struct {
	ID      uint64          `json:"id"`
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is the general form of a JSON-RPC response.  The type of the
// Result field varies from one command to the next, so it is implemented as
// a json.RawMessage.
type Response struct {
	ID      *uint64           `json:"id"`
	Jsonrpc string            `json:"jsonrpc"`
	Result  json.RawMessage   `json:"result"`
	Error   *btcjson.RPCError `json:"error"`
}

// Notification is a server initiated message carrying no id.
type Notification struct {
	Jsonrpc string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// NewRequest returns a new JSON-RPC 2.0 request object with the given
// params marshalled as an object.
func NewRequest(id uint64, method string, params interface{}) (*Request, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	return &Request{
		ID:      id,
		Jsonrpc: "2.0",
		Method:  method,
		Params:  rawParams,
	}, nil
}

// MarshalResponse marshals the passed id, result, and RPCError to a JSON-RPC
// response byte slice.
func MarshalResponse(id uint64, result interface{}, rpcErr *btcjson.RPCError) ([]byte, error) {
	var marshalledResult []byte
	if result != nil && rpcErr == nil {
		var err error
		marshalledResult, err = json.Marshal(result)
		if err != nil {
			return nil, err
		}
	}
	resp := &Response{
		ID:      &id,
		Jsonrpc: "2.0",
		Result:  marshalledResult,
		Error:   rpcErr,
	}
	return json.Marshal(resp)
}

// MarshalNotification marshals a server notification for method.
func MarshalNotification(method string, params interface{}) ([]byte, error) {
	return json.Marshal(&Notification{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  params,
	})
}
