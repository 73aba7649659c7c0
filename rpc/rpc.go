/*
The rpc package holds the wire shapes the guider speaks: outgoing calls
carry a method, optional params, and a correlation id; incoming responses
carry the same id with either a result or an error object. Everything else
arriving on the socket is an event notification and is not this package's
concern.
*/
package rpc

import "encoding/json"

// Request is an outgoing call. Ids are issued by the correlator and are
// unique for as long as the call could still be outstanding.
type Request struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
	Id     uint64 `json:"id"`
}

func NewRequest(method string, params any, id uint64) Request {
	return Request{
		Method: method,
		Params: params,
		Id:     id,
	}
}

// Response is an incoming reply to a Request. Exactly one of Result and
// Error is present. The pointers are so the fields can be nil because
// they're not always there.
type Response struct {
	Result *json.RawMessage `json:"result"`
	Error  *ErrorObject     `json:"error"`
	Id     uint64           `json:"id"`
}

type ErrorObject struct {
	Code    int              `json:"code"`
	Message string           `json:"message"`
	Data    *json.RawMessage `json:"data,omitempty"`
}

// IdOnly is used to peek at an incoming message's correlation id without
// committing to a full parse. HasId distinguishes a present id from a zero
// one.
type IdOnly struct {
	Id *uint64 `json:"id"`
}

// ParseId reports the correlation id carried by raw, if any. Messages
// without an id field (or with a non-integer id) are event notifications.
func ParseId(raw []byte) (uint64, bool) {
	var peek IdOnly
	if err := json.Unmarshal(raw, &peek); err != nil || peek.Id == nil {
		return 0, false
	}
	return *peek.Id, true
}
