package contracts

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Version is the JSON-RPC protocol version carried by every message
const Version = "2.0"

var (
	// ErrInvalidMessage is returned when a payload is not a JSON-RPC message
	ErrInvalidMessage = errors.New("contracts: invalid json-rpc message")
	// ErrArgumentIndex is returned when a request has fewer params than asked for
	ErrArgumentIndex = errors.New("contracts: argument index out of range")
)

// Kind classifies a parsed message
type Kind int

const (
	KindRequest Kind = iota
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Message is implemented by every JSON-RPC envelope
type Message interface {
	Kind() Kind
	Marshal() ([]byte, error)
}

// Request invokes a remote method and expects a Response with the same ID
type Request struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      string                 `json:"id"`
	Method  string                 `json:"method"`
	Params  []json.RawMessage      `json:"params"`
	Headers map[string]interface{} `json:"headers,omitempty"`
}

// Notification invokes a remote method without expecting a response
type Notification struct {
	JSONRPC string                 `json:"jsonrpc"`
	Method  string                 `json:"method"`
	Params  []json.RawMessage      `json:"params"`
	Headers map[string]interface{} `json:"headers,omitempty"`
}

// Response carries the result of a Request, or the error it raised
type Response struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      string                 `json:"id"`
	Result  json.RawMessage        `json:"result,omitempty"`
	Error   *RemoteError           `json:"error,omitempty"`
	Headers map[string]interface{} `json:"headers,omitempty"`
}

// NewMessageID generates a unique message identifier
func NewMessageID() string {
	return uuid.New().String()
}

// NewRequest builds a request with a fresh ID
func NewRequest(method string, args []interface{}, headers map[string]interface{}) (*Request, error) {
	if method == "" {
		return nil, fmt.Errorf("%w: method is required", ErrInvalidMessage)
	}
	params, err := encodeParams(args)
	if err != nil {
		return nil, err
	}
	return &Request{
		JSONRPC: Version,
		ID:      NewMessageID(),
		Method:  method,
		Params:  params,
		Headers: copyHeaders(headers),
	}, nil
}

// NewNotification builds a notification
func NewNotification(method string, args []interface{}, headers map[string]interface{}) (*Notification, error) {
	if method == "" {
		return nil, fmt.Errorf("%w: method is required", ErrInvalidMessage)
	}
	params, err := encodeParams(args)
	if err != nil {
		return nil, err
	}
	return &Notification{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
		Headers: copyHeaders(headers),
	}, nil
}

// NewResponse builds the response to the request with the given ID. A
// non-nil err produces an error response.
func NewResponse(id string, result interface{}, err error, headers map[string]interface{}) (*Response, error) {
	resp := &Response{
		JSONRPC: Version,
		ID:      id,
		Headers: copyHeaders(headers),
	}
	if err != nil {
		resp.Error = ErrorFrom(err)
		return resp, nil
	}

	raw, mErr := json.Marshal(result)
	if mErr != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", mErr)
	}
	resp.Result = raw
	return resp, nil
}

func (r *Request) Kind() Kind      { return KindRequest }
func (n *Notification) Kind() Kind { return KindNotification }
func (r *Response) Kind() Kind     { return KindResponse }

// Marshal implements Message
func (r *Request) Marshal() ([]byte, error) { return json.Marshal(r) }

// Marshal implements Message
func (n *Notification) Marshal() ([]byte, error) { return json.Marshal(n) }

// Marshal implements Message
func (r *Response) Marshal() ([]byte, error) { return json.Marshal(r) }

// Arg decodes the i'th positional parameter into v
func (r *Request) Arg(i int, v interface{}) error {
	return decodeParam(r.Params, i, v)
}

// Arg decodes the i'th positional parameter into v
func (n *Notification) Arg(i int, v interface{}) error {
	return decodeParam(n.Params, i, v)
}

// AsRequest views a notification as an ID-less request so both can share
// one dispatch path
func (n *Notification) AsRequest() *Request {
	return &Request{
		JSONRPC: n.JSONRPC,
		Method:  n.Method,
		Params:  n.Params,
		Headers: n.Headers,
	}
}

// IsNotification reports whether the request carries no ID
func (r *Request) IsNotification() bool {
	return r.ID == ""
}

// AsResult returns the ordered [id, value] or [id, value, error] view of
// the response
func (r *Response) AsResult() *Result {
	return &Result{ID: r.ID, Value: r.Result, Err: r.Error}
}

// Result is the correlated outcome of a request
type Result struct {
	ID    string
	Value json.RawMessage
	Err   *RemoteError
}

// Len returns 3 when the result carries an error, 2 otherwise
func (r *Result) Len() int {
	if r.Err != nil {
		return 3
	}
	return 2
}

// Decode unmarshals the result value into v
func (r *Result) Decode(v interface{}) error {
	if r.Err != nil {
		return r.Err
	}
	if len(r.Value) == 0 {
		return nil
	}
	return json.Unmarshal(r.Value, v)
}

// wireMessage is the union used to classify an incoming payload
type wireMessage struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      *json.RawMessage       `json:"id"`
	Method  string                 `json:"method"`
	Params  json.RawMessage        `json:"params"`
	Result  json.RawMessage        `json:"result"`
	Error   *RemoteError           `json:"error"`
	Headers map[string]interface{} `json:"headers"`
}

// Parse decodes a payload into a Request, Notification or Response
func Parse(payload []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	id, err := parseID(w.ID)
	if err != nil {
		return nil, err
	}

	params, err := parseParams(w.Params)
	if err != nil {
		return nil, err
	}

	switch {
	case w.Method != "" && id != "":
		return &Request{JSONRPC: w.JSONRPC, ID: id, Method: w.Method, Params: params, Headers: w.Headers}, nil
	case w.Method != "":
		return &Notification{JSONRPC: w.JSONRPC, Method: w.Method, Params: params, Headers: w.Headers}, nil
	case id != "" && (w.Result != nil || w.Error != nil):
		return &Response{JSONRPC: w.JSONRPC, ID: id, Result: w.Result, Error: w.Error, Headers: w.Headers}, nil
	default:
		return nil, fmt.Errorf("%w: neither method nor result present", ErrInvalidMessage)
	}
}

// parseID accepts string and numeric ids; numbers keep their textual form
func parseID(raw *json.RawMessage) (string, error) {
	if raw == nil || string(*raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(*raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(*raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("%w: id must be a string or number", ErrInvalidMessage)
}

// parseParams accepts positional params, a single by-name object (passed
// as the only argument) or nothing
func parseParams(raw json.RawMessage) ([]json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err == nil {
		return params, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		return []json.RawMessage{raw}, nil
	}
	return nil, fmt.Errorf("%w: params must be an array or object", ErrInvalidMessage)
}

func encodeParams(args []interface{}) ([]json.RawMessage, error) {
	params := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal argument %d: %w", i, err)
		}
		params = append(params, raw)
	}
	return params, nil
}

func decodeParam(params []json.RawMessage, i int, v interface{}) error {
	if i < 0 || i >= len(params) {
		return fmt.Errorf("%w: %d of %d", ErrArgumentIndex, i, len(params))
	}
	return json.Unmarshal(params[i], v)
}

func copyHeaders(headers map[string]interface{}) map[string]interface{} {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
