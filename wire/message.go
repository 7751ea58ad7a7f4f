// Package wire implements the JSON-RPC 2.0 envelope used between the
// switch and its peers, including the rpcswitch channel-forwarding
// extension carried in the "rpcswitch" field.
package wire

import (
	"encoding/json"
)

// Cookie is the sentinel value that marks a message as channel-forwarded
// traffic rather than a call against the switch itself.
const Cookie = "eatme"

// Envelope is the broker-added routing information attached to every
// message that travels over a virtual channel.
type Envelope struct {
	VCookie string `json:"vcookie"`
	VCI     string `json:"vci"`
	Who     string `json:"who,omitempty"`
}

// Message is a JSON-RPC 2.0 request, notification or response. ID,
// Params and Result are kept as raw JSON so that forwarded traffic is
// relayed byte-identical to what the originator sent - the switch never
// needs to understand a worker's params to route them.
type Message struct {
	Jsonrpc   string          `json:"jsonrpc"`
	ID        json.RawMessage `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	RPCSwitch *Envelope       `json:"rpcswitch,omitempty"`
}

// IsRequest reports whether m carries a method, i.e. is a request or
// notification rather than a response.
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// IsNotification reports whether m is a request with no id.
func (m *Message) IsNotification() bool {
	return m.IsRequest() && len(m.ID) == 0
}

// IsResponse reports whether m carries a result or error and no method.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// HasChannelEnvelope reports whether m carries a well-formed rpcswitch
// envelope with the channel-forwarding cookie set.
func (m *Message) HasChannelEnvelope() bool {
	return m.RPCSwitch != nil && m.RPCSwitch.VCookie == Cookie && m.RPCSwitch.VCI != ""
}

// IDString renders the raw id for logging and map keys. Two ids that
// are byte-identical JSON compare equal; that is all the switch needs
// since it never interprets id semantics.
func (m *Message) IDString() string {
	return string(m.ID)
}

// NewRequest builds a request envelope, used by the switch itself when
// it originates calls (rpcswitch.ping) against a peer.
func NewRequest(id, method string, params interface{}) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Message{
		Jsonrpc: "2.0",
		ID:      json.RawMessage(quoteString(id)),
		Method:  method,
		Params:  raw,
	}, nil
}

// NewNotification builds a request envelope with no id.
func NewNotification(method string, params interface{}) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Message{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  raw,
	}, nil
}

// NewResult builds a successful response for the given raw id.
func NewResult(id json.RawMessage, result interface{}) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{
		Jsonrpc: "2.0",
		ID:      id,
		Result:  raw,
	}, nil
}

// NewErrorResponse builds an error response for the given raw id.
func NewErrorResponse(id json.RawMessage, err error) *Message {
	return &Message{
		Jsonrpc: "2.0",
		ID:      id,
		Error:   AsError(err),
	}
}

func quoteString(s string) string {
	// ids originated by the switch are always quoted strings
	b, _ := json.Marshal(s)
	return string(b)
}
