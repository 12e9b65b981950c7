package protocol

import (
	"sort"
	"time"
)

// MessageType classifies an envelope.
type MessageType int

const (
	MessageRequest MessageType = iota
	MessageResponse
	MessageError
	MessageControl
)

// ErrorCode identifies the failure class carried by an ErrorPayload.
type ErrorCode int

const (
	CodeTimeout ErrorCode = iota
	CodeUpstreamError
	CodeInvalidRequest
	CodeServerError
	CodeRateLimited
	CodeProtocolError
)

func (c ErrorCode) String() string {
	switch c {
	case CodeTimeout:
		return "TIMEOUT"
	case CodeUpstreamError:
		return "UPSTREAM_ERROR"
	case CodeInvalidRequest:
		return "INVALID_REQUEST"
	case CodeServerError:
		return "SERVER_ERROR"
	case CodeRateLimited:
		return "RATE_LIMITED"
	case CodeProtocolError:
		return "PROTOCOL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// ControlAction identifies a control message.
type ControlAction int

const (
	ActionRegister ControlAction = iota
	ActionRegistered
	ActionUnregister
	ActionHeartbeat
	ActionStatus
)

// FrameType classifies a relayed WebSocket frame.
type FrameType int

const (
	FrameText FrameType = iota
	FrameBinary
	FramePing
	FramePong
	FrameClose
)

// Envelope field numbers.
const (
	envFieldCorrelationID = 1
	envFieldType          = 2
	envFieldTimestamp     = 3
	envFieldPayload       = 4
)

// Payload union discriminators, nested inside envelope field 4.
const (
	payloadRequest        = 1
	payloadResponse       = 2
	payloadError          = 3
	payloadControl        = 4
	payloadWebSocketFrame = 5
)

// RequestPayload carries a forwarded HTTP request, or the initial upgrade of
// an external WebSocket when WebSocketUpgrade is set.
type RequestPayload struct {
	Method           string
	Path             string
	Headers          map[string]string
	Query            map[string]string
	Body             []byte
	WebSocketUpgrade bool
}

// ResponsePayload carries the origin's HTTP response.
type ResponsePayload struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// ErrorPayload is the terminal error reply for a correlation id.
type ErrorPayload struct {
	Code    ErrorCode
	Message string
}

// ControlPayload carries registration and lifecycle signals.
type ControlPayload struct {
	Action    ControlAction
	Subdomain string
	PublicURL string
}

// WebSocketFramePayload relays one frame of an external WebSocket session.
type WebSocketFramePayload struct {
	Type        FrameType
	Data        []byte
	IsBinary    bool
	CloseCode   int
	CloseReason string
}

// Envelope is the top-level protocol message. Exactly one payload pointer is
// set; the wire encoding nests it under a discriminated union tag.
type Envelope struct {
	CorrelationID string
	Type          MessageType
	Timestamp     time.Time

	Request        *RequestPayload
	Response       *ResponsePayload
	Error          *ErrorPayload
	Control        *ControlPayload
	WebSocketFrame *WebSocketFramePayload
}

func now() time.Time {
	return time.Now().Truncate(time.Millisecond)
}

// NewRequest builds a REQUEST envelope.
func NewRequest(correlationID string, p *RequestPayload) *Envelope {
	return &Envelope{CorrelationID: correlationID, Type: MessageRequest, Timestamp: now(), Request: p}
}

// NewResponse builds a RESPONSE envelope.
func NewResponse(correlationID string, p *ResponsePayload) *Envelope {
	return &Envelope{CorrelationID: correlationID, Type: MessageResponse, Timestamp: now(), Response: p}
}

// NewError builds an ERROR envelope.
func NewError(correlationID string, code ErrorCode, message string) *Envelope {
	return &Envelope{CorrelationID: correlationID, Type: MessageError, Timestamp: now(), Error: &ErrorPayload{Code: code, Message: message}}
}

// NewControl builds a CONTROL envelope.
func NewControl(correlationID string, p *ControlPayload) *Envelope {
	return &Envelope{CorrelationID: correlationID, Type: MessageControl, Timestamp: now(), Control: p}
}

// NewWebSocketFrame builds a websocket-frame envelope. Frame messages travel
// with REQUEST message type; the payload discriminator identifies them.
func NewWebSocketFrame(correlationID string, p *WebSocketFramePayload) *Envelope {
	return &Envelope{CorrelationID: correlationID, Type: MessageRequest, Timestamp: now(), WebSocketFrame: p}
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	payload, err := e.encodePayload()
	if err != nil {
		return nil, err
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = now()
	}

	buf := make([]byte, 0, 64+len(payload))
	buf = appendStringField(buf, envFieldCorrelationID, e.CorrelationID)
	buf = appendVarintField(buf, envFieldType, uint64(e.Type))
	buf = appendVarintField(buf, envFieldTimestamp, uint64(ts.UnixMilli()))
	buf = appendBytesField(buf, envFieldPayload, payload)
	return buf, nil
}

func (e *Envelope) encodePayload() ([]byte, error) {
	var variant []byte
	var discriminator int

	set := 0
	if e.Request != nil {
		set++
		discriminator = payloadRequest
		variant = e.Request.encode()
	}
	if e.Response != nil {
		set++
		discriminator = payloadResponse
		variant = e.Response.encode()
	}
	if e.Error != nil {
		set++
		discriminator = payloadError
		variant = e.Error.encode()
	}
	if e.Control != nil {
		set++
		discriminator = payloadControl
		variant = e.Control.encode()
	}
	if e.WebSocketFrame != nil {
		set++
		discriminator = payloadWebSocketFrame
		variant = e.WebSocketFrame.encode()
	}

	if set == 0 {
		return nil, protocolErrorf("envelope has no payload")
	}
	if set > 1 {
		return nil, protocolErrorf("envelope has %d payloads, want exactly one", set)
	}

	// The variant message is length-delimited even when empty so that the
	// discriminator survives for payloads whose fields are all defaults.
	buf := make([]byte, 0, 8+len(variant))
	buf = appendTag(buf, discriminator, wireBytes)
	buf = appendUvarint(buf, uint64(len(variant)))
	return append(buf, variant...), nil
}

// Decode parses an envelope from its wire form.
func Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, protocolErrorf("empty envelope")
	}

	env := &Envelope{}
	r := &wireReader{buf: data}
	sawPayload := false

	for !r.done() {
		field, wireType, err := r.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case envFieldCorrelationID:
			b, err := r.bytes()
			if err != nil {
				return nil, err
			}
			env.CorrelationID = string(b)
		case envFieldType:
			v, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			env.Type = MessageType(v)
		case envFieldTimestamp:
			v, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			env.Timestamp = time.UnixMilli(int64(v))
		case envFieldPayload:
			b, err := r.bytes()
			if err != nil {
				return nil, err
			}
			if err := env.decodePayload(b); err != nil {
				return nil, err
			}
			sawPayload = true
		default:
			if err := r.skip(wireType); err != nil {
				return nil, err
			}
		}
	}

	if !sawPayload {
		return nil, protocolErrorf("envelope has no payload")
	}
	return env, nil
}

func (e *Envelope) decodePayload(data []byte) error {
	r := &wireReader{buf: data}
	for !r.done() {
		discriminator, _, err := r.tag()
		if err != nil {
			return err
		}
		if discriminator < payloadRequest || discriminator > payloadWebSocketFrame {
			return protocolErrorf("unknown payload discriminator %d", discriminator)
		}
		b, err := r.bytes()
		if err != nil {
			return err
		}
		switch discriminator {
		case payloadRequest:
			p, err := decodeRequestPayload(b)
			if err != nil {
				return err
			}
			e.Request = p
		case payloadResponse:
			p, err := decodeResponsePayload(b)
			if err != nil {
				return err
			}
			e.Response = p
		case payloadError:
			p, err := decodeErrorPayload(b)
			if err != nil {
				return err
			}
			e.Error = p
		case payloadControl:
			p, err := decodeControlPayload(b)
			if err != nil {
				return err
			}
			e.Control = p
		case payloadWebSocketFrame:
			p, err := decodeWebSocketFramePayload(b)
			if err != nil {
				return err
			}
			e.WebSocketFrame = p
		}
	}
	return nil
}

// Maps are encoded as repeated key/value entry messages. Keys are written in
// sorted order so encoding is deterministic; duplicate keys decode last-wins.
const (
	mapEntryKey   = 1
	mapEntryValue = 2
)

func appendMapField(buf []byte, field int, m map[string]string) []byte {
	if len(m) == 0 {
		return buf
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		var entry []byte
		entry = appendStringField(entry, mapEntryKey, k)
		entry = appendStringField(entry, mapEntryValue, m[k])
		buf = appendTag(buf, field, wireBytes)
		buf = appendUvarint(buf, uint64(len(entry)))
		buf = append(buf, entry...)
	}
	return buf
}

func decodeMapEntry(data []byte, m map[string]string) error {
	r := &wireReader{buf: data}
	var key, value string
	for !r.done() {
		field, wireType, err := r.tag()
		if err != nil {
			return err
		}
		switch field {
		case mapEntryKey:
			b, err := r.bytes()
			if err != nil {
				return err
			}
			key = string(b)
		case mapEntryValue:
			b, err := r.bytes()
			if err != nil {
				return err
			}
			value = string(b)
		default:
			if err := r.skip(wireType); err != nil {
				return err
			}
		}
	}
	m[key] = value
	return nil
}

// RequestPayload field numbers.
const (
	reqFieldMethod  = 1
	reqFieldPath    = 2
	reqFieldHeaders = 3
	reqFieldQuery   = 4
	reqFieldBody    = 5
	reqFieldUpgrade = 6
)

func (p *RequestPayload) encode() []byte {
	var buf []byte
	buf = appendStringField(buf, reqFieldMethod, p.Method)
	buf = appendStringField(buf, reqFieldPath, p.Path)
	buf = appendMapField(buf, reqFieldHeaders, p.Headers)
	buf = appendMapField(buf, reqFieldQuery, p.Query)
	buf = appendBytesField(buf, reqFieldBody, p.Body)
	buf = appendBoolField(buf, reqFieldUpgrade, p.WebSocketUpgrade)
	return buf
}

func decodeRequestPayload(data []byte) (*RequestPayload, error) {
	p := &RequestPayload{}
	r := &wireReader{buf: data}
	for !r.done() {
		field, wireType, err := r.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case reqFieldMethod:
			b, err := r.bytes()
			if err != nil {
				return nil, err
			}
			p.Method = string(b)
		case reqFieldPath:
			b, err := r.bytes()
			if err != nil {
				return nil, err
			}
			p.Path = string(b)
		case reqFieldHeaders:
			b, err := r.bytes()
			if err != nil {
				return nil, err
			}
			if p.Headers == nil {
				p.Headers = make(map[string]string)
			}
			if err := decodeMapEntry(b, p.Headers); err != nil {
				return nil, err
			}
		case reqFieldQuery:
			b, err := r.bytes()
			if err != nil {
				return nil, err
			}
			if p.Query == nil {
				p.Query = make(map[string]string)
			}
			if err := decodeMapEntry(b, p.Query); err != nil {
				return nil, err
			}
		case reqFieldBody:
			b, err := r.bytes()
			if err != nil {
				return nil, err
			}
			p.Body = append([]byte(nil), b...)
		case reqFieldUpgrade:
			v, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			p.WebSocketUpgrade = v != 0
		default:
			if err := r.skip(wireType); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// ResponsePayload field numbers.
const (
	respFieldStatus  = 1
	respFieldHeaders = 2
	respFieldBody    = 3
)

func (p *ResponsePayload) encode() []byte {
	var buf []byte
	buf = appendVarintField(buf, respFieldStatus, uint64(p.StatusCode))
	buf = appendMapField(buf, respFieldHeaders, p.Headers)
	buf = appendBytesField(buf, respFieldBody, p.Body)
	return buf
}

func decodeResponsePayload(data []byte) (*ResponsePayload, error) {
	p := &ResponsePayload{}
	r := &wireReader{buf: data}
	for !r.done() {
		field, wireType, err := r.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case respFieldStatus:
			v, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			p.StatusCode = int(v)
		case respFieldHeaders:
			b, err := r.bytes()
			if err != nil {
				return nil, err
			}
			if p.Headers == nil {
				p.Headers = make(map[string]string)
			}
			if err := decodeMapEntry(b, p.Headers); err != nil {
				return nil, err
			}
		case respFieldBody:
			b, err := r.bytes()
			if err != nil {
				return nil, err
			}
			p.Body = append([]byte(nil), b...)
		default:
			if err := r.skip(wireType); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// ErrorPayload field numbers.
const (
	errFieldCode    = 1
	errFieldMessage = 2
)

func (p *ErrorPayload) encode() []byte {
	var buf []byte
	buf = appendVarintField(buf, errFieldCode, uint64(p.Code))
	buf = appendStringField(buf, errFieldMessage, p.Message)
	return buf
}

func decodeErrorPayload(data []byte) (*ErrorPayload, error) {
	p := &ErrorPayload{}
	r := &wireReader{buf: data}
	for !r.done() {
		field, wireType, err := r.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case errFieldCode:
			v, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			p.Code = ErrorCode(v)
		case errFieldMessage:
			b, err := r.bytes()
			if err != nil {
				return nil, err
			}
			p.Message = string(b)
		default:
			if err := r.skip(wireType); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// ControlPayload field numbers.
const (
	ctrlFieldAction    = 1
	ctrlFieldSubdomain = 2
	ctrlFieldPublicURL = 3
)

func (p *ControlPayload) encode() []byte {
	var buf []byte
	buf = appendVarintField(buf, ctrlFieldAction, uint64(p.Action))
	buf = appendStringField(buf, ctrlFieldSubdomain, p.Subdomain)
	buf = appendStringField(buf, ctrlFieldPublicURL, p.PublicURL)
	return buf
}

func decodeControlPayload(data []byte) (*ControlPayload, error) {
	p := &ControlPayload{}
	r := &wireReader{buf: data}
	for !r.done() {
		field, wireType, err := r.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case ctrlFieldAction:
			v, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			p.Action = ControlAction(v)
		case ctrlFieldSubdomain:
			b, err := r.bytes()
			if err != nil {
				return nil, err
			}
			p.Subdomain = string(b)
		case ctrlFieldPublicURL:
			b, err := r.bytes()
			if err != nil {
				return nil, err
			}
			p.PublicURL = string(b)
		default:
			if err := r.skip(wireType); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// WebSocketFramePayload field numbers.
const (
	wsFieldType        = 1
	wsFieldData        = 2
	wsFieldIsBinary    = 3
	wsFieldCloseCode   = 4
	wsFieldCloseReason = 5
)

func (p *WebSocketFramePayload) encode() []byte {
	var buf []byte
	buf = appendVarintField(buf, wsFieldType, uint64(p.Type))
	buf = appendBytesField(buf, wsFieldData, p.Data)
	buf = appendBoolField(buf, wsFieldIsBinary, p.IsBinary)
	buf = appendVarintField(buf, wsFieldCloseCode, uint64(p.CloseCode))
	buf = appendStringField(buf, wsFieldCloseReason, p.CloseReason)
	return buf
}

func decodeWebSocketFramePayload(data []byte) (*WebSocketFramePayload, error) {
	p := &WebSocketFramePayload{}
	r := &wireReader{buf: data}
	for !r.done() {
		field, wireType, err := r.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case wsFieldType:
			v, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			p.Type = FrameType(v)
		case wsFieldData:
			b, err := r.bytes()
			if err != nil {
				return nil, err
			}
			p.Data = append([]byte(nil), b...)
		case wsFieldIsBinary:
			v, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			p.IsBinary = v != 0
		case wsFieldCloseCode:
			v, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			p.CloseCode = int(v)
		case wsFieldCloseReason:
			b, err := r.bytes()
			if err != nil {
				return nil, err
			}
			p.CloseReason = string(b)
		default:
			if err := r.skip(wireType); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// LooksTextual reports whether raw resembles a message from the retired
// JSON-based protocol. Such peers are answered with PROTOCOL_ERROR instead of
// being disconnected, so an updated client can retry on the same connection.
func LooksTextual(raw []byte) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{', '[', '"':
			return true
		default:
			return false
		}
	}
	return false
}
