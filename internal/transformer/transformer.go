package transformer

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mcowger/llms/internal/models"
)

// Capability flags declare which pipeline steps a unit participates in.
// Invoking a step a unit does not declare is an identity passthrough.
type Capability uint8

const (
	// CapRequestOut converts a caller-native body into the unified request.
	CapRequestOut Capability = 1 << iota
	// CapRequestIn converts the unified request toward the provider wire shape.
	CapRequestIn
	// CapResponseOut converts a provider-native response (or stream event)
	// back toward the unified shape.
	CapResponseOut
	// CapResponseIn converts the unified response into the caller's format.
	CapResponseIn
	// CapAuth injects provider credentials into the outbound request.
	CapAuth
)

// Has reports whether the set contains the given capability.
func (c Capability) Has(cap Capability) bool {
	return c&cap != 0
}

// Envelope is the request-side value threaded through the chain. Feature
// units edit Unified; the provider unit marshals it into Body and fills in
// the wire location.
type Envelope struct {
	Unified *models.UnifiedChatRequest
	Body    []byte
	Method  string
	Path    string
	Header  http.Header
	Stream  bool
}

// Response is the response-side value threaded through the chain in reverse.
// Exactly one of Native, Unified and Chunk is populated at a time while the
// value moves back toward the caller; Events holds the caller-ready output
// produced by the entry unit for streaming responses.
type Response struct {
	// Native is the provider wire body, or a single raw stream event payload.
	Native []byte
	// Event is the SSE event name of a raw stream event, when the provider
	// frames its stream with named events.
	Event string
	// Unified is set once a provider unit has normalized a whole body.
	Unified *models.UnifiedChatResponse
	// Chunk is set once a provider unit has normalized one stream event.
	Chunk *models.StreamChunk
	// Events is the caller-ready event sequence after the entry unit ran.
	Events []OutEvent
	// Stream marks the response as part of an event stream.
	Stream bool
	// Done marks the synthetic end-of-stream signal pushed through the
	// chain after the provider stream terminates.
	Done bool
}

// OutEvent is one server-sent event ready to be written to the caller.
// An empty Name omits the "event:" line.
type OutEvent struct {
	Name string
	Data []byte
}

// Transformer is the shared contract every transformation unit implements.
// Units embed Base and override only the steps they declare.
type Transformer interface {
	// Name is the unique registry key.
	Name() string
	// Endpoint is the HTTP path this unit is mounted on, or "" when the
	// unit is chain-only.
	Endpoint() string
	// Capabilities declares which steps the unit implements.
	Capabilities() Capability

	TransformRequestOut(tc *Context, body []byte) (*models.UnifiedChatRequest, error)
	TransformRequestIn(tc *Context, env *Envelope, provider *models.Provider) (*Envelope, error)
	TransformResponseOut(tc *Context, resp *Response, provider *models.Provider) (*Response, error)
	TransformResponseIn(tc *Context, resp *Response) (*Response, error)
	Auth(tc *Context, env *Envelope, provider *models.Provider) (*Envelope, error)
}

// Base supplies identity behaviour for every step, so concrete units only
// implement what they declare. Its request-out default decodes the body as an
// already-unified request.
type Base struct {
	name     string
	endpoint string
	caps     Capability
}

// NewBase builds the embedded descriptor for a unit.
func NewBase(name, endpoint string, caps Capability) Base {
	return Base{name: name, endpoint: endpoint, caps: caps}
}

func (b Base) Name() string             { return b.name }
func (b Base) Endpoint() string         { return b.endpoint }
func (b Base) Capabilities() Capability { return b.caps }

// TransformRequestOut assumes the raw body is already in the unified format.
func (b Base) TransformRequestOut(_ *Context, body []byte) (*models.UnifiedChatRequest, error) {
	var req models.UnifiedChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, models.NewErrorf(models.ErrInvalidRequest, "decode unified request: %v", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

func (b Base) TransformRequestIn(_ *Context, env *Envelope, _ *models.Provider) (*Envelope, error) {
	return env, nil
}

func (b Base) TransformResponseOut(_ *Context, resp *Response, _ *models.Provider) (*Response, error) {
	return resp, nil
}

func (b Base) TransformResponseIn(_ *Context, resp *Response) (*Response, error) {
	return resp, nil
}

func (b Base) Auth(_ *Context, env *Envelope, _ *models.Provider) (*Envelope, error) {
	return env, nil
}

// Context is the per-request side channel shared by every unit in one
// pipeline run. It is never shared across requests, so no locking applies.
type Context struct {
	// Header holds the original inbound request headers.
	Header http.Header
	// Model is the resolved target model name.
	Model string
	// RawBody is the original inbound body, kept for the bypass fast path.
	RawBody []byte

	values map[string]any
}

// NewContext builds a request context from the inbound headers and body.
func NewContext(header http.Header, rawBody []byte) *Context {
	return &Context{
		Header:  header,
		RawBody: rawBody,
		values:  make(map[string]any),
	}
}

// Set stores side-channel state accumulated during the pipeline run.
func (c *Context) Set(key string, value any) {
	c.values[key] = value
}

// Get returns previously stored side-channel state.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// GetString returns a stored string value, or "" when absent.
func (c *Context) GetString(key string) string {
	if v, ok := c.values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// MarshalBody encodes a wire payload, wrapping failures as transformer errors.
func MarshalBody(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, models.NewErrorf(models.ErrTransformer, "marshal payload: %v", err)
	}
	return data, nil
}

// SubstituteModel rewrites the model field of a raw JSON body, leaving every
// other byte of structure untouched. Used by the bypass fast path.
func SubstituteModel(body []byte, model string) ([]byte, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, models.NewErrorf(models.ErrInvalidRequest, "decode request body: %v", err)
	}
	encoded, err := json.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("encode model name: %w", err)
	}
	payload["model"] = encoded
	return json.Marshal(payload)
}
