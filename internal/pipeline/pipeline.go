package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mcowger/llms/internal/models"
	"github.com/mcowger/llms/internal/router"
	"github.com/mcowger/llms/internal/transformer"
	"github.com/mcowger/llms/internal/transport"
)

// state labels the executor's position for logging and error reporting.
// Transitions are strictly ordered; only the bypass fast path skips steps.
type state string

const (
	stateReceived state = "RECEIVED"
	stateOut      state = "OUT"
	stateChainIn  state = "CHAIN_IN"
	stateAuth     state = "AUTH"
	stateSent     state = "SENT"
	stateRespRecv state = "RESPONSE_RECEIVED"
	stateChainOut state = "CHAIN_OUT_REVERSE"
	stateIn       state = "IN"
	stateFailed   state = "FAILED"
)

// Hop-by-hop and negotiated headers never forwarded upstream on bypass.
var skippedInboundHeaders = map[string]struct{}{
	"Host":              {},
	"Content-Length":    {},
	"Connection":        {},
	"Accept-Encoding":   {},
	"Proxy-Connection":  {},
	"Transfer-Encoding": {},
}

// Inbound is one request handed to the executor by the HTTP layer.
type Inbound struct {
	// Entry is the endpoint-bound transformer that received the request.
	Entry transformer.Transformer
	// Route is the resolved provider, model and chain.
	Route *router.Route
	// Body is the raw caller body.
	Body []byte
	// Header holds the original inbound headers.
	Header http.Header
	// Stream is the caller's stream flag, probed by the HTTP layer.
	Stream bool
}

// Result is the executor's outcome. Exactly one of Native and Events is set:
// Native for a complete response body in the caller's format, Events for a
// live stream of caller-ready events. The events channel is closed exactly
// once, after the terminal event.
type Result struct {
	Native  []byte
	Unified *models.UnifiedChatResponse
	Events  <-chan transformer.OutEvent
}

// Pipeline orchestrates the forward and reverse passes of one request
// through its resolved transformer chain. Each request runs an independent
// instance of the state walk; nothing here is shared between requests.
type Pipeline struct {
	transport *transport.Client
	log       zerolog.Logger
	timeout   time.Duration
}

// New constructs the executor over the outbound transport.
func New(tp *transport.Client, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		transport: tp,
		log:       log,
		timeout:   tp.Timeout(),
	}
}

// Execute runs the full state machine for one request:
// RECEIVED → OUT → CHAIN_IN → AUTH → SENT → RESPONSE_RECEIVED →
// CHAIN_OUT_REVERSE → IN → DELIVERED. Errors abort to FAILED; for streams
// already in flight the stream is terminated with a final error event.
func (p *Pipeline) Execute(ctx context.Context, in *Inbound) (*Result, error) {
	tc := transformer.NewContext(in.Header, in.Body)
	tc.Model = in.Route.Model

	ctx, cancel := context.WithTimeout(ctx, p.timeout)

	env, at, err := p.buildOutbound(tc, in)
	if err != nil {
		cancel()
		return nil, p.fail(at, err)
	}

	env, err = p.applyAuth(tc, env, in.Route)
	if err != nil {
		cancel()
		return nil, p.fail(stateAuth, err)
	}

	upstream, err := p.transport.Send(ctx, env, in.Route.Provider.BaseURL)
	if err != nil {
		cancel()
		return nil, p.fail(stateSent, err)
	}

	if upstream.IsStream() {
		events := make(chan transformer.OutEvent, 16)
		norm := &normalizer{
			pipeline: p,
			tc:       tc,
			entry:    in.Entry,
			route:    in.Route,
		}
		go func() {
			defer cancel()
			norm.run(ctx, upstream.Stream, events)
		}()
		return &Result{Events: events}, nil
	}

	defer cancel()
	resp, err := p.reversePass(tc, in.Entry, in.Route, &transformer.Response{Native: upstream.Body})
	if err != nil {
		return nil, err
	}

	native := resp.Native
	if native == nil && resp.Unified != nil {
		native, err = transformer.MarshalBody(resp.Unified)
		if err != nil {
			return nil, p.fail(stateIn, err)
		}
	}

	return &Result{Native: native, Unified: resp.Unified}, nil
}

// buildOutbound covers OUT and CHAIN_IN, or the bypass fast path when the
// chain is exactly the entry unit: the original body and headers are
// forwarded with only the model field substituted, which is observationally
// equivalent to a native-in/native-out round trip with nothing to adapt. The
// returned state names the step a failure belongs to.
func (p *Pipeline) buildOutbound(tc *transformer.Context, in *Inbound) (*transformer.Envelope, state, error) {
	chain := in.Route.Chain
	provider := in.Route.Provider

	if len(chain) == 1 && chain[0].Name() == in.Entry.Name() {
		return p.bypass(tc, in)
	}

	unified, err := in.Entry.TransformRequestOut(tc, in.Body)
	if err != nil {
		return nil, stateOut, wrapUnitErr(in.Entry, err)
	}
	unified.Model = in.Route.Model
	unified.Stream = in.Stream

	env := &transformer.Envelope{
		Unified: unified,
		Method:  http.MethodPost,
		Header:  make(http.Header),
		Stream:  unified.Stream,
	}

	for _, unit := range chain {
		env, err = unit.TransformRequestIn(tc, env, provider)
		if err != nil {
			return nil, stateChainIn, wrapUnitErr(unit, err)
		}
		if env == nil {
			return nil, stateChainIn, models.NewErrorf(models.ErrTransformer, "transformer %q returned an empty request", unit.Name())
		}
	}
	return env, stateChainIn, nil
}

func (p *Pipeline) bypass(tc *transformer.Context, in *Inbound) (*transformer.Envelope, state, error) {
	body, err := bypassBody(in.Body, in.Route.Model)
	if err != nil {
		return nil, stateOut, err
	}

	header := make(http.Header)
	for key, values := range in.Header {
		if _, skip := skippedInboundHeaders[http.CanonicalHeaderKey(key)]; skip {
			continue
		}
		for _, value := range values {
			header.Add(key, value)
		}
	}

	env := &transformer.Envelope{
		Body:   body,
		Method: http.MethodPost,
		Header: header,
		Stream: in.Stream,
	}

	// The single unit still establishes the wire location; with the body
	// already present it performs no conversion.
	env, err = in.Route.Chain[0].TransformRequestIn(tc, env, in.Route.Provider)
	if err != nil {
		return nil, stateChainIn, wrapUnitErr(in.Route.Chain[0], err)
	}
	return env, stateChainIn, nil
}

// bypassBody substitutes the routed model into a forwarded raw body. Formats
// carrying the model outside the body, like Gemini's URL, keep their bytes
// untouched so the forwarded request stays identical to what the full chain
// would produce.
func bypassBody(body []byte, model string) ([]byte, error) {
	var probe struct {
		Model json.RawMessage `json:"model"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, models.NewErrorf(models.ErrInvalidRequest, "decode request body: %v", err)
	}
	if probe.Model == nil {
		return body, nil
	}
	return transformer.SubstituteModel(body, model)
}

// applyAuth runs exactly one auth step: the last chain unit declaring the
// capability. Later registrations override earlier ones, so a chain can
// never double-authenticate.
func (p *Pipeline) applyAuth(tc *transformer.Context, env *transformer.Envelope, route *router.Route) (*transformer.Envelope, error) {
	var authUnit transformer.Transformer
	for _, unit := range route.Chain {
		if unit.Capabilities().Has(transformer.CapAuth) {
			authUnit = unit
		}
	}
	if authUnit == nil {
		return env, nil
	}

	out, err := authUnit.Auth(tc, env, route.Provider)
	if err != nil {
		return nil, models.NewErrorf(models.ErrAuth, "auth step %q: %v", authUnit.Name(), err)
	}
	return out, nil
}

// reversePass walks the chain backwards (CHAIN_OUT_REVERSE) and finishes
// with the entry unit's response-in step (IN). A unit returning nil
// suppresses the value, which only streams may do.
func (p *Pipeline) reversePass(tc *transformer.Context, entry transformer.Transformer, route *router.Route, resp *transformer.Response) (*transformer.Response, error) {
	chain := route.Chain
	for i := len(chain) - 1; i >= 0; i-- {
		next, err := chain[i].TransformResponseOut(tc, resp, route.Provider)
		if err != nil {
			return nil, p.fail(stateChainOut, wrapUnitErr(chain[i], err))
		}
		if next == nil {
			if resp.Stream {
				return nil, nil
			}
			return nil, p.fail(stateChainOut, models.NewErrorf(models.ErrTransformer, "transformer %q suppressed a non-streaming response", chain[i].Name()))
		}
		resp = next
	}

	out, err := entry.TransformResponseIn(tc, resp)
	if err != nil {
		return nil, p.fail(stateIn, wrapUnitErr(entry, err))
	}
	if out == nil && !resp.Stream {
		return nil, p.fail(stateIn, models.NewErrorf(models.ErrTransformer, "entry transformer %q returned no response", entry.Name()))
	}
	return out, nil
}

func (p *Pipeline) fail(at state, err error) error {
	ge := models.AsGatewayError(err)
	p.log.Warn().
		Str("state", string(at)).
		Str("code", string(ge.Code)).
		Str("final_state", string(stateFailed)).
		Msg(ge.Message)
	return ge
}

func wrapUnitErr(unit transformer.Transformer, err error) error {
	if ge, ok := err.(*models.GatewayError); ok {
		return ge
	}
	return models.NewErrorf(models.ErrTransformer, "transformer %q: %v", unit.Name(), err)
}

// errorEvent renders a terminal stream error in the unified envelope.
func errorEvent(err error) transformer.OutEvent {
	ge := models.AsGatewayError(err)
	payload, marshalErr := json.Marshal(map[string]any{"error": ge})
	if marshalErr != nil {
		payload = []byte(`{"error":{"type":"server_error","message":"stream failed"}}`)
	}
	return transformer.OutEvent{Name: "error", Data: payload}
}
