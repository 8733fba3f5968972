package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/mcowger/llms/internal/models"
	"github.com/mcowger/llms/internal/router"
	"github.com/mcowger/llms/internal/transformer"
)

const (
	ssePrefixData  = "data:"
	ssePrefixEvent = "event:"
	sseDoneMarker  = "[DONE]"

	scannerInitialBuffer = 64 * 1024
	scannerMaxBuffer     = 10 * 1024 * 1024
)

// normalizer re-frames a provider event stream into unified chunks, pushes
// each one through CHAIN_OUT_REVERSE → IN individually, and emits the
// caller-ready events in arrival order with no whole-stream buffering.
type normalizer struct {
	pipeline *Pipeline
	tc       *transformer.Context
	entry    transformer.Transformer
	route    *router.Route
}

// run consumes the provider body until it ends, the caller context is
// cancelled, or a unit fails. The output channel is closed exactly once; a
// mid-stream failure is rendered as a final error event before the close.
func (n *normalizer) run(ctx context.Context, body io.ReadCloser, out chan<- transformer.OutEvent) {
	defer close(out)
	defer body.Close()

	// Caller disconnect or deadline closes the provider connection, so the
	// scanner below unblocks and no upstream stream is ever orphaned.
	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-watcherDone:
		}
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, scannerInitialBuffer), scannerMaxBuffer)

	var eventName string
	var data bytes.Buffer

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if data.Len() > 0 {
				if done := n.dispatch(ctx, eventName, data.Bytes(), out); done {
					return
				}
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, ssePrefixEvent):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, ssePrefixEvent))
		case strings.HasPrefix(line, ssePrefixData):
			payload := strings.TrimSpace(strings.TrimPrefix(line, ssePrefixData))
			if payload == sseDoneMarker {
				n.finish(ctx, out)
				return
			}
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(payload)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		n.pipeline.log.Warn().Err(err).Msg("upstream stream read failed")
		n.emit(ctx, out, errorEvent(err))
		return
	}
	if ctx.Err() != nil {
		// A hit deadline is the gateway timeout, not the caller hanging
		// up; the caller still gets a terminal error event.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			n.tryEmit(out, errorEvent(models.NewError(models.ErrTimeout, "upstream stream timed out")))
		}
		return
	}

	// Trailing event without a blank-line terminator, then normal end.
	if data.Len() > 0 {
		if done := n.dispatch(ctx, eventName, data.Bytes(), out); done {
			return
		}
	}
	n.finish(ctx, out)
}

// dispatch pushes one raw provider event through the reverse pass and emits
// whatever the entry unit produced. Returns true when the stream must stop.
func (n *normalizer) dispatch(ctx context.Context, eventName string, payload []byte, out chan<- transformer.OutEvent) bool {
	raw := make([]byte, len(payload))
	copy(raw, payload)

	resp := &transformer.Response{
		Native: raw,
		Event:  eventName,
		Stream: true,
	}

	result, err := n.pipeline.reversePass(n.tc, n.entry, n.route, resp)
	if err != nil {
		n.emit(ctx, out, errorEvent(err))
		return true
	}
	if result == nil {
		// Chunk suppressed by a chain unit.
		return false
	}

	for _, event := range result.Events {
		if !n.emit(ctx, out, event) {
			return true
		}
	}
	return false
}

// finish pushes the synthetic end-of-stream signal through the chain so
// units can flush buffered state and the entry unit can translate the
// termination into the caller's convention. Runs at most once per stream.
func (n *normalizer) finish(ctx context.Context, out chan<- transformer.OutEvent) {
	resp := &transformer.Response{
		Stream: true,
		Done:   true,
	}

	result, err := n.pipeline.reversePass(n.tc, n.entry, n.route, resp)
	if err != nil {
		n.emit(ctx, out, errorEvent(err))
		return
	}
	if result == nil {
		return
	}
	for _, event := range result.Events {
		if !n.emit(ctx, out, event) {
			return
		}
	}
}

// tryEmit delivers a terminal event without blocking. The context is already
// done here, so a full channel means the caller stopped reading anyway.
func (n *normalizer) tryEmit(out chan<- transformer.OutEvent, event transformer.OutEvent) {
	select {
	case out <- event:
	default:
	}
}

func (n *normalizer) emit(ctx context.Context, out chan<- transformer.OutEvent, event transformer.OutEvent) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
