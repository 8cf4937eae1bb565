package ptl

import (
	"context"
	"errors"
	"fmt"

	"github.com/rocketbitz/portals4-go/fabric"
	"github.com/rocketbitz/portals4-go/internal/wire"
)

// dispatch drains the completion queue until ctx is done or the domain
// closes, feeding each completion to the transaction that owns its buffer.
func (ni *NI) dispatch(ctx context.Context) error {
	span := ni.startSpan("portals.ni.dispatch")
	startFields := []logField{
		logKV("recv_buffers", ni.cfg.RecvBufCount),
		logKV("poll_interval", ni.cfg.PollInterval),
	}
	ni.logEvent("dispatcher_start", startFields...)
	spanAddEvent(span, "start", startFields...)
	ni.metricDispatcherStarted(startFields...)

	var dispatchErr error
	defer func() {
		fields := []logField{logKV("status", "ok")}
		if dispatchErr != nil {
			fields[0] = logKV("status", "error")
			fields = append(fields, logKV("error", dispatchErr))
			spanRecordError(span, dispatchErr)
		}
		ni.logEvent("dispatcher_stop", fields...)
		spanAddEvent(span, "stop", fields...)
		ni.metricDispatcherStopped(fields...)
		finishSpan(span, dispatchErr)
	}()

	cq := ni.domain.CompletionQueue()
	for {
		if ctx.Err() != nil {
			return nil
		}
		evt, err := cq.ReadContext()
		if err == nil {
			ni.handleCompletion(span, evt)
			continue
		}
		if errors.Is(err, fabric.ErrClosed) {
			return nil
		}
		if !errors.Is(err, fabric.ErrNoCompletion) {
			dispatchErr = fmt.Errorf("cq read: %w", err)
			ni.recordFailure(span, "cq_read_error", dispatchErr)
			return dispatchErr
		}
		err = cq.Wait(ctx, ni.cfg.PollInterval)
		switch {
		case err == nil, errors.Is(err, fabric.ErrTimeout):
		case errors.Is(err, fabric.ErrClosed), ctx.Err() != nil:
			return nil
		default:
			dispatchErr = fmt.Errorf("cq wait: %w", err)
			ni.recordFailure(span, "cq_wait_error", dispatchErr)
			return dispatchErr
		}
	}
}

func (ni *NI) handleCompletion(span Span, evt *fabric.CompletionEvent) {
	cctx, err := evt.Resolve()
	if err != nil {
		ni.recordFailure(span, "cq_resolve_error", fmt.Errorf("%s completion: %w", evt.Op, err))
		return
	}
	buf, ok := cctx.Value().(*Buf)
	if !ok || buf == nil {
		ni.recordFailure(span, "cq_unknown_context", fmt.Errorf("%s completion without buffer", evt.Op))
		return
	}

	switch evt.Op {
	case fabric.CompletionRecv:
		ni.recvCompleted(span, buf, evt)
	case fabric.CompletionSend:
		ni.sendList.remove(buf)
		x := buf.xi
		if x == nil {
			buf.Put()
			return
		}
		x.Get()
		buf.Put()
		x.sendCompleted(evt.Err)
		x.Put()
	case fabric.CompletionRead, fabric.CompletionWrite:
		ni.rdmaList.remove(buf)
		x := buf.xt
		if x == nil {
			buf.Put()
			return
		}
		x.Get()
		count := buf.rdmaCount
		buf.Put()
		if evt.Err != nil {
			ni.logEvent("rdma_error", logKV("xt", x.Handle()), logKV("op", evt.Op), logKV("error", evt.Err))
		}
		x.rdmaCompleted(count, evt.Err)
		x.Put()
	default:
		buf.Put()
		ni.recordFailure(span, "cq_unknown_op", fmt.Errorf("unexpected completion %s", evt.Op))
	}
}

func (ni *NI) recvCompleted(span Span, buf *Buf, evt *fabric.CompletionEvent) {
	ni.recvList.remove(buf)
	ni.recvSlots.Release(1)
	if !ni.isClosed() {
		if err := ni.replenishReceives(); err != nil {
			ni.recordFailure(span, "recv_replenish_error", err)
		}
	}
	if evt.Err != nil {
		buf.Put()
		if !errors.Is(evt.Err, fabric.ErrFlushed) {
			ni.dropPacket("recv_error", logKV("error", evt.Err))
		}
		return
	}
	ni.stats.received.Add(1)
	buf.length = evt.Length
	buf.source = evt.Source

	hdr, _, err := wire.DecodeHeader(buf.bytes())
	if err != nil {
		ni.dropPacket("malformed", logKV("error", err), logKV("peer", evt.Source))
		buf.Put()
		return
	}
	if hdr.PktFmt != wire.PktFmtRDMA {
		ni.dropPacket("pkt_fmt", logKV("pkt_fmt", hdr.PktFmt), logKV("peer", evt.Source))
		buf.Put()
		return
	}
	if hdr.NIType != ni.cfg.Options.wireType() {
		ni.dropPacket("ni_type", logKV("ni_type", hdr.NIType), logKV("peer", evt.Source))
		buf.Put()
		return
	}
	buf.hdr = hdr

	if hdr.Op.IsRequest() {
		ni.startTarget(buf)
		return
	}
	x, err := ni.xis.Lookup(Handle(hdr.Handle))
	if err != nil {
		ni.dropPacket("stale_handle", logKV("op", hdr.Op), logKV("handle", Handle(hdr.Handle)))
		buf.Put()
		return
	}
	x.deliver(buf)
	x.Put()
}

// cmLoop feeds connection manager events to the connection state machines.
func (ni *NI) cmLoop(ctx context.Context) error {
	eq := ni.domain.EventQueue()
	for {
		evt, err := eq.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, fabric.ErrClosed) {
				return nil
			}
			ni.recordFailure(nil, "cm_wait_error", err)
			return fmt.Errorf("cm wait: %w", err)
		}
		ni.handleCM(evt)
	}
}
