package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/outbound-batch-dialer/internal/events"
	apperrors "github.com/acme/outbound-batch-dialer/pkg/errors"
)

const heartbeatInterval = 15 * time.Second

// streamAll pushes every call event, optionally narrowed by ?kind=.
func (h *HandlerSet) streamAll(ctx *fiber.Ctx) error {
	filter, err := kindFilter(ctx.Query("kind"))
	if err != nil {
		return err
	}

	queue, dropped := h.newStreamQueue()
	cancel := h.deps.Events.SubscribeAll(filter, queue.push)
	return h.stream(ctx, queue.ch, cancel, dropped, false, 0)
}

// streamCall pushes the events of one call and ends after its terminal event, or once
// the call has been silent for StreamIdleTimeout. A call whose record already ended is
// rejected; an unknown id may belong to a call whose record is not written yet.
func (h *HandlerSet) streamCall(ctx *fiber.Ctx) error {
	id, err := callID(ctx)
	if err != nil {
		return err
	}

	call, err := h.deps.Calls.GetCall(ctx.UserContext(), id)
	switch {
	case err == nil && call.Status.Terminal():
		return fiber.NewError(http.StatusGone, "call already ended")
	case err != nil && !apperrors.Is(err, apperrors.ErrNotFound) && !apperrors.Is(err, apperrors.ErrUnavailable):
		return translateError(err)
	}

	queue, dropped := h.newStreamQueue()
	cancel := h.deps.Events.Subscribe(id, events.AnyKind, queue.push)
	return h.stream(ctx, queue.ch, cancel, dropped, true, h.deps.StreamIdleTimeout)
}

func (h *HandlerSet) eventStats(ctx *fiber.Ctx) error {
	return ctx.Status(http.StatusOK).JSON(h.deps.Events.Stats())
}

type streamQueue struct {
	ch      chan events.Event
	dropped *atomic.Int64
}

// push never blocks the publisher; a slow client loses events.
func (q streamQueue) push(e events.Event) {
	select {
	case q.ch <- e:
	default:
		q.dropped.Add(1)
	}
}

func (h *HandlerSet) newStreamQueue() (streamQueue, *atomic.Int64) {
	dropped := &atomic.Int64{}
	return streamQueue{ch: make(chan events.Event, h.deps.StreamBuffer), dropped: dropped}, dropped
}

// stream writes events until the client leaves or the set closes. idle > 0 also ends the
// stream after that long without an event.
func (h *HandlerSet) stream(ctx *fiber.Ctx, ch <-chan events.Event, cancel events.CancelFunc, dropped *atomic.Int64, untilTerminal bool, idle time.Duration) error {
	ctx.Set(fiber.HeaderContentType, "text/event-stream")
	ctx.Set(fiber.HeaderCacheControl, "no-cache")
	ctx.Set(fiber.HeaderConnection, "keep-alive")
	ctx.Set("X-Accel-Buffering", "no")

	log := h.logger.WithContext(ctx.UserContext())
	closing := h.closing

	ctx.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		var idleC <-chan time.Time
		var idleTimer *time.Timer
		if idle > 0 {
			idleTimer = time.NewTimer(idle)
			defer idleTimer.Stop()
			idleC = idleTimer.C
		}

		if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil || w.Flush() != nil {
			return
		}
		for {
			select {
			case <-closing:
				return
			case <-idleC:
				log.Debug("stream: idle timeout", zap.Duration("idle", idle))
				_, _ = fmt.Fprint(w, ": idle timeout\n\n")
				_ = w.Flush()
				return
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			case e := <-ch:
				if err := writeEvent(w, e); err != nil {
					log.Debug("stream: client gone", zap.Error(err), zap.Int64("dropped", dropped.Load()))
					return
				}
				if untilTerminal && e.Kind.Terminal() {
					return
				}
				if idleTimer != nil {
					idleTimer.Reset(idle)
				}
			}
		}
	})
	return nil
}

func writeEvent(w *bufio.Writer, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("stream: marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
		return err
	}
	return w.Flush()
}

func kindFilter(raw string) (events.KindFilter, error) {
	if raw == "" {
		return events.AnyKind, nil
	}
	kind, ok := events.ParseKind(raw)
	if !ok {
		return events.KindFilter{}, fiber.NewError(http.StatusBadRequest, "unknown event kind")
	}
	return events.OnKind(kind), nil
}
