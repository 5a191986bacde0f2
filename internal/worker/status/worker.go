package status

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-batch-dialer/internal/queue"
	"github.com/acme/outbound-batch-dialer/internal/telephony"
	apperrors "github.com/acme/outbound-batch-dialer/pkg/errors"
	"github.com/acme/outbound-batch-dialer/pkg/logger"
)

// MessageReader is the consuming half of a kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Worker consumes telephony status callbacks and feeds them to the ingestor.
type Worker struct {
	reader MessageReader
	sink   telephony.StatusSink
	logger *logger.Logger
	tracer trace.Tracer
}

// New creates a new status worker.
func New(reader MessageReader, sink telephony.StatusSink, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.NewNop()
	}
	return &Worker{
		reader: reader,
		sink:   sink,
		logger: log.Named("status-worker"),
		tracer: otel.Tracer("outbound.statusworker"),
	}
}

// Run processes status messages until the context is cancelled. Malformed or rejected
// messages are committed and skipped.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("status worker: fetch", zap.Error(err))
			continue
		}
		w.handle(ctx, msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg kafka.Message) {
	var status queue.StatusMessage
	if err := json.Unmarshal(msg.Value, &status); err != nil {
		w.logger.Error("status worker: unmarshal", zap.Error(err), zap.Int64("offset", msg.Offset))
		w.commit(ctx, msg)
		return
	}

	sctx, span := w.tracer.Start(ctx, "call.status", trace.WithAttributes(
		attribute.String("call.id", status.CallID),
		attribute.String("call.status", status.Status),
	))
	defer span.End()

	if err := w.sink.Ingest(sctx, status.Update()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingest")
		if errors.Is(err, apperrors.ErrValidation) {
			w.logger.Warn("status worker: rejected status", zap.String("call_id", status.CallID), zap.Error(err))
		} else {
			w.logger.Error("status worker: ingest", zap.String("call_id", status.CallID), zap.Error(err))
		}
	}
	w.commit(sctx, msg)
}

func (w *Worker) commit(ctx context.Context, msg kafka.Message) {
	if err := w.reader.CommitMessages(ctx, msg); err != nil {
		w.logger.Error("status worker: commit", zap.Error(err))
	}
}
