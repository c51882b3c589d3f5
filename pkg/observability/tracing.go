package observability

import (
	"context"
	"fmt"

	"github.com/aws/aws-xray-sdk-go/xray"
)

// Tracer wraps X-Ray segments with saga-flavoured helpers
type Tracer struct {
	serviceName string
}

// NewTracer creates a new tracer instance
func NewTracer(serviceName string) *Tracer {
	return &Tracer{serviceName: serviceName}
}

// StartSegment starts a new trace segment
func (t *Tracer) StartSegment(ctx context.Context, name string) (context.Context, *xray.Segment) {
	return xray.BeginSegment(ctx, fmt.Sprintf("%s.%s", t.serviceName, name))
}

// TraceOperation runs fn inside a subsegment, recording its error
func (t *Tracer) TraceOperation(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, seg := xray.BeginSubsegment(ctx, name)
	defer seg.Close(nil)

	err := fn(ctx)
	if err != nil {
		seg.AddError(err)
	}
	return err
}

// AnnotateSaga indexes the segment by saga and correlation id so a trace can
// be looked up from either side.
func (t *Tracer) AnnotateSaga(ctx context.Context, sagaID, correlationID string) {
	seg := xray.GetSegment(ctx)
	if seg == nil {
		return
	}
	seg.AddAnnotation("saga_id", sagaID)
	if correlationID != "" {
		seg.AddAnnotation("correlation_id", correlationID)
	}
}

// AnnotateStep tags the segment with the step being driven
func (t *Tracer) AnnotateStep(ctx context.Context, stepIndex int, stepName string) {
	seg := xray.GetSegment(ctx)
	if seg == nil {
		return
	}
	seg.AddAnnotation("step_index", stepIndex)
	seg.AddAnnotation("step_name", stepName)
}

// RecordError records an error in the current segment
func (t *Tracer) RecordError(ctx context.Context, err error) {
	if seg := xray.GetSegment(ctx); seg != nil {
		seg.AddError(err)
	}
}
