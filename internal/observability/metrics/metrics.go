// Package metrics provides shared helpers for tagging and emitting the
// orchestrator's StatsD metrics.
package metrics

import (
	"time"

	obserrors "github.com/neurify-goto/form-sender-orchestrator/internal/observability/errors"
	"github.com/neurify-goto/form-sender-orchestrator/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// DispatchMetric captures one dispatch outcome for metric emission.
type DispatchMetric struct {
	Mode     string
	Trigger  string
	Result   string
	Duration time.Duration
	Err      error
}

// EmitDispatch emits standardised dispatch metrics.
func EmitDispatch(sink statsd.Sink, in DispatchMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"mode":    in.Mode,
		"trigger": in.Trigger,
		"result":  in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("dispatch.attempt", 1, tags)
	if in.Duration > 0 {
		sink.Timing("dispatch.duration", in.Duration, CloneTags(tags))
	}
}

// QueueBuildMetric captures one queue-build outcome for metric emission.
type QueueBuildMetric struct {
	Variant  string
	Chunked  bool
	Steps    int
	Inserted int64
	Result   string
	Duration time.Duration
	Err      error
}

// EmitQueueBuild emits standardised queue-build metrics.
func EmitQueueBuild(sink statsd.Sink, in QueueBuildMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"variant": in.Variant,
		"result":  in.Result,
	}
	if in.Chunked {
		tags["chunked"] = "true"
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("queue.build", 1, tags)
	if in.Inserted > 0 {
		sink.Count("queue.rows_inserted", in.Inserted, CloneTags(tags))
	}
	if in.Steps > 0 {
		sink.Count("queue.chunk_steps", int64(in.Steps), CloneTags(tags))
	}
	if in.Duration > 0 {
		sink.Timing("queue.build_duration", in.Duration, CloneTags(tags))
	}
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}
