//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2026 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/weaviate/gridstore"

// Span pairs a started span with its end. A nil *Span is valid and does
// nothing, which is what StartSpan returns for disabled paths.
type Span struct {
	span trace.Span
}

// StartSpan starts a span for path if the flags in ctx enable it. The caller
// must call End on the returned span, typically deferred right away.
func StartSpan(ctx context.Context, path TracePath, name string,
	attrs ...attribute.KeyValue,
) (context.Context, *Span) {
	if !getFlags(ctx).isEnabled(path) {
		return ctx, nil
	}

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, name,
		trace.WithAttributes(attrs...))
	return ctx, &Span{span: span}
}

func (s *Span) SetAttributes(attrs ...attribute.KeyValue) {
	if s == nil {
		return
	}
	s.span.SetAttributes(attrs...)
}

// End finishes the span and records err on it if non-nil.
func (s *Span) End(err error) {
	if s == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}
