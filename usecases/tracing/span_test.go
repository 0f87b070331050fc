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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestStartSpanRespectsFlags(t *testing.T) {
	ctx := context.Background()

	_, span := StartSpan(ctx, PathCheckpoint, "checkpoint")
	assert.Nil(t, span, "no flags in context")
	span.End(nil)

	ctx = WithFlags(ctx, Flags{Recovery: true})
	_, span = StartSpan(ctx, PathCheckpoint, "checkpoint")
	assert.Nil(t, span)

	spanCtx, span := StartSpan(ctx, PathRecovery, "recovery",
		attribute.Int64("from_segment", 3))
	assert.NotNil(t, span)
	assert.NotNil(t, spanCtx)
	span.SetAttributes(attribute.Int("applied", 1))
	span.End(errors.New("segment missing"))
}

func TestAllEnabled(t *testing.T) {
	f := AllEnabled()
	for _, p := range []TracePath{PathCheckpoint, PathRecovery, PathWAL, PathBackup} {
		assert.True(t, f.isEnabled(p))
	}
	assert.False(t, f.isEnabled(TracePath(99)))
}
