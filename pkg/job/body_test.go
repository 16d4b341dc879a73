package job

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
)

type refreshArgs struct {
	View string `json:"view"`
}

func TestTyped_DecodesPayload(t *testing.T) {
	body := Typed(func(_ context.Context, _ *Manager, args refreshArgs) (string, error) {
		return "refreshed " + args.View, nil
	})

	out, err := body(context.Background(), nil, core.Invocation{
		JobType: "refresh",
		Payload: json.RawMessage(`{"view":"published_variants"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "refreshed published_variants", out)
}

func TestTyped_EmptyPayloadIsZeroValue(t *testing.T) {
	body := Typed(func(_ context.Context, _ *Manager, args refreshArgs) (int, error) {
		return len(args.View), nil
	})

	out, err := body(context.Background(), nil, core.Invocation{JobType: "refresh"})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestTyped_BadPayloadIsValidationError(t *testing.T) {
	body := Typed(func(_ context.Context, _ *Manager, args refreshArgs) (any, error) {
		t.Fatal("body must not run")
		return nil, nil
	})

	_, err := body(context.Background(), nil, core.Invocation{JobType: "refresh", Payload: json.RawMessage(`[1,2]`)})
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.Classify(err))
}

func TestFunc(t *testing.T) {
	ran := false
	body := Func(func(context.Context, *Manager) error {
		ran = true
		return nil
	})

	out, err := body(context.Background(), nil, core.Invocation{})
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.True(t, ran)
}
