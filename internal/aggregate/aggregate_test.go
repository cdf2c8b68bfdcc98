package aggregate

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/switchyard/internal/dispatch"
	"github.com/mattjoyce/switchyard/internal/log"
	"github.com/mattjoyce/switchyard/internal/router"
	"github.com/mattjoyce/switchyard/internal/trigger"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func outcomes() []dispatch.Outcome {
	return []dispatch.Outcome{
		{Server: "a", Success: true, Payload: map[string]any{"data": "x"}, Attempts: 1, Elapsed: 120 * time.Millisecond},
		{Server: "b", Success: false, Error: "request timeout", Attempts: 0, Elapsed: time.Second},
	}
}

func TestAggregateMergesSuccesses(t *testing.T) {
	a := New(nil)
	start := time.Now().Add(-time.Second)

	agg := a.Aggregate(context.Background(), trigger.New(trigger.KindIssue, "s"), &router.Result{}, outcomes(), start)
	require.True(t, agg.Success)
	require.NotNil(t, agg.Response)
	assert.GreaterOrEqual(t, agg.Elapsed, time.Second)

	assert.Equal(t, map[string]any{"a": map[string]any{"data": "x"}}, agg.Response["responses"])
	assert.Equal(t, 1, agg.Response["succeeded"])
	assert.Equal(t, 1, agg.Response["failed"])

	servers := agg.Response["servers"].([]map[string]any)
	require.Len(t, servers, 2)
	assert.Equal(t, "a", servers[0]["name"])
	assert.Equal(t, int64(120), servers[0]["elapsed_ms"])
	assert.Equal(t, "request timeout", servers[1]["error"])
}

func TestAggregateNoSuccess(t *testing.T) {
	called := false
	a := New(MergerFunc(func(context.Context, trigger.Context, *router.Result, []dispatch.Outcome) (map[string]any, error) {
		called = true
		return map[string]any{}, nil
	}))

	agg := a.Aggregate(context.Background(), trigger.New(trigger.KindIssue, "s"), &router.Result{}, outcomes()[1:], time.Now())
	assert.False(t, agg.Success)
	assert.Nil(t, agg.Response)
	assert.False(t, called, "merger is not consulted without a success")

	agg = a.Aggregate(context.Background(), trigger.New(trigger.KindIssue, "s"), &router.Result{}, nil, time.Now())
	assert.False(t, agg.Success)
	assert.Nil(t, agg.Response)
}

func TestAggregateMergerFailureKeepsSuccess(t *testing.T) {
	tests := []struct {
		name   string
		merger MergerFunc
		want   string
	}{
		{
			name: "error",
			merger: func(context.Context, trigger.Context, *router.Result, []dispatch.Outcome) (map[string]any, error) {
				return map[string]any{"partial": true}, errors.New("summarizer offline")
			},
			want: "summarizer offline",
		},
		{
			name: "panic",
			merger: func(context.Context, trigger.Context, *router.Result, []dispatch.Outcome) (map[string]any, error) {
				panic("bad merger")
			},
			want: "merger panicked: bad merger",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := New(tt.merger).Aggregate(context.Background(), trigger.New(trigger.KindIssue, "s"), &router.Result{}, outcomes(), time.Now())
			assert.True(t, agg.Success)
			assert.Nil(t, agg.Response)
			assert.Equal(t, tt.want, agg.MergeError)
		})
	}
}
