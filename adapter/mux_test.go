package adapter

import (
	"context"
	"testing"

	"github.com/sicko7947/hubflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMux_Routes(t *testing.T) {
	m := NewMux().
		HandleFunc("create_issue", func(_ context.Context, input map[string]any) (map[string]any, error) {
			return map[string]any{"title": input["title"]}, nil
		}).
		HandleFunc("notify_chat", func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"id": "MSG-1"}, nil
		})

	out, err := m.Execute(context.Background(), "create_issue", map[string]any{"title": "Printer"})
	require.NoError(t, err)
	assert.Equal(t, "Printer", out["title"])

	assert.Equal(t, []string{"create_issue", "notify_chat"}, m.Actions())
}

func TestMux_UnknownActionIsPermanent(t *testing.T) {
	_, err := NewMux().Execute(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Equal(t, hubflow.KindPermanent, hubflow.ClassifyAdapterError(err))
}

func TestMux_PassesActionType(t *testing.T) {
	var seen string
	m := NewMux().Handle("create_doc", hubflow.AdapterFunc(func(_ context.Context, actionType string, _ map[string]any) (map[string]any, error) {
		seen = actionType
		return nil, nil
	}))

	_, err := m.Execute(context.Background(), "create_doc", nil)
	require.NoError(t, err)
	assert.Equal(t, "create_doc", seen)
}
