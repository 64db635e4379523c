package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScriptedStream 片段按预设顺序回放
func TestScriptedStream(t *testing.T) {
	p := NewScriptedProvider("Hel", "lo", "!")

	var chunks []string
	err := p.Stream(context.Background(), nil, func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo", "!"}, chunks)
	assert.Equal(t, 1, p.Calls())
}

// TestScriptedComplete 阻塞式返回全部片段的拼接
func TestScriptedComplete(t *testing.T) {
	p := NewScriptedProvider("Hel", "lo")
	reply, err := p.Complete(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello", reply)
}

// TestScriptedError 注入的错误在回放前返回
func TestScriptedError(t *testing.T) {
	wantErr := errors.New("scripted failure")
	p := &ScriptedProvider{Chunks: []string{"never"}, Err: wantErr}

	err := p.Stream(context.Background(), nil, func(string) error {
		t.Fatal("no chunk expected")
		return nil
	})
	assert.ErrorIs(t, err, wantErr)

	_, err = p.Complete(context.Background(), nil)
	assert.ErrorIs(t, err, wantErr)
}

// TestScriptedContextCancel 取消的上下文中止回放
func TestScriptedContextCancel(t *testing.T) {
	p := NewScriptedProvider("a", "b")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Stream(ctx, nil, func(string) error {
		t.Fatal("no chunk expected")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
