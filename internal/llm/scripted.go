package llm

import (
	"context"
	"strings"
	"sync"
)

// ScriptedProvider 脚本化提供方，用于测试和离线演示模式
//
// 每次调用按顺序回放预设的片段序列；
// Err非nil时在回放前直接失败，用于测试错误路径。
type ScriptedProvider struct {
	mu     sync.Mutex
	Chunks []string
	Err    error
	calls  int
}

// NewScriptedProvider 创建脚本化提供方
func NewScriptedProvider(chunks ...string) *ScriptedProvider {
	return &ScriptedProvider{Chunks: chunks}
}

// Complete 阻塞式调用，返回全部片段拼接的结果
func (p *ScriptedProvider) Complete(ctx context.Context, messages []Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++

	if p.Err != nil {
		return "", p.Err
	}
	return strings.Join(p.Chunks, ""), nil
}

// Stream 流式调用，按顺序回放片段
func (p *ScriptedProvider) Stream(ctx context.Context, messages []Message, fn ChunkFunc) error {
	p.mu.Lock()
	chunks := append([]string(nil), p.Chunks...)
	err := p.Err
	p.calls++
	p.mu.Unlock()

	if err != nil {
		return err
	}

	for _, chunk := range chunks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
	return nil
}

// Calls 返回累计调用次数
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
