// Package llm 定义推理协作方的抽象接口
//
// 服务器只依赖该接口：提交消息历史，拿到完整文本或增量token流。
// 具体提供方（OpenAI兼容HTTP端点、测试用脚本台）在本包内实现。
package llm

import (
	"context"
	"errors"
)

// Message 提交给模型的单条消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChunkFunc 流式模式下每个增量片段的回调
//
// 返回错误会中止流式读取，错误原样向上传播。
type ChunkFunc func(chunk string) error

// Provider 推理提供方接口
type Provider interface {
	// Complete 阻塞式调用，返回完整的助手回复
	Complete(ctx context.Context, messages []Message) (string, error)

	// Stream 流式调用，每个增量片段按产生顺序回调fn
	Stream(ctx context.Context, messages []Message, fn ChunkFunc) error
}

var (
	// ErrNoChoices 响应中没有任何候选回复
	ErrNoChoices = errors.New("llm: response contains no choices")

	// ErrRateLimited 提供方返回限流
	ErrRateLimited = errors.New("llm: rate limited")
)
