package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// 文本帧内承载的JSON消息类型
const (
	// 客户端 -> 服务器
	TypeChat       = "chat"
	TypeList       = "list"
	TypeLoad       = "load"
	TypeDelete     = "delete"
	TypeOpenFolder = "openFolder"

	// 服务器 -> 客户端
	TypeConversations = "conversations"
	TypeStream        = "stream"
	TypeComplete      = "complete"
	TypeConversation  = "conversation"
	TypeError         = "error"
)

// ClientMessage 客户端发来的统一消息信封，按Type字段分发
type ClientMessage struct {
	Type           string `json:"type"`
	Message        string `json:"message,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Name           string `json:"name,omitempty"`
	Stream         *bool  `json:"stream,omitempty"` // 缺省为流式
}

// Streaming 返回该聊天请求是否要求流式响应（默认true）
func (m *ClientMessage) Streaming() bool {
	return m.Stream == nil || *m.Stream
}

// ParseClientMessage 解析客户端JSON消息
func ParseClientMessage(payload []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("parse client message failed: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("client message missing type field")
	}
	return &msg, nil
}

// ConversationSummary 对话索引条目
type ConversationSummary struct {
	Name         string    `json:"name"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
	MessageCount int       `json:"messageCount"`
}

// ConversationsMessage 对话索引推送
type ConversationsMessage struct {
	Type          string                `json:"type"`
	Conversations []ConversationSummary `json:"conversations"`
}

// StreamMessage 流式响应增量
type StreamMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// CompleteMessage 流式响应结束标记
//
// 回带本轮实际写入的对话名：客户端首次请求可以不带
// conversationId，后续轮次用这里的名字续写同一转录。
type CompleteMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
}

// ConversationMessage 单个对话的完整内容
type ConversationMessage struct {
	Type         string `json:"type"`
	Conversation any    `json:"conversation"`
}

// ErrorMessage 应用级错误，只发给出错请求所在的会话
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewConversationsMessage 构造对话索引消息
func NewConversationsMessage(list []ConversationSummary) *ConversationsMessage {
	if list == nil {
		list = []ConversationSummary{}
	}
	return &ConversationsMessage{Type: TypeConversations, Conversations: list}
}

// NewStreamMessage 构造流式增量消息
func NewStreamMessage(content string) *StreamMessage {
	return &StreamMessage{Type: TypeStream, Content: content}
}

// NewCompleteMessage 构造完成标记消息
func NewCompleteMessage(conversationID string) *CompleteMessage {
	return &CompleteMessage{Type: TypeComplete, ConversationID: conversationID}
}

// NewErrorMessage 构造错误消息
func NewErrorMessage(text string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, Message: text}
}
