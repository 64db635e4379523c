package chat

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Nitogx/clarky/internal/llm"
	"github.com/Nitogx/clarky/internal/protocol"
)

// 消息角色定义
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn 代表对话中的一轮交换记录
type Turn struct {
	Role      string    `json:"role"`    // user 或 assistant
	Content   string    `json:"content"` // 消息内容
	Timestamp time.Time `json:"timestamp"`
}

// Conversation 代表一个完整的对话转录
//
// Messages保留全部历史用于持久化；
// 构造模型请求时只取最近的历史窗口。
type Conversation struct {
	Name     string    `json:"name"`
	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`
	Messages []Turn    `json:"messages"`
}

// NewConversation 创建空对话
func NewConversation(name string) *Conversation {
	now := time.Now()
	return &Conversation{
		Name:     name,
		Created:  now,
		Updated:  now,
		Messages: []Turn{},
	}
}

// Append 追加一轮对话并刷新更新时间
func (c *Conversation) Append(role, content string) {
	now := time.Now()
	c.Messages = append(c.Messages, Turn{
		Role:      role,
		Content:   content,
		Timestamp: now,
	})
	c.Updated = now
}

// Window 构造模型请求用的消息列表，只含最近limit轮
//
// limit <= 0 表示不截断。完整历史不受影响。
func (c *Conversation) Window(limit int) []llm.Message {
	msgs := c.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	out := make([]llm.Message, 0, len(msgs))
	for _, t := range msgs {
		out = append(out, llm.Message{Role: t.Role, Content: t.Content})
	}
	return out
}

// Summary 生成该对话的索引条目
func (c *Conversation) Summary() protocol.ConversationSummary {
	return protocol.ConversationSummary{
		Name:         c.Name,
		Created:      c.Created,
		Updated:      c.Updated,
		MessageCount: len(c.Messages),
	}
}

// 未命名对话的进程内序号，保证同一秒创建的对话名字不冲突
var nameSeq atomic.Uint64

// GenerateName 为未命名对话生成基于时间的唯一名字
//
// 只有秒级时间戳不够：两个会话在同一秒发起首轮聊天会被
// 归入同一转录，互相穿插对方的轮次。
func GenerateName(now time.Time) string {
	return fmt.Sprintf("chat-%s-%d", now.Format("2006-01-02-150405"), nameSeq.Add(1))
}
