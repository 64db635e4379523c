package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Nitogx/clarky/internal/llm"
	"github.com/Nitogx/clarky/internal/protocol"
)

// ErrConversationNotFound 请求的对话不存在
//
// 与一般的存储故障区分开，load未命中不是失败。
var ErrConversationNotFound = errors.New("conversation not found")

// Sink 能接收服务器JSON消息的会话端点
type Sink interface {
	ID() string
	SendJSON(v any) error
}

// Broadcaster 向所有在线会话推送消息
type Broadcaster interface {
	BroadcastJSON(v any)
}

// Store 转录持久化协作方的契约
type Store interface {
	Save(ctx context.Context, conv *Conversation) (string, error)
	Load(ctx context.Context, name string) (*Conversation, error)
	List(ctx context.Context) ([]protocol.ConversationSummary, error)
	Delete(ctx context.Context, name string) (bool, error)
}

// Orchestrator 聊天编排器
//
// 持有按ID索引的对话表（每个会话/客户端一份转录，互不串扰），
// 把会话的聊天请求桥接到推理提供方，将流式增量转发回会话，
// 完成后持久化并向全体会话广播新的转录索引。
type Orchestrator struct {
	mu            sync.Mutex
	conversations map[string]*Conversation

	provider      llm.Provider
	store         Store
	broadcaster   Broadcaster
	historyWindow int
}

// NewOrchestrator 创建编排器
//
// historyWindow为构造模型请求时保留的最近轮数，<=0表示不截断。
func NewOrchestrator(provider llm.Provider, store Store, broadcaster Broadcaster, historyWindow int) *Orchestrator {
	return &Orchestrator{
		conversations: make(map[string]*Conversation),
		provider:      provider,
		store:         store,
		broadcaster:   broadcaster,
		historyWindow: historyWindow,
	}
}

// HandleChat 处理一次聊天请求
//
// 提供方的任何失败（网络、格式、限流）都在这里兜住，
// 转成error消息只发给发起请求的会话，绝不拖垮会话本身。
func (o *Orchestrator) HandleChat(ctx context.Context, sink Sink, msg *protocol.ClientMessage) {
	conv := o.conversation(msg.ConversationID)

	o.mu.Lock()
	conv.Append(RoleUser, msg.Message)
	window := conv.Window(o.historyWindow)
	o.mu.Unlock()

	var reply string
	var err error

	if msg.Streaming() {
		// 每个增量片段立即转发，同时累积完整文本用于持久化
		var state streamState
		err = o.provider.Stream(ctx, window, func(chunk string) error {
			state.append(chunk)
			if sendErr := sink.SendJSON(protocol.NewStreamMessage(chunk)); sendErr != nil {
				// 会话中途关闭：吞掉写错误让流跑完，保证持久化完整
				log.Printf("Stream write to session %s failed: %v", sink.ID(), sendErr)
			}
			return nil
		})
		reply = state.text()
	} else {
		reply, err = o.provider.Complete(ctx, window)
	}

	if err != nil {
		o.sendError(sink, fmt.Sprintf("inference failed: %v", err))
		return
	}

	// complete消息回带实际使用的对话名，客户端据此续写
	if msg.Streaming() {
		if sendErr := sink.SendJSON(protocol.NewCompleteMessage(conv.Name)); sendErr != nil {
			log.Printf("Complete write to session %s failed: %v", sink.ID(), sendErr)
		}
	} else {
		if sendErr := sink.SendJSON(protocol.NewStreamMessage(reply)); sendErr != nil {
			log.Printf("Reply write to session %s failed: %v", sink.ID(), sendErr)
		}
		if sendErr := sink.SendJSON(protocol.NewCompleteMessage(conv.Name)); sendErr != nil {
			log.Printf("Complete write to session %s failed: %v", sink.ID(), sendErr)
		}
	}

	o.mu.Lock()
	conv.Append(RoleAssistant, reply)
	o.mu.Unlock()

	if _, err := o.store.Save(ctx, conv); err != nil {
		o.sendError(sink, fmt.Sprintf("persist conversation failed: %v", err))
		return
	}

	o.broadcastIndex(ctx)
}

// HandleList 回复当前的转录索引
func (o *Orchestrator) HandleList(ctx context.Context, sink Sink) {
	summaries, err := o.store.List(ctx)
	if err != nil {
		o.sendError(sink, fmt.Sprintf("list conversations failed: %v", err))
		return
	}
	if err := sink.SendJSON(protocol.NewConversationsMessage(summaries)); err != nil {
		log.Printf("List reply to session %s failed: %v", sink.ID(), err)
	}
}

// HandleLoad 回复指定对话的完整内容
func (o *Orchestrator) HandleLoad(ctx context.Context, sink Sink, name string) {
	conv, err := o.store.Load(ctx, name)
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			o.sendError(sink, fmt.Sprintf("conversation not found: %s", name))
		} else {
			o.sendError(sink, fmt.Sprintf("load conversation failed: %v", err))
		}
		return
	}

	// 加载的对话进入内存表，后续chat可以续写
	o.mu.Lock()
	o.conversations[conv.Name] = conv
	o.mu.Unlock()

	if err := sink.SendJSON(&protocol.ConversationMessage{
		Type:         protocol.TypeConversation,
		Conversation: conv,
	}); err != nil {
		log.Printf("Load reply to session %s failed: %v", sink.ID(), err)
	}
}

// HandleDelete 删除指定对话并广播刷新后的索引
func (o *Orchestrator) HandleDelete(ctx context.Context, sink Sink, name string) {
	found, err := o.store.Delete(ctx, name)
	if err != nil {
		o.sendError(sink, fmt.Sprintf("delete conversation failed: %v", err))
		return
	}
	if !found {
		o.sendError(sink, fmt.Sprintf("conversation not found: %s", name))
		return
	}

	o.mu.Lock()
	delete(o.conversations, name)
	o.mu.Unlock()

	o.broadcastIndex(ctx)
}

// conversation 取出或创建指定ID的对话
//
// ID为空时生成基于时间的名字，互不相识的会话各得其所。
func (o *Orchestrator) conversation(id string) *Conversation {
	o.mu.Lock()
	defer o.mu.Unlock()

	if id == "" {
		id = GenerateName(time.Now())
	}
	conv, ok := o.conversations[id]
	if !ok {
		conv = NewConversation(id)
		o.conversations[id] = conv
	}
	return conv
}

// broadcastIndex 向全体会话广播最新转录索引
func (o *Orchestrator) broadcastIndex(ctx context.Context) {
	summaries, err := o.store.List(ctx)
	if err != nil {
		log.Printf("Broadcast index failed: %v", err)
		return
	}
	o.broadcaster.BroadcastJSON(protocol.NewConversationsMessage(summaries))
}

// sendError 把应用级错误发回出错请求所在的会话
func (o *Orchestrator) sendError(sink Sink, text string) {
	if err := sink.SendJSON(protocol.NewErrorMessage(text)); err != nil {
		log.Printf("Error reply to session %s failed: %v", sink.ID(), err)
	}
}

// streamState 单次请求内的流式累积器
//
// 只为持久化累积完整文本，转发增量不经过它缓冲。
type streamState struct {
	chunks []string
	length int
}

func (s *streamState) append(chunk string) {
	s.chunks = append(s.chunks, chunk)
	s.length += len(chunk)
}

func (s *streamState) text() string {
	if len(s.chunks) == 0 {
		return ""
	}
	buf := make([]byte, 0, s.length)
	for _, c := range s.chunks {
		buf = append(buf, c...)
	}
	return string(buf)
}
