package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nitogx/clarky/internal/llm"
	"github.com/Nitogx/clarky/internal/protocol"
)

// fakeSink 记录发往单个会话的全部消息
type fakeSink struct {
	id      string
	sent    []any
	failAll bool
}

func (s *fakeSink) ID() string { return s.id }

func (s *fakeSink) SendJSON(v any) error {
	if s.failAll {
		return errors.New("connection reset")
	}
	s.sent = append(s.sent, v)
	return nil
}

// fakeBroadcaster 记录广播消息
type fakeBroadcaster struct {
	sent []any
}

func (b *fakeBroadcaster) BroadcastJSON(v any) {
	b.sent = append(b.sent, v)
}

// memStore 内存存储桩，可注入故障
type memStore struct {
	convs   map[string]*Conversation
	saveErr error
	listErr error
}

func newMemStore() *memStore {
	return &memStore{convs: make(map[string]*Conversation)}
}

func (m *memStore) Save(_ context.Context, conv *Conversation) (string, error) {
	if m.saveErr != nil {
		return "", m.saveErr
	}
	clone := *conv
	clone.Messages = append([]Turn(nil), conv.Messages...)
	m.convs[conv.Name] = &clone
	return conv.Name + ".json", nil
}

func (m *memStore) Load(_ context.Context, name string) (*Conversation, error) {
	conv, ok := m.convs[name]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

func (m *memStore) List(_ context.Context) ([]protocol.ConversationSummary, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]protocol.ConversationSummary, 0, len(m.convs))
	for _, conv := range m.convs {
		out = append(out, conv.Summary())
	}
	return out, nil
}

func (m *memStore) Delete(_ context.Context, name string) (bool, error) {
	if _, ok := m.convs[name]; !ok {
		return false, nil
	}
	delete(m.convs, name)
	return true, nil
}

func chatMsg(text, convID string) *protocol.ClientMessage {
	return &protocol.ClientMessage{
		Type:           protocol.TypeChat,
		Message:        text,
		ConversationID: convID,
	}
}

// TestHandleChatStreaming 流式请求：逐片转发、完成标记、持久化完整回复
func TestHandleChatStreaming(t *testing.T) {
	provider := llm.NewScriptedProvider("Hel", "lo")
	store := newMemStore()
	bcast := &fakeBroadcaster{}
	orch := NewOrchestrator(provider, store, bcast, 20)

	sink := &fakeSink{id: "sess_1"}
	orch.HandleChat(context.Background(), sink, chatMsg("hi there", "conv-a"))

	// 发给会话的消息顺序：stream("Hel"), stream("lo"), complete
	require.Len(t, sink.sent, 3)
	assert.Equal(t, protocol.NewStreamMessage("Hel"), sink.sent[0])
	assert.Equal(t, protocol.NewStreamMessage("lo"), sink.sent[1])
	assert.Equal(t, protocol.NewCompleteMessage("conv-a"), sink.sent[2])

	// 持久化转录的最后一条是拼接后的完整回复
	saved, ok := store.convs["conv-a"]
	require.True(t, ok)
	require.Len(t, saved.Messages, 2)
	assert.Equal(t, RoleUser, saved.Messages[0].Role)
	assert.Equal(t, "hi there", saved.Messages[0].Content)
	assert.Equal(t, RoleAssistant, saved.Messages[1].Role)
	assert.Equal(t, "Hello", saved.Messages[1].Content)

	// 保存后向全体会话广播新索引
	require.Len(t, bcast.sent, 1)
	idx, ok := bcast.sent[0].(*protocol.ConversationsMessage)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeConversations, idx.Type)
	require.Len(t, idx.Conversations, 1)
	assert.Equal(t, "conv-a", idx.Conversations[0].Name)
}

// TestHandleChatNonStreaming stream:false时整段回复一次发出
func TestHandleChatNonStreaming(t *testing.T) {
	provider := llm.NewScriptedProvider("all ", "at ", "once")
	store := newMemStore()
	orch := NewOrchestrator(provider, store, &fakeBroadcaster{}, 20)

	off := false
	msg := chatMsg("hi", "conv-b")
	msg.Stream = &off

	sink := &fakeSink{id: "sess_1"}
	orch.HandleChat(context.Background(), sink, msg)

	require.Len(t, sink.sent, 2)
	assert.Equal(t, protocol.NewStreamMessage("all at once"), sink.sent[0])
	assert.Equal(t, protocol.NewCompleteMessage("conv-b"), sink.sent[1])
	assert.Equal(t, "all at once", store.convs["conv-b"].Messages[1].Content)
}

// TestHandleChatProviderError 提供方失败只产生error消息，不持久化
func TestHandleChatProviderError(t *testing.T) {
	provider := &llm.ScriptedProvider{Err: errors.New("upstream unavailable")}
	store := newMemStore()
	bcast := &fakeBroadcaster{}
	orch := NewOrchestrator(provider, store, bcast, 20)

	sink := &fakeSink{id: "sess_1"}
	orch.HandleChat(context.Background(), sink, chatMsg("hi", "conv-c"))

	require.Len(t, sink.sent, 1)
	errMsg, ok := sink.sent[0].(*protocol.ErrorMessage)
	require.True(t, ok)
	assert.Contains(t, errMsg.Message, "inference failed")

	assert.Empty(t, store.convs)
	assert.Empty(t, bcast.sent)
}

// TestHandleChatSinkFailure 会话中途关闭：流跑完，持久化不受影响
func TestHandleChatSinkFailure(t *testing.T) {
	provider := llm.NewScriptedProvider("Hel", "lo")
	store := newMemStore()
	orch := NewOrchestrator(provider, store, &fakeBroadcaster{}, 20)

	sink := &fakeSink{id: "sess_gone", failAll: true}
	orch.HandleChat(context.Background(), sink, chatMsg("hi", "conv-d"))

	saved, ok := store.convs["conv-d"]
	require.True(t, ok)
	assert.Equal(t, "Hello", saved.Messages[1].Content)
}

// TestHandleChatSaveFailure 持久化失败转成error消息
func TestHandleChatSaveFailure(t *testing.T) {
	store := newMemStore()
	store.saveErr = errors.New("disk full")
	orch := NewOrchestrator(llm.NewScriptedProvider("ok"), store, &fakeBroadcaster{}, 20)

	sink := &fakeSink{id: "sess_1"}
	orch.HandleChat(context.Background(), sink, chatMsg("hi", "conv-e"))

	last, ok := sink.sent[len(sink.sent)-1].(*protocol.ErrorMessage)
	require.True(t, ok)
	assert.Contains(t, last.Message, "persist conversation failed")
}

// TestHandleChatIsolatedConversations 不同ID的对话互不串扰
func TestHandleChatIsolatedConversations(t *testing.T) {
	provider := llm.NewScriptedProvider("reply")
	store := newMemStore()
	orch := NewOrchestrator(provider, store, &fakeBroadcaster{}, 20)

	orch.HandleChat(context.Background(), &fakeSink{id: "a"}, chatMsg("from a", "conv-a"))
	orch.HandleChat(context.Background(), &fakeSink{id: "b"}, chatMsg("from b", "conv-b"))

	require.Len(t, store.convs, 2)
	assert.Equal(t, "from a", store.convs["conv-a"].Messages[0].Content)
	assert.Equal(t, "from b", store.convs["conv-b"].Messages[0].Content)
}

// TestHandleChatGeneratedName ID缺省时生成名字，并在complete里回带
func TestHandleChatGeneratedName(t *testing.T) {
	provider := llm.NewScriptedProvider("reply")
	store := newMemStore()
	orch := NewOrchestrator(provider, store, &fakeBroadcaster{}, 20)

	sink := &fakeSink{id: "a"}
	orch.HandleChat(context.Background(), sink, chatMsg("hi", ""))

	require.Len(t, store.convs, 1)
	var name string
	for n := range store.convs {
		name = n
	}
	assert.Regexp(t, `^chat-\d{4}-\d{2}-\d{2}-\d{6}-\d+$`, name)

	// 客户端从complete里拿到实际写入的对话名
	complete, ok := sink.sent[len(sink.sent)-1].(*protocol.CompleteMessage)
	require.True(t, ok)
	assert.Equal(t, name, complete.ConversationID)
}

// TestHandleChatUnnamedSameSecond 同一秒内两个会话的首轮聊天不得共用转录
func TestHandleChatUnnamedSameSecond(t *testing.T) {
	provider := llm.NewScriptedProvider("reply")
	store := newMemStore()
	orch := NewOrchestrator(provider, store, &fakeBroadcaster{}, 20)

	alice := &fakeSink{id: "sess_alice"}
	bob := &fakeSink{id: "sess_bob"}
	orch.HandleChat(context.Background(), alice, chatMsg("from alice", ""))
	orch.HandleChat(context.Background(), bob, chatMsg("from bob", ""))

	require.Len(t, store.convs, 2)
	for name, conv := range store.convs {
		require.Len(t, conv.Messages, 2, "conversation %s", name)
		assert.Equal(t, RoleUser, conv.Messages[0].Role)
		assert.Equal(t, RoleAssistant, conv.Messages[1].Role)
	}
}

// TestHandleChatContinuesEchoedName 用complete回带的名字续写得到同一转录
func TestHandleChatContinuesEchoedName(t *testing.T) {
	provider := llm.NewScriptedProvider("reply")
	store := newMemStore()
	orch := NewOrchestrator(provider, store, &fakeBroadcaster{}, 20)

	sink := &fakeSink{id: "sess_1"}
	orch.HandleChat(context.Background(), sink, chatMsg("first turn", ""))

	complete, ok := sink.sent[len(sink.sent)-1].(*protocol.CompleteMessage)
	require.True(t, ok)
	require.NotEmpty(t, complete.ConversationID)

	orch.HandleChat(context.Background(), sink, chatMsg("second turn", complete.ConversationID))

	require.Len(t, store.convs, 1)
	conv := store.convs[complete.ConversationID]
	require.NotNil(t, conv)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, "first turn", conv.Messages[0].Content)
	assert.Equal(t, "second turn", conv.Messages[2].Content)
}

// TestHandleList 返回存储中的索引
func TestHandleList(t *testing.T) {
	store := newMemStore()
	store.convs["conv-a"] = NewConversation("conv-a")
	orch := NewOrchestrator(llm.NewScriptedProvider(), store, &fakeBroadcaster{}, 20)

	sink := &fakeSink{id: "sess_1"}
	orch.HandleList(context.Background(), sink)

	require.Len(t, sink.sent, 1)
	idx, ok := sink.sent[0].(*protocol.ConversationsMessage)
	require.True(t, ok)
	require.Len(t, idx.Conversations, 1)
	assert.Equal(t, "conv-a", idx.Conversations[0].Name)
}

// TestHandleListStoreError 存储故障转成error消息
func TestHandleListStoreError(t *testing.T) {
	store := newMemStore()
	store.listErr = errors.New("io error")
	orch := NewOrchestrator(llm.NewScriptedProvider(), store, &fakeBroadcaster{}, 20)

	sink := &fakeSink{id: "sess_1"}
	orch.HandleList(context.Background(), sink)

	require.Len(t, sink.sent, 1)
	_, ok := sink.sent[0].(*protocol.ErrorMessage)
	assert.True(t, ok)
}

// TestHandleLoad 加载后可以在同一对话上续写
func TestHandleLoad(t *testing.T) {
	store := newMemStore()
	conv := NewConversation("conv-old")
	conv.Append(RoleUser, "earlier question")
	conv.Append(RoleAssistant, "earlier answer")
	store.convs["conv-old"] = conv

	provider := llm.NewScriptedProvider("continued")
	orch := NewOrchestrator(provider, store, &fakeBroadcaster{}, 20)

	sink := &fakeSink{id: "sess_1"}
	orch.HandleLoad(context.Background(), sink, "conv-old")

	require.Len(t, sink.sent, 1)
	loaded, ok := sink.sent[0].(*protocol.ConversationMessage)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeConversation, loaded.Type)

	// 续写进入同一转录
	orch.HandleChat(context.Background(), sink, chatMsg("follow up", "conv-old"))
	saved := store.convs["conv-old"]
	require.Len(t, saved.Messages, 4)
	assert.Equal(t, "follow up", saved.Messages[2].Content)
	assert.Equal(t, "continued", saved.Messages[3].Content)
}

// TestHandleLoadNotFound 未命中返回error消息
func TestHandleLoadNotFound(t *testing.T) {
	orch := NewOrchestrator(llm.NewScriptedProvider(), newMemStore(), &fakeBroadcaster{}, 20)

	sink := &fakeSink{id: "sess_1"}
	orch.HandleLoad(context.Background(), sink, "conv-missing")

	require.Len(t, sink.sent, 1)
	errMsg, ok := sink.sent[0].(*protocol.ErrorMessage)
	require.True(t, ok)
	assert.Contains(t, errMsg.Message, "not found")
}

// TestHandleDelete 删除成功后广播新索引
func TestHandleDelete(t *testing.T) {
	store := newMemStore()
	store.convs["conv-a"] = NewConversation("conv-a")
	bcast := &fakeBroadcaster{}
	orch := NewOrchestrator(llm.NewScriptedProvider(), store, bcast, 20)

	sink := &fakeSink{id: "sess_1"}
	orch.HandleDelete(context.Background(), sink, "conv-a")

	assert.Empty(t, store.convs)
	require.Len(t, bcast.sent, 1)

	// 再删一次：未命中回error
	orch.HandleDelete(context.Background(), sink, "conv-a")
	require.Len(t, sink.sent, 1)
	_, ok := sink.sent[0].(*protocol.ErrorMessage)
	assert.True(t, ok)
}

// TestConversationWindow 历史窗口只影响模型请求，不影响转录
func TestConversationWindow(t *testing.T) {
	conv := NewConversation("conv-w")
	for i := 0; i < 10; i++ {
		conv.Append(RoleUser, "q")
		conv.Append(RoleAssistant, "a")
	}

	window := conv.Window(4)
	assert.Len(t, window, 4)
	assert.Len(t, conv.Messages, 20)

	// <=0 不截断
	assert.Len(t, conv.Window(0), 20)
	assert.Len(t, conv.Window(-1), 20)
}

// TestGenerateName 时间格式固定，同一时刻的两次生成互不相同
func TestGenerateName(t *testing.T) {
	ts := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

	first := GenerateName(ts)
	second := GenerateName(ts)
	assert.Regexp(t, `^chat-2026-03-14-150926-\d+$`, first)
	assert.Regexp(t, `^chat-2026-03-14-150926-\d+$`, second)
	assert.NotEqual(t, first, second)
}

// TestConversationSummary 索引条目反映消息数
func TestConversationSummary(t *testing.T) {
	conv := NewConversation("conv-s")
	conv.Append(RoleUser, "hi")

	sum := conv.Summary()
	assert.Equal(t, "conv-s", sum.Name)
	assert.Equal(t, 1, sum.MessageCount)
	assert.False(t, sum.Updated.Before(sum.Created))
}
