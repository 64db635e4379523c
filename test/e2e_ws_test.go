// 端到端测试：真实TCP端口 + 手工握手/帧编解码的服务器 + gorilla客户端
//
// 服务器侧完全不经过WebSocket库，客户端用gorilla/websocket验证
// 与标准实现的互通性。
package test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nitogx/clarky/internal/chat"
	"github.com/Nitogx/clarky/internal/llm"
	"github.com/Nitogx/clarky/internal/protocol"
	"github.com/Nitogx/clarky/internal/server"
	"github.com/Nitogx/clarky/internal/session"
	"github.com/Nitogx/clarky/internal/store"
	"github.com/Nitogx/clarky/internal/wsclient"
)

// testEnv 一套完整的服务器栈
type testEnv struct {
	server *server.Server
	store  *store.FileStore
	wsURL  string
	tcpAdr string
}

// startEnv 在随机端口上启动服务器
func startEnv(t *testing.T, provider llm.Provider) *testEnv {
	t.Helper()

	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	registry := session.NewRegistry()
	orch := chat.NewOrchestrator(provider, fs, registry, 20)

	cfg := server.DefaultConfig("127.0.0.1:0")
	cfg.StaticDir = "" // 使用内置页面
	cfg.StoreDir = fs.Dir()
	srv := server.New(cfg, registry, orch)
	require.NoError(t, srv.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	addr := srv.Addr().String()
	return &testEnv{
		server: srv,
		store:  fs,
		wsURL:  fmt.Sprintf("ws://%s/", addr),
		tcpAdr: addr,
	}
}

// testClient 带通道收集器的wsclient封装
type testClient struct {
	client        *wsclient.Client
	streams       chan string
	completes     chan string // complete消息回带的对话名
	conversations chan []protocol.ConversationSummary
	loaded        chan json.RawMessage
	errorsCh      chan string
}

func connectClient(t *testing.T, env *testEnv) *testClient {
	t.Helper()

	tc := &testClient{
		streams:       make(chan string, 64),
		completes:     make(chan string, 8),
		conversations: make(chan []protocol.ConversationSummary, 8),
		loaded:        make(chan json.RawMessage, 8),
		errorsCh:      make(chan string, 8),
	}

	cfg := wsclient.DefaultClientConfig(env.wsURL)
	cfg.HandshakeTimeout = 3 * time.Second
	cfg.PingInterval = 50 * time.Millisecond // 快速心跳，顺带覆盖Ping/Pong路径

	tc.client = wsclient.New(cfg)
	tc.client.SetStreamHandler(func(content string) { tc.streams <- content })
	tc.client.SetCompleteHandler(func(convID string) { tc.completes <- convID })
	tc.client.SetConversationsHandler(func(list []protocol.ConversationSummary) { tc.conversations <- list })
	tc.client.SetConversationHandler(func(conv json.RawMessage) { tc.loaded <- conv })
	tc.client.SetErrorHandler(func(msg string) { tc.errorsCh <- msg })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tc.client.Connect(ctx))

	t.Cleanup(func() { _ = tc.client.Close() })
	return tc
}

func recvString(t *testing.T, ch chan string, what string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
		return ""
	}
}

func recvComplete(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case convID := <-ch:
		return convID
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for complete marker")
		return ""
	}
}

func recvIndex(t *testing.T, ch chan []protocol.ConversationSummary) []protocol.ConversationSummary {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for conversations index")
		return nil
	}
}

// TestE2EChatStreaming 完整聊天流程：增量、完成标记、索引广播、持久化
func TestE2EChatStreaming(t *testing.T) {
	env := startEnv(t, llm.NewScriptedProvider("Hel", "lo"))
	tc := connectClient(t, env)

	require.NoError(t, tc.client.SendChat("hi there", "conv-e2e"))

	assert.Equal(t, "Hel", recvString(t, tc.streams, "first chunk"))
	assert.Equal(t, "lo", recvString(t, tc.streams, "second chunk"))
	assert.Equal(t, "conv-e2e", recvComplete(t, tc.completes))

	// 保存后向全体会话广播索引
	idx := recvIndex(t, tc.conversations)
	require.Len(t, idx, 1)
	assert.Equal(t, "conv-e2e", idx[0].Name)
	assert.Equal(t, 2, idx[0].MessageCount)

	// 转录落盘且完整
	conv, err := env.store.Load(context.Background(), "conv-e2e")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "hi there", conv.Messages[0].Content)
	assert.Equal(t, "Hello", conv.Messages[1].Content)
}

// TestE2EMultiTurn 同一对话连续多轮，历史保留
func TestE2EMultiTurn(t *testing.T) {
	env := startEnv(t, llm.NewScriptedProvider("reply"))
	tc := connectClient(t, env)

	for i := 0; i < 3; i++ {
		require.NoError(t, tc.client.SendChat(fmt.Sprintf("turn %d", i), "conv-multi"))
		recvString(t, tc.streams, "chunk")
		recvComplete(t, tc.completes)
		recvIndex(t, tc.conversations)
	}

	conv, err := env.store.Load(context.Background(), "conv-multi")
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 6)
}

// TestE2EUnnamedContinuity 首轮不带conversationId，用complete回带的名字续写
func TestE2EUnnamedContinuity(t *testing.T) {
	env := startEnv(t, llm.NewScriptedProvider("reply"))
	tc := connectClient(t, env)

	require.NoError(t, tc.client.SendChat("first turn", ""))
	recvString(t, tc.streams, "chunk")
	convID := recvComplete(t, tc.completes)
	require.NotEmpty(t, convID)
	recvIndex(t, tc.conversations)

	require.NoError(t, tc.client.SendChat("second turn", convID))
	recvString(t, tc.streams, "chunk")
	assert.Equal(t, convID, recvComplete(t, tc.completes))
	recvIndex(t, tc.conversations)

	// 两轮落在同一份转录里
	conv, err := env.store.Load(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, "first turn", conv.Messages[0].Content)
	assert.Equal(t, "second turn", conv.Messages[2].Content)
}

// TestE2EListLoadDelete 转录索引、加载和删除
func TestE2EListLoadDelete(t *testing.T) {
	env := startEnv(t, llm.NewScriptedProvider("saved reply"))

	// 预先落一份转录
	seed := chat.NewConversation("conv-seed")
	seed.Append(chat.RoleUser, "old question")
	seed.Append(chat.RoleAssistant, "old answer")
	_, err := env.store.Save(context.Background(), seed)
	require.NoError(t, err)

	tc := connectClient(t, env)

	require.NoError(t, tc.client.RequestList())
	idx := recvIndex(t, tc.conversations)
	require.Len(t, idx, 1)
	assert.Equal(t, "conv-seed", idx[0].Name)

	require.NoError(t, tc.client.RequestLoad("conv-seed"))
	select {
	case raw := <-tc.loaded:
		var conv chat.Conversation
		require.NoError(t, json.Unmarshal(raw, &conv))
		assert.Equal(t, "conv-seed", conv.Name)
		assert.Len(t, conv.Messages, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for loaded conversation")
	}

	require.NoError(t, tc.client.RequestDelete("conv-seed"))
	idx = recvIndex(t, tc.conversations)
	assert.Empty(t, idx)

	// 加载已删除的对话得到错误消息
	require.NoError(t, tc.client.RequestLoad("conv-seed"))
	errText := recvString(t, tc.errorsCh, "error message")
	assert.Contains(t, errText, "not found")
}

// TestE2EBroadcastToAllSessions 一个会话聊天，全部会话收到索引广播
func TestE2EBroadcastToAllSessions(t *testing.T) {
	env := startEnv(t, llm.NewScriptedProvider("reply"))
	alice := connectClient(t, env)
	bob := connectClient(t, env)

	require.NoError(t, alice.client.SendChat("hi", "conv-shared"))
	recvComplete(t, alice.completes)

	// 旁观会话也收到新索引
	idx := recvIndex(t, bob.conversations)
	require.Len(t, idx, 1)
	assert.Equal(t, "conv-shared", idx[0].Name)

	// 但流式增量只发给发起请求的会话
	select {
	case chunk := <-bob.streams:
		t.Fatalf("bystander received stream chunk %q", chunk)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestE2EProviderFailure 推理失败转成error消息，连接保持可用
func TestE2EProviderFailure(t *testing.T) {
	env := startEnv(t, &llm.ScriptedProvider{Err: fmt.Errorf("model overloaded")})
	tc := connectClient(t, env)

	require.NoError(t, tc.client.SendChat("hi", "conv-x"))
	errText := recvString(t, tc.errorsCh, "error message")
	assert.Contains(t, errText, "inference failed")

	// 连接未被拖垮，后续请求仍然工作
	require.NoError(t, tc.client.RequestList())
	assert.Empty(t, recvIndex(t, tc.conversations))
}

// TestE2EStaticPage 普通HTTP GET返回聊天页面
func TestE2EStaticPage(t *testing.T) {
	env := startEnv(t, llm.NewScriptedProvider())

	conn, err := net.DialTimeout("tcp", env.tcpAdr, 3*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	resp := readAll(t, conn)
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 200 OK"))
	assert.Contains(t, resp, "text/html")
	assert.Contains(t, resp, "<html")
}

// TestE2ENotFound 未知路径返回404
func TestE2ENotFound(t *testing.T) {
	env := startEnv(t, llm.NewScriptedProvider())

	conn, err := net.DialTimeout("tcp", env.tcpAdr, 3*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /nope HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	assert.True(t, strings.HasPrefix(readAll(t, conn), "HTTP/1.1 404"))
}

// TestE2EHandshakeRejected 缺少必需头的升级请求拒绝为400
func TestE2EHandshakeRejected(t *testing.T) {
	env := startEnv(t, llm.NewScriptedProvider())

	conn, err := net.DialTimeout("tcp", env.tcpAdr, 3*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	// 缺少Sec-WebSocket-Key
	_, err = conn.Write([]byte("GET / HTTP/1.1\r\n" +
		"Host: localhost\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"\r\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	assert.True(t, strings.HasPrefix(readAll(t, conn), "HTTP/1.1 400"))
}

// readAll 读到对端关闭为止
func readAll(t *testing.T, conn net.Conn) string {
	t.Helper()
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			return sb.String()
		}
	}
}
