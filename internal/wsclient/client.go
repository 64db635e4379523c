// Package wsclient 聊天客户端
//
// 供CLI和端到端测试使用：gorilla/websocket拨号、指数退避
// 自动重连、按消息类型回调。服务器侧的帧编解码是手工实现，
// 客户端侧复用现成库即可。
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/Nitogx/clarky/internal/protocol"
)

// ClientState 客户端连接状态
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// 各类服务器消息的处理器
type (
	StreamHandler        func(content string)
	CompleteHandler      func(conversationID string)
	ConversationsHandler func(list []protocol.ConversationSummary)
	ConversationHandler  func(conv json.RawMessage)
	ErrorHandler         func(message string)
	StateChangeHandler   func(oldState, newState ClientState)
)

// ClientConfig 客户端配置
type ClientConfig struct {
	URL               string
	HandshakeTimeout  time.Duration
	PingInterval      time.Duration
	ReconnectInterval time.Duration
	MaxReconnectWait  time.Duration
	MaxElapsedTime    time.Duration
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(url string) *ClientConfig {
	return &ClientConfig{
		URL:               url,
		HandshakeTimeout:  10 * time.Second,
		PingInterval:      30 * time.Second,
		ReconnectInterval: 2 * time.Second,
		MaxReconnectWait:  30 * time.Second,
		MaxElapsedTime:    2 * time.Minute,
	}
}

// Client 聊天WebSocket客户端，支持自动重连
type Client struct {
	config *ClientConfig
	dialer *websocket.Dialer
	conn   *websocket.Conn
	state  atomic.Int32

	// 消息处理
	onStream        StreamHandler
	onComplete      CompleteHandler
	onConversations ConversationsHandler
	onConversation  ConversationHandler
	onError         ErrorHandler
	onStateChange   StateChangeHandler

	// 同步控制
	mu            sync.RWMutex
	writeMu       sync.Mutex // 专用于WebSocket写入同步
	stopChan      chan struct{}
	reconnectChan chan struct{}
	stopOnce      sync.Once
}

// New 创建新的聊天客户端
func New(config *ClientConfig) *Client {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout

	c := &Client{
		config:        config,
		dialer:        &dialer,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}
	c.setState(StateDisconnected)
	return c
}

// SetStreamHandler 设置流式增量处理器
func (c *Client) SetStreamHandler(h StreamHandler) { c.onStream = h }

// SetCompleteHandler 设置完成标记处理器
func (c *Client) SetCompleteHandler(h CompleteHandler) { c.onComplete = h }

// SetConversationsHandler 设置对话索引处理器
func (c *Client) SetConversationsHandler(h ConversationsHandler) { c.onConversations = h }

// SetConversationHandler 设置完整对话处理器
func (c *Client) SetConversationHandler(h ConversationHandler) { c.onConversation = h }

// SetErrorHandler 设置错误消息处理器
func (c *Client) SetErrorHandler(h ErrorHandler) { c.onError = h }

// SetStateChangeHandler 设置状态变化处理器
func (c *Client) SetStateChangeHandler(h StateChangeHandler) { c.onStateChange = h }

// Connect 连接到服务器并启动后台循环
func (c *Client) Connect(ctx context.Context) error {
	if !c.compareAndSwapState(StateDisconnected, StateConnecting) {
		return errors.New("client is not in disconnected state")
	}

	if err := c.doConnect(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}
	c.setState(StateConnected)

	go c.readLoop()
	go c.pingLoop()
	go c.reconnectLoop()

	return nil
}

// doConnect 执行实际的拨号
func (c *Client) doConnect(ctx context.Context) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Close 关闭客户端
func (c *Client) Close() error {
	c.setState(StateClosed)
	c.stopOnce.Do(func() { close(c.stopChan) })

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// SendChat 发送聊天请求
func (c *Client) SendChat(message, conversationID string) error {
	return c.sendJSON(&protocol.ClientMessage{
		Type:           protocol.TypeChat,
		Message:        message,
		ConversationID: conversationID,
	})
}

// RequestList 请求转录索引
func (c *Client) RequestList() error {
	return c.sendJSON(&protocol.ClientMessage{Type: protocol.TypeList})
}

// RequestLoad 请求加载指定对话
func (c *Client) RequestLoad(name string) error {
	return c.sendJSON(&protocol.ClientMessage{Type: protocol.TypeLoad, Name: name})
}

// RequestDelete 请求删除指定对话
func (c *Client) RequestDelete(name string) error {
	return c.sendJSON(&protocol.ClientMessage{Type: protocol.TypeDelete, Name: name})
}

// State 返回当前状态
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// sendJSON 发送JSON文本消息
func (c *Client) sendJSON(v any) error {
	if c.State() != StateConnected {
		return errors.New("client is not connected")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message failed: %w", err)
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errors.New("connection is nil")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop 消息读取循环
func (c *Client) readLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		if c.State() != StateConnected {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			continue
		}

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if c.State() == StateClosed {
				return
			}
			log.Printf("Read message failed: %v", err)
			c.triggerReconnect()
			continue
		}
		if messageType != websocket.TextMessage {
			continue
		}

		c.handleMessage(data)
	}
}

// serverMessage 服务器消息信封，按type分发
type serverMessage struct {
	Type           string                         `json:"type"`
	Content        string                         `json:"content"`
	Message        string                         `json:"message"`
	ConversationID string                         `json:"conversationId"`
	Conversations  []protocol.ConversationSummary `json:"conversations"`
	Conversation   json.RawMessage                `json:"conversation"`
}

// handleMessage 处理服务器消息
func (c *Client) handleMessage(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Unmarshal server message failed: %v", err)
		return
	}

	switch msg.Type {
	case protocol.TypeStream:
		if c.onStream != nil {
			c.onStream(msg.Content)
		}
	case protocol.TypeComplete:
		if c.onComplete != nil {
			c.onComplete(msg.ConversationID)
		}
	case protocol.TypeConversations:
		if c.onConversations != nil {
			c.onConversations(msg.Conversations)
		}
	case protocol.TypeConversation:
		if c.onConversation != nil {
			c.onConversation(msg.Conversation)
		}
	case protocol.TypeError:
		if c.onError != nil {
			c.onError(msg.Message)
		}
	default:
		log.Printf("Unknown server message type: %q", msg.Type)
	}
}

// pingLoop 定期发送Ping保活，服务器以Pong响应
func (c *Client) pingLoop() {
	if c.config.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				continue
			}
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				continue
			}
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Printf("Send ping failed: %v", err)
				c.triggerReconnect()
			}
		}
	}
}

// reconnectLoop 重连循环
func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		case <-c.reconnectChan:
			c.doReconnect()
		}
	}
}

// triggerReconnect 触发重连
func (c *Client) triggerReconnect() {
	if c.compareAndSwapState(StateConnected, StateReconnecting) {
		select {
		case c.reconnectChan <- struct{}{}:
		default:
		}
	}
}

// doReconnect 指数退避重连
func (c *Client) doReconnect() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.ReconnectInterval
	b.MaxInterval = c.config.MaxReconnectWait
	b.MaxElapsedTime = c.config.MaxElapsedTime

	err := backoff.Retry(func() error {
		if c.State() == StateClosed {
			return backoff.Permanent(errors.New("client closed"))
		}
		return c.doConnect(context.Background())
	}, b)

	if err != nil {
		log.Printf("Reconnect failed: %v", err)
		c.setState(StateDisconnected)
		return
	}

	log.Printf("Reconnected successfully")
	c.setState(StateConnected)
}

// setState 设置状态并触发回调
func (c *Client) setState(newState ClientState) {
	oldState := ClientState(c.state.Swap(int32(newState)))
	if oldState != newState && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
}

// compareAndSwapState 原子性状态切换
func (c *Client) compareAndSwapState(oldState, newState ClientState) bool {
	swapped := c.state.CompareAndSwap(int32(oldState), int32(newState))
	if swapped && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
	return swapped
}
