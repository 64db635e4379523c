// Package session 实现连接会话状态机和会话注册表
//
// 每个会话独占一条已完成握手的TCP连接，维护接收缓冲区、
// 解码循环和按消息类型的分发；注册表跟踪全部在线会话，
// 支持向所有会话广播同一条消息。
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/Nitogx/clarky/internal/protocol"
)

// State 会话状态
type State int32

const (
	StateConnecting State = iota // 握手进行中
	StateOpen                    // 解码/分发循环运行中
	StateClosing                 // 已发送或收到关闭帧
	StateClosed                  // 终态，已从注册表移除
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ErrSessionClosed 向已关闭的会话写入
var ErrSessionClosed = errors.New("session closed")

// Dispatcher 已解码消息的处理方
//
// 实现方（服务器）按消息类型路由到聊天编排器或存储操作。
type Dispatcher interface {
	Dispatch(ctx context.Context, s *Session, msg *protocol.ClientMessage)
}

// Session 一条活动连接
type Session struct {
	id      string
	conn    net.Conn
	decoder *protocol.FrameDecoder

	state   atomic.Int32
	writeMu sync.Mutex // 串行化出站帧写入
	closeOnce sync.Once

	dispatcher Dispatcher
}

// New 创建会话，初始状态为Connecting
func New(id string, conn net.Conn, dispatcher Dispatcher) *Session {
	s := &Session{
		id:         id,
		conn:       conn,
		decoder:    protocol.NewFrameDecoder(),
		dispatcher: dispatcher,
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// ID 返回会话的唯一标识，用于定向投递和日志
func (s *Session) ID() string { return s.id }

// State 返回当前状态
func (s *Session) State() State { return State(s.state.Load()) }

// MarkOpen 握手响应写出成功后进入Open状态
func (s *Session) MarkOpen() {
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// Preload 把握手之后多读到的字节预先放入接收缓冲区
//
// 必须在ReadLoop启动前调用。
func (s *Session) Preload(data []byte) {
	s.decoder.Feed(data)
}

// ReadLoop 驱动会话的读取、解码和分发，直到连接终止
//
// 每次读到数据都把解码循环跑到底：TCP一次读取可能携带多个
// 完整帧，一个帧也可能分多次读取才到齐。
func (s *Session) ReadLoop(ctx context.Context) {
	defer s.Close()

	// 预加载的字节可能已经构成完整帧
	if s.decoder.BufferSize() > 0 {
		if done := s.drainFrames(ctx); done {
			return
		}
	}

	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			if s.State() == StateOpen {
				log.Printf("Session %s read error: %v", s.id, err)
			}
			return
		}

		s.decoder.Feed(buf[:n])
		if done := s.drainFrames(ctx); done {
			return
		}
	}
}

// drainFrames 把当前缓冲区里所有完整帧解码并分发
//
// 返回true表示会话应该终止（收到关闭帧或协议错误）。
func (s *Session) drainFrames(ctx context.Context) bool {
	for {
		frame, err := s.decoder.Next()
		if err != nil {
			// 不可恢复的协议错误：回发关闭帧后终止
			log.Printf("Session %s protocol error: %v", s.id, err)
			s.beginClose()
			return true
		}
		if frame == nil {
			return false // 数据不足，保留缓冲区等下一次读取
		}

		if done := s.handleFrame(ctx, frame); done {
			return true
		}
	}
}

// handleFrame 处理一个完整帧，返回true表示会话终止
func (s *Session) handleFrame(ctx context.Context, frame *protocol.Frame) bool {
	switch frame.Opcode {
	case protocol.OpClose:
		// 对端发起关闭握手：回应关闭帧并终止
		s.beginClose()
		return true

	case protocol.OpPing:
		// 携带相同载荷回Pong；本设计自身不主动发Ping
		if err := s.writeFrame(protocol.EncodeFrame(protocol.OpPong, frame.Payload)); err != nil {
			log.Printf("Session %s pong failed: %v", s.id, err)
		}
		return false

	case protocol.OpPong:
		return false // 接受但无需处理

	case protocol.OpText, protocol.OpBinary:
		s.dispatchPayload(ctx, frame.Payload)
		return false

	default:
		// continuation等不在本设计支持范围内的帧，记录后忽略
		log.Printf("Session %s ignoring %s frame", s.id, protocol.OpcodeToString(frame.Opcode))
		return false
	}
}

// dispatchPayload 解析JSON载荷并交给分发方
//
// JSON解析失败属于应用级错误：回发error消息，不终止会话。
func (s *Session) dispatchPayload(ctx context.Context, payload []byte) {
	msg, err := protocol.ParseClientMessage(payload)
	if err != nil {
		log.Printf("Session %s bad payload: %v", s.id, err)
		if sendErr := s.SendJSON(protocol.NewErrorMessage(fmt.Sprintf("invalid message: %v", err))); sendErr != nil {
			log.Printf("Session %s error reply failed: %v", s.id, sendErr)
		}
		return
	}
	s.dispatcher.Dispatch(ctx, s, msg)
}

// SendJSON 把值序列化为JSON并作为文本帧发送
func (s *Session) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message failed: %w", err)
	}
	return s.SendText(data)
}

// SendText 把载荷编码为文本帧发送
func (s *Session) SendText(payload []byte) error {
	return s.writeFrame(protocol.EncodeText(payload))
}

// writeFrame 写出已编码的帧字节，带写锁串行化
func (s *Session) writeFrame(frame []byte) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame failed: %w", err)
	}
	return nil
}

// beginClose 发送关闭帧并进入Closing状态
func (s *Session) beginClose() {
	if s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		if err := s.writeFrame(protocol.EncodeFrame(protocol.OpClose, nil)); err != nil {
			log.Printf("Session %s close frame failed: %v", s.id, err)
		}
	}
}

// Close 关闭底层连接并进入终态，可重复调用
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("Session %s close error: %v", s.id, err)
		}
	})
}
