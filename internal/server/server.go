// Package server 实现聊天服务器的原始TCP监听和连接升级
//
// 服务器自己解析首个HTTP请求头：升级请求走WebSocket握手进入
// 会话循环；GET / 返回静态聊天页面；其余路径404。
// 帧编解码完全使用internal/protocol的手工实现，不经过任何
// WebSocket库。
package server

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Nitogx/clarky/internal/chat"
	"github.com/Nitogx/clarky/internal/protocol"
	"github.com/Nitogx/clarky/internal/session"
)

// Config 服务器配置
type Config struct {
	Addr           string
	StaticDir      string // 静态页面目录，index.html缺失时使用内置页面
	StoreDir       string // openFolder命令要打开的本地目录，空表示无本地目录
	ReadBufferSize int
	MaxConnections int
}

// DefaultConfig 返回默认配置
func DefaultConfig(addr string) *Config {
	return &Config{
		Addr:           addr,
		StaticDir:      "web",
		ReadBufferSize: 4096,
		MaxConnections: 1024,
	}
}

// Server 聊天服务器
type Server struct {
	config       *Config
	listener     net.Listener
	registry     *session.Registry
	orchestrator *chat.Orchestrator

	connSeq   atomic.Uint64
	connCount atomic.Int32
	isRunning atomic.Bool
	startTime time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	connWg  sync.WaitGroup
}

// New 创建服务器
func New(config *Config, registry *session.Registry, orchestrator *chat.Orchestrator) *Server {
	if config == nil {
		config = DefaultConfig(":8090")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:       config,
		registry:     registry,
		orchestrator: orchestrator,
		baseCtx:      ctx,
		cancel:       cancel,
	}
}

// Start 绑定端口并启动接受循环
//
// 绑定失败是唯一终止整个进程的启动故障，错误原样返回。
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("server is already running")
	}

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.isRunning.Store(false)
		return fmt.Errorf("listen on %s failed: %w", s.config.Addr, err)
	}
	s.listener = listener
	s.startTime = time.Now()

	log.Printf("Chat server listening on %s", s.config.Addr)

	go s.acceptLoop()
	return nil
}

// Shutdown 停止接受新连接，关闭全部会话并等待处理结束
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	log.Printf("Shutting down chat server...")

	s.cancel()
	if err := s.listener.Close(); err != nil {
		log.Printf("Close listener error: %v", err)
	}
	s.registry.Drain()

	done := make(chan struct{})
	go func() {
		s.connWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr 返回实际监听地址（测试用，支持:0随机端口）
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// acceptLoop 接受循环
func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.isRunning.Load() {
				return // 正常关停
			}
			log.Printf("Accept error: %v", err)
			continue
		}

		if s.connCount.Load() >= int32(s.config.MaxConnections) {
			log.Printf("Too many connections, rejecting %s", conn.RemoteAddr())
			conn.Close()
			continue
		}

		s.connWg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn 处理一条原始TCP连接
//
// 先读到HTTP头结束（空行），再按路径与头部路由。
// 注意头部之后的剩余字节属于帧流，必须原样转入会话缓冲区。
func (s *Server) handleConn(conn net.Conn) {
	defer s.connWg.Done()

	head, leftover, err := readRequestHead(conn, s.config.ReadBufferSize)
	if err != nil {
		log.Printf("Read request head from %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	req, err := protocol.ParseUpgradeRequest(head)
	if err != nil {
		log.Printf("Parse request from %s failed: %v", conn.RemoteAddr(), err)
		writeHTTPError(conn, 400, "Bad Request")
		conn.Close()
		return
	}

	if req.IsUpgrade() {
		s.handleUpgrade(conn, req, leftover)
		return
	}
	defer conn.Close()

	// 普通HTTP：基础路径返回静态页面，其余404
	if req.Method == "GET" && (req.Path == "/" || req.Path == "/index.html") {
		s.serveStaticPage(conn)
		return
	}
	writeHTTPError(conn, 404, "Not Found")
}

// handleUpgrade 完成WebSocket握手并运行会话循环
func (s *Server) handleUpgrade(conn net.Conn, req *protocol.UpgradeRequest, leftover []byte) {
	if err := req.Validate(); err != nil {
		log.Printf("Handshake from %s rejected: %v", conn.RemoteAddr(), err)
		writeHTTPError(conn, 400, "Bad Request")
		conn.Close()
		return
	}

	response := protocol.AcceptResponse(req.Headers["sec-websocket-key"])
	if _, err := conn.Write(response); err != nil {
		log.Printf("Write handshake response to %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	id := fmt.Sprintf("sess_%d_%d", time.Now().UnixNano(), s.connSeq.Add(1))
	sess := session.New(id, conn, s)
	sess.MarkOpen()

	s.registry.Register(sess)
	s.connCount.Add(1)
	log.Printf("New session: %s from %s", id, conn.RemoteAddr())

	// 握手报文之后多读到的字节已经是帧数据
	if len(leftover) > 0 {
		sess.Preload(leftover)
	}

	sess.ReadLoop(s.baseCtx)

	s.registry.Unregister(sess)
	s.connCount.Add(-1)
	log.Printf("Session closed: %s", id)
}

// Dispatch 按消息类型路由已解码的客户端消息
//
// 未识别的类型记录日志后忽略，不算错误。
func (s *Server) Dispatch(ctx context.Context, sess *session.Session, msg *protocol.ClientMessage) {
	switch msg.Type {
	case protocol.TypeChat:
		s.orchestrator.HandleChat(ctx, sess, msg)
	case protocol.TypeList:
		s.orchestrator.HandleList(ctx, sess)
	case protocol.TypeLoad:
		s.orchestrator.HandleLoad(ctx, sess, msg.Name)
	case protocol.TypeDelete:
		s.orchestrator.HandleDelete(ctx, sess, msg.Name)
	case protocol.TypeOpenFolder:
		s.openStoreFolder(sess)
	default:
		log.Printf("Session %s sent unknown message type %q, ignoring", sess.ID(), msg.Type)
	}
}

// openStoreFolder 在本机文件管理器中打开转录目录（协作方副作用）
func (s *Server) openStoreFolder(sess *session.Session) {
	if s.config.StoreDir == "" {
		if err := sess.SendJSON(protocol.NewErrorMessage("store has no local folder")); err != nil {
			log.Printf("Session %s error reply failed: %v", sess.ID(), err)
		}
		return
	}

	abs, err := filepath.Abs(s.config.StoreDir)
	if err != nil {
		abs = s.config.StoreDir
	}
	if err := revealFolder(abs); err != nil {
		log.Printf("Open store folder failed: %v", err)
	}
}

// serveStaticPage 返回聊天页面
func (s *Server) serveStaticPage(conn net.Conn) {
	page := defaultPage
	if s.config.StaticDir != "" {
		if data, err := os.ReadFile(filepath.Join(s.config.StaticDir, "index.html")); err == nil {
			page = data
		}
	}

	header := fmt.Sprintf("HTTP/1.1 200 OK\r\n"+
		"Content-Type: text/html; charset=utf-8\r\n"+
		"Content-Length: %d\r\n"+
		"Connection: close\r\n"+
		"\r\n", len(page))
	if _, err := conn.Write(append([]byte(header), page...)); err != nil {
		log.Printf("Write static page failed: %v", err)
	}
}

// Stats 返回服务器统计信息
func (s *Server) Stats() map[string]interface{} {
	return map[string]interface{}{
		"running":             s.isRunning.Load(),
		"uptime_seconds":      time.Since(s.startTime).Seconds(),
		"current_connections": s.connCount.Load(),
		"total_connections":   s.connSeq.Load(),
	}
}

// readRequestHead 读到HTTP头结束的空行为止
//
// 返回头部文本和空行之后多读的字节。
func readRequestHead(conn net.Conn, bufSize int) (string, []byte, error) {
	const maxHeadSize = 16 * 1024

	if err := conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return "", nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	var acc []byte
	buf := make([]byte, bufSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return "", nil, err
		}
		acc = append(acc, buf[:n]...)

		if idx := bytes.Index(acc, []byte("\r\n\r\n")); idx >= 0 {
			head := string(acc[:idx+4])
			leftover := append([]byte(nil), acc[idx+4:]...)
			return head, leftover, nil
		}
		if len(acc) > maxHeadSize {
			return "", nil, fmt.Errorf("request head too large")
		}
	}
}

// writeHTTPError 写出简单的HTTP错误响应
func writeHTTPError(conn net.Conn, code int, status string) {
	body := status + "\n"
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"Content-Length: %d\r\n"+
		"Connection: close\r\n"+
		"\r\n%s", code, status, len(body), body)
	if _, err := conn.Write([]byte(resp)); err != nil {
		log.Printf("Write error response failed: %v", err)
	}
}
