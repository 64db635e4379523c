// Package httpserver 提供REST管理接口
//
// 与聊天端口分开监听：健康检查、服务器统计和对话转录的
// 只读/删除访问，供面板和浏览器UI的fetch路径使用。
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/Nitogx/clarky/internal/chat"
)

// StatsFunc 获取聊天服务器统计信息的回调
type StatsFunc func() map[string]interface{}

// APIServer HTTP管理API服务器
type APIServer struct {
	router *mux.Router
	server *http.Server
	store  chat.Store
	stats  StatsFunc
}

// APIResponse 统一响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewAPIServer 创建管理API服务器
func NewAPIServer(addr string, store chat.Store, stats StatsFunc) *APIServer {
	s := &APIServer{
		router: mux.NewRouter(),
		store:  store,
		stats:  stats,
	}
	s.setupRoutes()

	// 浏览器UI从聊天端口加载，跨端口访问需要CORS
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	s.server = &http.Server{
		Addr:         addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// setupRoutes 注册路由
func (s *APIServer) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/conversations", s.handleListConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{name}", s.handleGetConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{name}", s.handleDeleteConversation).Methods(http.MethodDelete)
}

// Start 启动API服务器（非阻塞）
func (s *APIServer) Start() {
	log.Printf("API server listening on %s", s.server.Addr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("API server error: %v", err)
		}
	}()
}

// Shutdown 优雅关闭
func (s *APIServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth 健康检查
func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &APIResponse{
		Success:   true,
		Message:   "ok",
		Timestamp: time.Now().Unix(),
	})
}

// handleStats 服务器统计信息
func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &APIResponse{
		Success:   true,
		Data:      s.stats(),
		Timestamp: time.Now().Unix(),
	})
}

// handleListConversations 对话索引
func (s *APIServer) handleListConversations(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, &APIResponse{
			Success:   false,
			Message:   err.Error(),
			Timestamp: time.Now().Unix(),
		})
		return
	}
	writeJSON(w, http.StatusOK, &APIResponse{
		Success:   true,
		Data:      summaries,
		Timestamp: time.Now().Unix(),
	})
}

// handleGetConversation 单个对话的完整转录
func (s *APIServer) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	conv, err := s.store.Load(r.Context(), name)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, chat.ErrConversationNotFound) {
			code = http.StatusNotFound
		}
		writeJSON(w, code, &APIResponse{
			Success:   false,
			Message:   err.Error(),
			Timestamp: time.Now().Unix(),
		})
		return
	}
	writeJSON(w, http.StatusOK, &APIResponse{
		Success:   true,
		Data:      conv,
		Timestamp: time.Now().Unix(),
	})
}

// handleDeleteConversation 删除对话
func (s *APIServer) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	found, err := s.store.Delete(r.Context(), name)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, &APIResponse{
			Success:   false,
			Message:   err.Error(),
			Timestamp: time.Now().Unix(),
		})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, &APIResponse{
			Success:   false,
			Message:   "conversation not found: " + name,
			Timestamp: time.Now().Unix(),
		})
		return
	}
	writeJSON(w, http.StatusOK, &APIResponse{
		Success:   true,
		Message:   "deleted",
		Timestamp: time.Now().Unix(),
	})
}

// writeJSON 写出JSON响应
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Encode API response failed: %v", err)
	}
}
