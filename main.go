package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Nitogx/clarky/internal/chat"
	"github.com/Nitogx/clarky/internal/config"
	"github.com/Nitogx/clarky/internal/httpserver"
	"github.com/Nitogx/clarky/internal/llm"
	"github.com/Nitogx/clarky/internal/logger"
	"github.com/Nitogx/clarky/internal/protocol"
	"github.com/Nitogx/clarky/internal/server"
	"github.com/Nitogx/clarky/internal/session"
	"github.com/Nitogx/clarky/internal/store"
	"github.com/Nitogx/clarky/internal/wsclient"
)

func main() {
	var (
		mode       = flag.String("mode", "server", "运行模式: server, client, demo")
		configPath = flag.String("config", "", "配置文件路径（默认查找./clarky.yaml）")
		url        = flag.String("url", "", "client模式的WebSocket连接URL（覆盖配置）")
	)
	flag.Parse()

	logger.InitLogger()

	switch *mode {
	case "server":
		runServer(*configPath, nil)
	case "client":
		runClient(*configPath, *url)
	case "demo":
		runDemo(*configPath)
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
}

// loadConfig 加载配置，失败即退出
func loadConfig(path string) *config.Config {
	manager := config.NewManager(
		config.WithConfigPath(path),
		config.WithWatchEnabled(true),
	)
	cfg, err := manager.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	return cfg
}

// runServer 启动聊天服务器
//
// provider为nil时按配置构建；demo模式传入脚本化提供方。
func runServer(configPath string, provider llm.Provider) {
	cfg := loadConfig(configPath)

	if provider == nil {
		provider = buildProvider(cfg)
	}
	chatStore, storeDir := buildStore(cfg)

	registry := session.NewRegistry()
	orchestrator := chat.NewOrchestrator(provider, chatStore, registry, cfg.LLM.HistoryWindow)

	srvConfig := server.DefaultConfig(cfg.Server.Addr)
	srvConfig.StaticDir = cfg.Server.StaticDir
	srvConfig.StoreDir = storeDir
	srvConfig.ReadBufferSize = cfg.Server.ReadBufferSize

	srv := server.New(srvConfig, registry, orchestrator)
	if err := srv.Start(); err != nil {
		log.Fatalf("启动服务器失败: %v", err)
	}

	var api *httpserver.APIServer
	if cfg.Server.APIAddr != "" {
		api = httpserver.NewAPIServer(cfg.Server.APIAddr, chatStore, srv.Stats)
		api.Start()
	}

	fmt.Printf("✅ 服务器已启动\n")
	fmt.Printf("   聊天页面: http://localhost%s/\n", cfg.Server.Addr)
	if cfg.Server.APIAddr != "" {
		fmt.Printf("   管理API:  http://localhost%s/healthz\n", cfg.Server.APIAddr)
	}

	// 优雅关闭
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	fmt.Println("\n🔄 正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if api != nil {
		if err := api.Shutdown(ctx); err != nil {
			log.Printf("API服务器关闭错误: %v", err)
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("服务器关闭错误: %v", err)
	}
	fmt.Println("✅ 服务器已关闭")
}

// buildProvider 按配置构建推理提供方
func buildProvider(cfg *config.Config) llm.Provider {
	switch cfg.LLM.Provider {
	case "scripted":
		return llm.NewScriptedProvider("Hello! ", "This is the scripted provider. ", "Configure llm.provider=openai for real inference.")
	default:
		return llm.NewOpenAIProvider(&llm.OpenAIConfig{
			BaseURL:        cfg.LLM.BaseURL,
			APIKey:         cfg.LLM.APIKey,
			Model:          cfg.LLM.Model,
			RequestTimeout: cfg.LLM.RequestTimeout,
			MaxRetries:     cfg.LLM.MaxRetries,
		})
	}
}

// buildStore 按配置构建转录存储，返回存储和本地目录（无则为空串）
func buildStore(cfg *config.Config) (chat.Store, string) {
	switch cfg.Store.Backend {
	case "postgres":
		pg := cfg.Store.Postgres
		s, err := store.NewPostgresStore(context.Background(), &store.PostgresConfig{
			Host:     pg.Host,
			Port:     pg.Port,
			User:     pg.User,
			Password: pg.Password,
			DBName:   pg.DBName,
			SSLMode:  pg.SSLMode,
		})
		if err != nil {
			log.Fatalf("连接PostgreSQL失败: %v", err)
		}
		return s, ""
	default:
		s, err := store.NewFileStore(cfg.Store.Dir)
		if err != nil {
			log.Fatalf("创建文件存储失败: %v", err)
		}
		return s, s.Dir()
	}
}

// runClient 交互式命令行聊天客户端
func runClient(configPath, urlOverride string) {
	cfg := loadConfig(configPath)

	url := cfg.Client.URL
	if urlOverride != "" {
		url = urlOverride
	}

	clientConfig := wsclient.DefaultClientConfig(url)
	clientConfig.PingInterval = cfg.Client.PingInterval
	clientConfig.ReconnectInterval = cfg.Client.Reconnect.InitialInterval
	clientConfig.MaxReconnectWait = cfg.Client.Reconnect.MaxInterval
	clientConfig.MaxElapsedTime = cfg.Client.Reconnect.MaxElapsedTime

	client := wsclient.New(clientConfig)

	// 服务器在complete里回带对话名，后续轮次续写同一转录。
	// conversationID只在handler协程写、主循环收到done后读。
	var conversationID string
	done := make(chan struct{}, 1)
	client.SetStreamHandler(func(content string) {
		fmt.Print(content)
	})
	client.SetCompleteHandler(func(convID string) {
		if convID != "" {
			conversationID = convID
		}
		fmt.Println()
		done <- struct{}{}
	})
	client.SetErrorHandler(func(message string) {
		fmt.Printf("⚠️  %s\n", message)
		done <- struct{}{}
	})
	client.SetConversationsHandler(func(list []protocol.ConversationSummary) {
		fmt.Printf("📁 %d conversations on server\n", len(list))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		log.Fatalf("连接服务器失败: %v", err)
	}
	defer client.Close()

	fmt.Printf("✅ 已连接 %s，输入消息开始聊天（Ctrl-D退出）\n", url)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := client.SendChat(text, conversationID); err != nil {
			fmt.Printf("⚠️  发送失败: %v\n", err)
			continue
		}
		<-done
	}
	fmt.Println("\n👋 再见")
}

// runDemo 演示模式：脚本化提供方，无需网络和API密钥
func runDemo(configPath string) {
	fmt.Println("🚀 clarky - 手工WebSocket帧传输的浏览器聊天服务器")
	fmt.Println("===============================================")
	fmt.Println()
	fmt.Println("演示模式使用脚本化推理提供方，整个回路无需外部依赖。")
	fmt.Println("打开聊天页面后发送任意消息即可看到流式回复。")
	fmt.Println()

	provider := llm.NewScriptedProvider("Hello from the demo provider! ", "Every chunk you see ", "was relayed through a hand-rolled WebSocket frame.")
	runServer(configPath, provider)
}
