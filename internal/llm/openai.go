package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// OpenAIConfig OpenAI兼容端点的配置
type OpenAIConfig struct {
	BaseURL        string        // 例如 https://api.openai.com/v1
	APIKey         string
	Model          string
	RequestTimeout time.Duration
	MaxRetries     int // 阻塞式调用对瞬时错误的最大重试次数
}

// DefaultOpenAIConfig 返回默认配置
func DefaultOpenAIConfig(apiKey string) *OpenAIConfig {
	return &OpenAIConfig{
		BaseURL:        "https://api.openai.com/v1",
		APIKey:         apiKey,
		Model:          "gpt-4o-mini",
		RequestTimeout: 120 * time.Second,
		MaxRetries:     3,
	}
}

// OpenAIProvider 通过chat/completions端点访问OpenAI兼容的推理服务
//
// 流式模式使用SSE（每行"data: {json}"，以"data: [DONE]"结束）。
type OpenAIProvider struct {
	config *OpenAIConfig
	client *http.Client
}

// NewOpenAIProvider 创建OpenAI兼容提供方
func NewOpenAIProvider(config *OpenAIConfig) *OpenAIProvider {
	if config == nil {
		config = DefaultOpenAIConfig("")
	}
	return &OpenAIProvider{
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
	}
}

// 请求/响应的JSON结构（只保留用到的字段）

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Complete 阻塞式调用，带指数退避重试瞬时错误
func (p *OpenAIProvider) Complete(ctx context.Context, messages []Message) (string, error) {
	var result string

	operation := func() error {
		resp, err := p.post(ctx, messages, false)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := checkStatus(resp); err != nil {
			return err
		}

		var parsed chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response failed: %w", err))
		}
		if len(parsed.Choices) == 0 {
			return backoff.Permanent(ErrNoChoices)
		}

		result = parsed.Choices[0].Message.Content
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), uint64(p.config.MaxRetries)), ctx)

	if err := backoff.Retry(operation, b); err != nil {
		return "", err
	}
	return result, nil
}

// Stream 流式调用，逐片段回调fn
//
// 流式请求不做重试：中途失败时部分片段可能已经发给客户端，
// 重放会导致重复输出，由调用方决定如何上报错误。
func (p *OpenAIProvider) Stream(ctx context.Context, messages []Message, fn ChunkFunc) error {
	resp, err := p.post(ctx, messages, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("decode stream chunk failed: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			if err := fn(content); err != nil {
				return err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream failed: %w", err)
	}
	return nil
}

// post 发送chat/completions请求
func (p *OpenAIProvider) post(ctx context.Context, messages []Message, stream bool) (*http.Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:    p.config.Model,
		Messages: messages,
		Stream:   stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request failed: %w", err)
	}

	url := strings.TrimRight(p.config.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// checkStatus 将HTTP错误状态转换为错误
//
// 429与5xx视为瞬时错误可重试，其余为永久错误。
func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	if resp.StatusCode >= 500 {
		return err // 可重试
	}
	return backoff.Permanent(err)
}
