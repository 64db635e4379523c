// Package store 提供对话转录的持久化实现
//
// 两种后端：JSON文件目录（默认）和PostgreSQL（pgx连接池）。
// 均实现chat.Store接口。
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Nitogx/clarky/internal/chat"
	"github.com/Nitogx/clarky/internal/protocol"
)

// FileStore 基于JSON文件的转录存储
//
// 每个对话存为 <dir>/<name>.json，写入采用临时文件+rename保证原子性。
type FileStore struct {
	dir string
}

// NewFileStore 创建文件存储，目录不存在时自动创建
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir failed: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir 返回存储目录路径
func (s *FileStore) Dir() string { return s.dir }

// Save 持久化对话，返回写入的文件路径
func (s *FileStore) Save(ctx context.Context, conv *chat.Conversation) (string, error) {
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal conversation failed: %w", err)
	}

	path := s.pathFor(conv.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write conversation failed: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename conversation failed: %w", err)
	}
	return path, nil
}

// Load 读取指定名字的对话，不存在时返回chat.ErrConversationNotFound
func (s *FileStore) Load(ctx context.Context, name string) (*chat.Conversation, error) {
	data, err := os.ReadFile(s.pathFor(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", chat.ErrConversationNotFound, name)
		}
		return nil, fmt.Errorf("read conversation failed: %w", err)
	}

	var conv chat.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s failed: %w", name, err)
	}
	return &conv, nil
}

// List 返回全部对话的索引，按更新时间降序
func (s *FileStore) List(ctx context.Context) ([]protocol.ConversationSummary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read store dir failed: %w", err)
	}

	summaries := make([]protocol.ConversationSummary, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		conv, err := s.Load(ctx, name)
		if err != nil {
			continue // 跳过损坏的文件，不让单个坏文件拖垮整个索引
		}
		summaries = append(summaries, conv.Summary())
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Updated.After(summaries[j].Updated)
	})
	return summaries, nil
}

// Delete 删除指定对话，返回是否确实存在并被删除
func (s *FileStore) Delete(ctx context.Context, name string) (bool, error) {
	err := os.Remove(s.pathFor(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete conversation failed: %w", err)
	}
	return true, nil
}

// pathFor 计算对话文件路径，清洗名字防止路径穿越
func (s *FileStore) pathFor(name string) string {
	return filepath.Join(s.dir, sanitizeName(name)+".json")
}

// sanitizeName 去掉名字中的路径分隔符和点段
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "unnamed"
	}
	return name
}
