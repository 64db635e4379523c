package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Nitogx/clarky/internal/chat"
	"github.com/Nitogx/clarky/internal/protocol"
)

// PostgresConfig PostgreSQL存储配置
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DefaultPostgresConfig 默认配置
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:    "localhost",
		Port:    5432,
		User:    "postgres",
		DBName:  "clarky",
		SSLMode: "disable",
	}
}

// DSN 拼接连接串
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// PostgresStore 基于pgx连接池的转录存储
//
// 转录本体以JSONB列存储，索引字段单独成列便于排序查询。
type PostgresStore struct {
	pool *pgxpool.Pool
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS conversations (
    name       TEXT PRIMARY KEY,
    created    TIMESTAMPTZ NOT NULL,
    updated    TIMESTAMPTZ NOT NULL,
    msg_count  INT NOT NULL DEFAULT 0,
    transcript JSONB NOT NULL
)`

// NewPostgresStore 连接数据库并保证schema存在
func NewPostgresStore(ctx context.Context, config *PostgresConfig) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(config.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config failed: %w", err)
	}

	// 连接池参数
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool failed: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database failed: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema failed: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close 关闭连接池
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Save 以upsert方式持久化对话，返回逻辑路径
func (s *PostgresStore) Save(ctx context.Context, conv *chat.Conversation) (string, error) {
	transcript, err := json.Marshal(conv)
	if err != nil {
		return "", fmt.Errorf("marshal conversation failed: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversations (name, created, updated, msg_count, transcript)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE
		SET updated = EXCLUDED.updated,
		    msg_count = EXCLUDED.msg_count,
		    transcript = EXCLUDED.transcript`,
		conv.Name, conv.Created, conv.Updated, len(conv.Messages), transcript)
	if err != nil {
		return "", fmt.Errorf("save conversation failed: %w", err)
	}

	return "postgres://conversations/" + conv.Name, nil
}

// Load 读取指定名字的对话
func (s *PostgresStore) Load(ctx context.Context, name string) (*chat.Conversation, error) {
	var transcript []byte
	err := s.pool.QueryRow(ctx,
		`SELECT transcript FROM conversations WHERE name = $1`, name).Scan(&transcript)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", chat.ErrConversationNotFound, name)
		}
		return nil, fmt.Errorf("load conversation failed: %w", err)
	}

	var conv chat.Conversation
	if err := json.Unmarshal(transcript, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s failed: %w", name, err)
	}
	return &conv, nil
}

// List 返回全部对话索引，按更新时间降序
func (s *PostgresStore) List(ctx context.Context) ([]protocol.ConversationSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, created, updated, msg_count
		FROM conversations
		ORDER BY updated DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations failed: %w", err)
	}
	defer rows.Close()

	var summaries []protocol.ConversationSummary
	for rows.Next() {
		var s protocol.ConversationSummary
		if err := rows.Scan(&s.Name, &s.Created, &s.Updated, &s.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation row failed: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows failed: %w", err)
	}
	return summaries, nil
}

// Delete 删除指定对话，返回是否确实存在并被删除
func (s *PostgresStore) Delete(ctx context.Context, name string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE name = $1`, name)
	if err != nil {
		return false, fmt.Errorf("delete conversation failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
