package protocol

import (
	"crypto/sha1" // #nosec G505 -- RFC 6455 Section 1.3 固定使用SHA-1
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// RFC 6455 Section 1.3 规定的固定魔法GUID，
// 用于计算Sec-WebSocket-Accept响应头。
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var (
	ErrNotGet            = errors.New("handshake: method must be GET")
	ErrMissingUpgrade    = errors.New("handshake: missing or invalid Upgrade header")
	ErrMissingConnection = errors.New("handshake: missing or invalid Connection header")
	ErrMissingSecKey     = errors.New("handshake: missing Sec-WebSocket-Key header")
	ErrBadVersion        = errors.New("handshake: unsupported Sec-WebSocket-Version")
)

// ComputeAcceptKey 根据客户端握手密钥计算Sec-WebSocket-Accept值
//
//	accept = base64(SHA-1(key + GUID))
//
// 纯函数，可直接用RFC 6455的标准测试向量验证：
// "dGhlIHNhbXBsZSBub25jZQ==" -> "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
func ComputeAcceptKey(clientKey string) string {
	h := sha1.New() // #nosec G401 -- 协议要求，非安全用途
	h.Write([]byte(clientKey))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// UpgradeRequest 表示已解析的HTTP升级请求头
type UpgradeRequest struct {
	Method  string
	Path    string
	Headers map[string]string // 键已转为小写
}

// IsUpgrade 判断该请求是否为WebSocket升级请求
func (r *UpgradeRequest) IsUpgrade() bool {
	return headerContainsToken(r.Headers["upgrade"], "websocket")
}

// Validate 校验升级请求是否满足RFC 6455 Section 4.2.1
func (r *UpgradeRequest) Validate() error {
	if r.Method != "GET" {
		return ErrNotGet
	}
	if !headerContainsToken(r.Headers["upgrade"], "websocket") {
		return ErrMissingUpgrade
	}
	if !headerContainsToken(r.Headers["connection"], "upgrade") {
		return ErrMissingConnection
	}
	if r.Headers["sec-websocket-key"] == "" {
		return ErrMissingSecKey
	}
	if v := r.Headers["sec-websocket-version"]; v != "13" {
		return ErrBadVersion
	}
	return nil
}

// AcceptResponse 生成101切换协议的完整响应字节
//
// 响应以空行结束，随后连接切换为WebSocket帧传输。
func AcceptResponse(clientKey string) []byte {
	accept := ComputeAcceptKey(clientKey)
	return []byte("HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n" +
		"\r\n")
}

// ParseUpgradeRequest 解析原始HTTP请求头文本
//
// head为不含body的请求头部分（到空行为止）。
func ParseUpgradeRequest(head string) (*UpgradeRequest, error) {
	lines := strings.Split(strings.TrimRight(head, "\r\n"), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("handshake: empty request")
	}

	// 请求行: METHOD PATH VERSION
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("handshake: malformed request line %q", lines[0])
	}

	req := &UpgradeRequest{
		Method:  parts[0],
		Path:    parts[1],
		Headers: make(map[string]string, len(lines)-1),
	}

	for _, line := range lines[1:] {
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue // 容忍坏的头部行
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		req.Headers[key] = strings.TrimSpace(line[idx+1:])
	}

	return req, nil
}

// headerContainsToken 检查逗号分隔的头部值中是否包含指定token（大小写不敏感）
func headerContainsToken(header, token string) bool {
	for _, h := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(h), token) {
			return true
		}
	}
	return false
}
