package protocol

// WebSocket操作码定义（RFC 6455 Section 5.2）
const (
	// 数据帧
	OpContinuation byte = 0x0
	OpText         byte = 0x1
	OpBinary       byte = 0x2

	// 控制帧
	OpClose byte = 0x8
	OpPing  byte = 0x9
	OpPong  byte = 0xA
)

// OpcodeToString 将操作码转换为可读字符串，用于调试和日志
func OpcodeToString(op byte) string {
	switch op {
	case OpContinuation:
		return "CONTINUATION"
	case OpText:
		return "TEXT"
	case OpBinary:
		return "BINARY"
	case OpClose:
		return "CLOSE"
	case OpPing:
		return "PING"
	case OpPong:
		return "PONG"
	default:
		return "UNKNOWN"
	}
}

// IsValidOpcode 检查操作码是否为RFC 6455定义的有效值
func IsValidOpcode(op byte) bool {
	switch op {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	default:
		return false
	}
}

// IsControlOpcode 判断是否为控制帧操作码（0x8-0xF）
func IsControlOpcode(op byte) bool {
	return op&0x08 != 0
}

// IsDataOpcode 判断是否为数据帧操作码
func IsDataOpcode(op byte) bool {
	return op == OpContinuation || op == OpText || op == OpBinary
}
