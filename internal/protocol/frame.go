package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// 最小帧头长度：FIN/opcode(1字节) + MASK/长度(1字节)
	MinHeaderSize = 2
	// 最大帧大小限制（防止内存攻击）
	MaxFrameSize = 16 * 1024 * 1024 // 16MB

	// 载荷长度编码阈值（RFC 6455 Section 5.2）
	payloadLen7Bit  = 125 // 0-125：直接放在7位长度字段
	payloadLen16Bit = 126 // 126：后跟16位大端长度
	payloadLen64Bit = 127 // 127：后跟64位大端长度
)

var (
	ErrFrameTooLarge  = errors.New("frame too large")
	ErrInvalidOpcode  = errors.New("invalid opcode")
	ErrInvalidFrame   = errors.New("invalid frame format")
	ErrNegativeLength = errors.New("negative payload length")
)

// Frame 表示一个完整解码的WebSocket帧
//
// Consumed记录该帧在输入缓冲区中占用的字节数，
// 调用方据此推进自己的接收缓冲区。
type Frame struct {
	Fin      bool   // 是否为最后一个分片
	Opcode   byte   // 操作码
	Payload  []byte // 已去掩码的载荷
	Consumed int    // 该帧消耗的字节数（含帧头）
}

// IsClose 判断该帧是否为关闭帧
func (f *Frame) IsClose() bool { return f.Opcode == OpClose }

// IsPing 判断该帧是否为Ping帧
func (f *Frame) IsPing() bool { return f.Opcode == OpPing }

// EncodeText 将载荷编码为单分片文本帧
//
// 帧格式: | FIN+opcode(1字节) | 长度(1/3/9字节) | payload(变长) |
// 服务器到客户端的帧不加掩码（RFC 6455 Section 5.3）。
func EncodeText(payload []byte) []byte {
	return EncodeFrame(OpText, payload)
}

// EncodeFrame 将操作码和载荷编码为单分片帧（FIN=1，不加掩码）
func EncodeFrame(opcode byte, payload []byte) []byte {
	if payload == nil {
		payload = []byte{}
	}

	n := len(payload)
	var buf []byte

	switch {
	case n <= payloadLen7Bit:
		// 2字节帧头，长度内联
		buf = make([]byte, 2+n)
		buf[1] = byte(n)
		copy(buf[2:], payload)
	case n <= 0xFFFF:
		// 4字节帧头，16位大端长度
		buf = make([]byte, 4+n)
		buf[1] = payloadLen16Bit
		binary.BigEndian.PutUint16(buf[2:4], uint16(n))
		copy(buf[4:], payload)
	default:
		// 10字节帧头，64位大端长度（高32位为0）
		buf = make([]byte, 10+n)
		buf[1] = payloadLen64Bit
		binary.BigEndian.PutUint64(buf[2:10], uint64(n))
		copy(buf[10:], payload)
	}

	buf[0] = 0x80 | (opcode & 0x0F) // FIN=1
	return buf
}

// DecodeFrame 尝试从缓冲区头部解码一个完整帧
//
// 返回值约定：
//   - (frame, nil)：解码出一个完整帧
//   - (nil, nil)：数据不足，调用方应保留缓冲区等待更多字节
//   - (nil, err)：协议错误
//
// 如果MASK位被置位（客户端到服务器的帧必须置位），
// 读取4字节掩码并对载荷做循环异或：payload[i] ^= mask[i%4]。
func DecodeFrame(buf []byte) (*Frame, error) {
	if len(buf) < MinHeaderSize {
		return nil, nil // 需要更多数据
	}

	fin := buf[0]&0x80 != 0
	opcode := buf[0] & 0x0F
	if !IsValidOpcode(opcode) {
		return nil, fmt.Errorf("%w: 0x%X", ErrInvalidOpcode, opcode)
	}

	masked := buf[1]&0x80 != 0
	payloadLen := uint64(buf[1] & 0x7F)
	offset := 2

	switch payloadLen {
	case payloadLen16Bit:
		if len(buf) < offset+2 {
			return nil, nil
		}
		payloadLen = uint64(binary.BigEndian.Uint16(buf[offset : offset+2]))
		offset += 2
	case payloadLen64Bit:
		if len(buf) < offset+8 {
			return nil, nil
		}
		payloadLen = binary.BigEndian.Uint64(buf[offset : offset+8])
		if payloadLen&(1<<63) != 0 {
			return nil, ErrNegativeLength
		}
		offset += 8
	}

	if payloadLen > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, payloadLen)
	}

	var mask [4]byte
	if masked {
		if len(buf) < offset+4 {
			return nil, nil
		}
		copy(mask[:], buf[offset:offset+4])
		offset += 4
	}

	total := offset + int(payloadLen)
	if len(buf) < total {
		return nil, nil // 载荷尚未到齐
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[offset:total])
	if masked {
		applyMask(payload, mask)
	}

	return &Frame{
		Fin:      fin,
		Opcode:   opcode,
		Payload:  payload,
		Consumed: total,
	}, nil
}

// applyMask 对数据做循环异或掩码（RFC 6455 Section 5.3）
//
// 异或可逆，加掩码和去掩码使用同一函数。
func applyMask(data []byte, mask [4]byte) {
	for i := range data {
		data[i] ^= mask[i%4]
	}
}

// FrameDecoder 流式帧解码器
//
// TCP层可能把多个帧合并到一次读取，也可能把一个帧拆到多次读取。
// 解码器维护累积缓冲区，Feed输入数据后反复调用Next直到返回nil。
type FrameDecoder struct {
	buffer []byte
}

// NewFrameDecoder 创建新的帧解码器
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{
		buffer: make([]byte, 0, 4096),
	}
}

// Feed 向解码器输入数据
func (fd *FrameDecoder) Feed(data []byte) {
	fd.buffer = append(fd.buffer, data...)
}

// Next 尝试解码下一个完整的帧
//
// 返回(nil, nil)表示需要更多数据，已缓冲的字节保持不变。
func (fd *FrameDecoder) Next() (*Frame, error) {
	frame, err := DecodeFrame(fd.buffer)
	if err != nil {
		return nil, err
	}
	if frame == nil {
		return nil, nil // 需要更多数据
	}

	// 移除已处理的数据
	fd.buffer = fd.buffer[frame.Consumed:]
	return frame, nil
}

// Reset 重置解码器状态
func (fd *FrameDecoder) Reset() {
	fd.buffer = fd.buffer[:0]
}

// BufferSize 返回当前缓冲区大小
func (fd *FrameDecoder) BufferSize() int {
	return len(fd.buffer)
}
