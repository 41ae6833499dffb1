package mllp

import (
	"bytes"
	"errors"
)

// MLLP 帧标记
const (
	StartBlock     byte = 0x0B
	EndBlock       byte = 0x1C
	CarriageReturn byte = 0x0D
)

// DefaultMaxFrameSize 未终止帧的默认缓冲上限
const DefaultMaxFrameSize = 1 << 20

var (
	endMarker = []byte{EndBlock, CarriageReturn}

	// ErrFrameTooLarge 缓冲中未终止的帧超过上限
	ErrFrameTooLarge = errors.New("mllp: unterminated frame exceeds size limit")
)

// DiscardFunc 缓冲中没有起始标记时被丢弃的字节数回调
type DiscardFunc func(discarded int)

// Reassembler 单连接的帧重组器，不可跨连接共享
type Reassembler struct {
	buf       []byte
	maxSize   int
	onDiscard DiscardFunc
}

// NewReassembler 创建帧重组器；maxSize<=0 时使用 DefaultMaxFrameSize
func NewReassembler(maxSize int, onDiscard DiscardFunc) *Reassembler {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Reassembler{maxSize: maxSize, onDiscard: onDiscard}
}

// Feed 追加字节并返回所有已完整的负载（按到达顺序）
// 起始标记之后尚无终止序列时保留尾部等待下次调用。
// 返回 ErrFrameTooLarge 时缓冲已清空，此前完整的负载仍会返回。
func (r *Reassembler) Feed(data []byte) ([][]byte, error) {
	r.buf = append(r.buf, data...)

	var payloads [][]byte
	for {
		start := bytes.IndexByte(r.buf, StartBlock)
		if start < 0 {
			if len(r.buf) > 0 && r.onDiscard != nil {
				r.onDiscard(len(r.buf))
			}
			r.buf = r.buf[:0]
			return payloads, nil
		}

		// 起始标记之前的字节丢弃
		if start > 0 {
			if r.onDiscard != nil {
				r.onDiscard(start)
			}
			r.buf = append(r.buf[:0], r.buf[start:]...)
		}

		end := bytes.Index(r.buf[1:], endMarker)
		if end < 0 {
			if len(r.buf) > r.maxSize {
				r.buf = r.buf[:0]
				return payloads, ErrFrameTooLarge
			}
			return payloads, nil
		}

		end++
		payload := make([]byte, end-1)
		copy(payload, r.buf[1:end])
		payloads = append(payloads, payload)
		r.buf = r.buf[end+len(endMarker):]
	}
}

// Buffered 当前缓冲的字节数
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// Wrap 用 MLLP 标记包装负载
func Wrap(payload []byte) []byte {
	framed := make([]byte, 0, len(payload)+3)
	framed = append(framed, StartBlock)
	framed = append(framed, payload...)
	return append(framed, endMarker...)
}
