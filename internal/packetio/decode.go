// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package packetio

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrTruncatedPacket indicates a byte slice ended before a complete
// packet could be decoded from it.
var ErrTruncatedPacket = errors.New("packetio: truncated packet")

// ErrUnknownPacketType indicates a packetType tag that is none of
// QueueInfo, Submit, RangeTimer, or RangeStats.
var ErrUnknownPacketType = errors.New("packetio: unknown packet type")

// LogHeader is the stream's single opening record. Unlike every other
// packet it carries no packetType tag.
type LogHeader struct {
	Handshake            uint32
	Version              uint32
	TimestampPeriodNanos float32
}

// DecodeLogHeader decodes the fixed 12-byte LogHeader from the front of b.
func DecodeLogHeader(b []byte) (LogHeader, int, error) {
	if len(b) < 12 {
		return LogHeader{}, 0, ErrTruncatedPacket
	}
	return LogHeader{
		Handshake:            binary.LittleEndian.Uint32(b[0:4]),
		Version:              binary.LittleEndian.Uint32(b[4:8]),
		TimestampPeriodNanos: math.Float32frombits(binary.LittleEndian.Uint32(b[8:12])),
	}, 12, nil
}

// QueueInfo is the decoded form of one QueueInfo packet.
type QueueInfo struct {
	QueueFamilyFlags uint32
	QueueIndex       uint32
	GlobalQueueIndex uint32
	Handle           uint64
}

// SubmitHeader is the decoded fixed portion of one Submit packet; the
// caller must then decode RangeCount+MarkerCount trailing records
// itself (this package has no opinion on how many of those carry a
// following RangeStats — that depends on whether statistics were
// enabled when the stream was written).
type SubmitHeader struct {
	GlobalQueueIndex uint32
	WallMicros       uint64
	IsPresentOnly    bool
	RangeCount       uint16
	MarkerCount      uint16
}

// RangeTimer is the decoded form of one RangeTimer packet.
type RangeTimer struct {
	Label      string
	Timestamps [2]uint64
}

// RangeStats is the decoded form of one RangeStats packet.
type RangeStats struct {
	Stats [NumStatistics]uint64
}

// DecodeNext decodes the single packet (QueueInfo, SubmitHeader,
// RangeTimer, or RangeStats) at the front of b — everything in the
// stream after its one leading LogHeader is self-describing via a
// packetType tag, so DecodeNext dispatches on that tag alone. It
// returns the decoded value, the number of bytes consumed, and an
// error if b does not hold a complete packet.
func DecodeNext(b []byte) (packet any, consumed int, err error) {
	if len(b) < 4 {
		return nil, 0, ErrTruncatedPacket
	}
	switch binary.LittleEndian.Uint32(b[0:4]) {
	case PacketTypeQueueInfo:
		return decodeQueueInfo(b)
	case PacketTypeSubmit:
		return decodeSubmitHeader(b)
	case PacketTypeRangeTimer:
		return decodeRangeTimer(b)
	case PacketTypeRangeStats:
		return decodeRangeStats(b)
	default:
		return nil, 0, ErrUnknownPacketType
	}
}

func decodeQueueInfo(b []byte) (any, int, error) {
	const size = 4 + 4 + 4 + 4 + 8
	if len(b) < size {
		return nil, 0, ErrTruncatedPacket
	}
	return QueueInfo{
		QueueFamilyFlags: binary.LittleEndian.Uint32(b[4:8]),
		QueueIndex:       binary.LittleEndian.Uint32(b[8:12]),
		GlobalQueueIndex: binary.LittleEndian.Uint32(b[12:16]),
		Handle:           binary.LittleEndian.Uint64(b[16:24]),
	}, size, nil
}

func decodeSubmitHeader(b []byte) (any, int, error) {
	const size = 4 + 4 + 8 + 1 + 2 + 2
	if len(b) < size {
		return nil, 0, ErrTruncatedPacket
	}
	return SubmitHeader{
		GlobalQueueIndex: binary.LittleEndian.Uint32(b[4:8]),
		WallMicros:       binary.LittleEndian.Uint64(b[8:16]),
		IsPresentOnly:    b[16] != 0,
		RangeCount:       binary.LittleEndian.Uint16(b[17:19]),
		MarkerCount:      binary.LittleEndian.Uint16(b[19:21]),
	}, size, nil
}

func decodeRangeTimer(b []byte) (any, int, error) {
	const fixed = 4 + 1 + 8 + 8
	if len(b) < fixed {
		return nil, 0, ErrTruncatedPacket
	}
	labelLen := int(b[4])
	total := fixed + labelLen
	if len(b) < total {
		return nil, 0, ErrTruncatedPacket
	}
	rt := RangeTimer{
		Timestamps: [2]uint64{
			binary.LittleEndian.Uint64(b[5:13]),
			binary.LittleEndian.Uint64(b[13:21]),
		},
	}
	if labelLen > 0 {
		rt.Label = string(b[fixed:total])
	}
	return rt, total, nil
}

func decodeRangeStats(b []byte) (any, int, error) {
	const size = 4 + 8*NumStatistics
	if len(b) < size {
		return nil, 0, ErrTruncatedPacket
	}
	var rs RangeStats
	for i := range rs.Stats {
		rs.Stats[i] = binary.LittleEndian.Uint64(b[4+8*i : 12+8*i])
	}
	return rs, size, nil
}
