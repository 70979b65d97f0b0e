// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package packetio implements the binary self-delimiting packet wire
// format and the staging-buffer fan-out to file and capture sinks.
package packetio

import (
	"encoding/binary"
	"math"
)

// Packet type tags for the self-describing packets. All multi-byte
// integers are little-endian.
const (
	PacketTypeQueueInfo uint32 = iota + 1
	PacketTypeSubmit
	PacketTypeRangeTimer
	PacketTypeRangeStats
)

// MaxLabelBytes caps a marker label to the wire format's single-byte
// labelLength field.
const MaxLabelBytes = 255

// NumStatistics is the fixed count of pipeline-statistics counters in a
// RangeStats packet.
const NumStatistics = 11

// EncodeLogHeader encodes the stream's single opening LogHeader:
// handshake:u32, version:u32, timestampPeriodNanos:f32 (12 bytes, no
// packetType field).
func EncodeLogHeader(handshake, version uint32, timestampPeriodNanos float32) []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:4], handshake)
	binary.LittleEndian.PutUint32(b[4:8], version)
	binary.LittleEndian.PutUint32(b[8:12], math.Float32bits(timestampPeriodNanos))
	return b
}

// EncodeQueueInfo encodes one QueueInfo packet.
func EncodeQueueInfo(queueFamilyFlags, queueIndex, globalQueueIndex uint32, handle uint64) []byte {
	b := make([]byte, 4+4+4+4+8)
	binary.LittleEndian.PutUint32(b[0:4], PacketTypeQueueInfo)
	binary.LittleEndian.PutUint32(b[4:8], queueFamilyFlags)
	binary.LittleEndian.PutUint32(b[8:12], queueIndex)
	binary.LittleEndian.PutUint32(b[12:16], globalQueueIndex)
	binary.LittleEndian.PutUint64(b[16:24], handle)
	return b
}

// EncodeSubmitHeader encodes a Submit packet's fixed header. The caller
// must follow it with rangeCount RangeTimer(+RangeStats) records and then
// markerCount RangeTimer(+RangeStats) records.
func EncodeSubmitHeader(globalQueueIndex uint32, wallMicros uint64, isPresentOnly bool, rangeCount, markerCount uint16) []byte {
	b := make([]byte, 4+4+8+1+2+2)
	binary.LittleEndian.PutUint32(b[0:4], PacketTypeSubmit)
	binary.LittleEndian.PutUint32(b[4:8], globalQueueIndex)
	binary.LittleEndian.PutUint64(b[8:16], wallMicros)
	if isPresentOnly {
		b[16] = 1
	}
	binary.LittleEndian.PutUint16(b[17:19], rangeCount)
	binary.LittleEndian.PutUint16(b[19:21], markerCount)
	return b
}

// EncodeRangeTimer encodes a RangeTimer packet. label is empty for
// command-buffer outer ranges; it is present (and truncated to
// MaxLabelBytes) for markers.
func EncodeRangeTimer(label string, timestamps [2]uint64) []byte {
	if len(label) > MaxLabelBytes {
		label = label[:MaxLabelBytes]
	}
	b := make([]byte, 4+1+8+8+len(label))
	binary.LittleEndian.PutUint32(b[0:4], PacketTypeRangeTimer)
	b[4] = byte(len(label))
	binary.LittleEndian.PutUint64(b[5:13], timestamps[0])
	binary.LittleEndian.PutUint64(b[13:21], timestamps[1])
	copy(b[21:], label)
	return b
}

// EncodeRangeStats encodes a RangeStats packet carrying the 11 fixed
// pipeline-statistics counters.
func EncodeRangeStats(stats [NumStatistics]uint64) []byte {
	b := make([]byte, 4+8*NumStatistics)
	binary.LittleEndian.PutUint32(b[0:4], PacketTypeRangeStats)
	for i, v := range stats {
		binary.LittleEndian.PutUint64(b[4+8*i:12+8*i], v)
	}
	return b
}
