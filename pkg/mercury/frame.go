// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mercury

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrChecksum is returned when a frame's CRC does not match its contents
	ErrChecksum = errors.New("mercury: checksum mismatch")
	// ErrShortFrame is returned for frames below MinFrameSize
	ErrShortFrame = errors.New("mercury: frame too short")
	// ErrFrameTooLarge is returned for frames above MaxFrameSize
	ErrFrameTooLarge = errors.New("mercury: frame too large")
)

// Frame represents one addressed, checksummed bus frame.
//
// In requests the second byte is the operation code. In replies it is either a status code
// (status replies) or the first data byte; Body returns both together for reply decoding.
type Frame struct {
	address   byte
	opcode    byte
	payload   []byte
	crc       uint16
	timestamp time.Time
}

// NewFrame creates a frame and computes its checksum
func NewFrame(address, opcode byte, payload []byte) *Frame {
	f := &Frame{
		address:   address,
		opcode:    opcode,
		payload:   payload,
		timestamp: time.Now(),
	}
	f.crc = CalculateCRC(f.header())
	return f
}

func (f *Frame) header() []byte {
	b := make([]byte, 0, 2+len(f.payload)+crcSize)
	b = append(b, f.address, f.opcode)
	return append(b, f.payload...)
}

// Bytes returns the wire encoding of the frame
func (f *Frame) Bytes() []byte {
	b := f.header()
	return append(b, byte(f.crc&0xFF), byte(f.crc>>8))
}

// Address returns the meter address
func (f *Frame) Address() byte {
	return f.address
}

// Opcode returns the operation (request) or status/first data byte (reply)
func (f *Frame) Opcode() byte {
	return f.opcode
}

// Payload returns the bytes between the opcode and the CRC
func (f *Frame) Payload() []byte {
	return f.payload
}

// Body returns opcode and payload together, the data section of a reply
func (f *Frame) Body() []byte {
	body := make([]byte, 0, 1+len(f.payload))
	body = append(body, f.opcode)
	return append(body, f.payload...)
}

// CRC returns the frame checksum
func (f *Frame) CRC() uint16 {
	return f.crc
}

// Len returns the encoded length of the frame
func (f *Frame) Len() int {
	return 2 + len(f.payload) + crcSize
}

// Timestamp returns the frame creation or decode time
func (f *Frame) Timestamp() time.Time {
	return f.timestamp
}

// DecodeFrame validates and decodes a complete wire frame.
// The checksum must validate before the frame is accepted.
func DecodeFrame(b []byte) (*Frame, error) {
	if len(b) < MinFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (min %d)", ErrShortFrame, len(b), MinFrameSize)
	}
	if len(b) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(b), MaxFrameSize)
	}

	n := len(b) - crcSize
	received := uint16(b[n]) | uint16(b[n+1])<<8
	calculated := CalculateCRC(b[:n])
	if received != calculated {
		return nil, fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrChecksum, calculated, received)
	}

	payload := make([]byte, n-2)
	copy(payload, b[2:n])

	return &Frame{
		address:   b[0],
		opcode:    b[1],
		payload:   payload,
		crc:       received,
		timestamp: time.Now(),
	}, nil
}
