// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mercury

import (
	"fmt"
	"strings"
)

// FormatOpcode returns the human-readable name for a request operation code
func FormatOpcode(opcode byte) string {
	switch opcode {
	case OpTestChannel:
		return "TEST_CHANNEL"
	case OpOpenSession:
		return "OPEN_SESSION"
	case OpCloseSession:
		return "CLOSE_SESSION"
	case OpReadEnergy:
		return "READ_ENERGY"
	case OpReadParams:
		return "READ_PARAMS"
	default:
		return "UNKNOWN"
	}
}

// FormatStatus returns the human-readable name for a reply status code
func FormatStatus(status byte) string {
	switch status {
	case StatusOK:
		return "OK"
	case StatusInvalidCommand:
		return "INVALID_COMMAND"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	case StatusAccessDenied:
		return "ACCESS_DENIED"
	case StatusClockLocked:
		return "CLOCK_LOCKED"
	case StatusSessionClosed:
		return "SESSION_CLOSED"
	default:
		return "UNKNOWN"
	}
}

// FormatHex returns a space separated hex dump, 16 bytes per line
func FormatHex(b []byte) string {
	var sb strings.Builder
	for i, v := range b {
		if i > 0 {
			if i%16 == 0 {
				sb.WriteString("\n")
			} else {
				sb.WriteString(" ")
			}
		}
		fmt.Fprintf(&sb, "%02X", v)
	}
	return sb.String()
}

// FormatFrame formats a raw request frame for logs.
// Frames that do not decode are shown as a plain hex dump.
func FormatFrame(b []byte) string {
	f, err := DecodeFrame(b)
	if err != nil {
		return fmt.Sprintf("[%s] (%v)", FormatHex(b), err)
	}
	return fmt.Sprintf("addr=0x%02X %s (0x%02X) len=%d [%s]",
		f.Address(), FormatOpcode(f.Opcode()), f.Opcode(), f.Len(), FormatHex(b))
}
