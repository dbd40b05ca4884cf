// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mercury

// CalculateCRC computes the CRC-16/Modbus checksum for the given data
func CalculateCRC(data []byte) uint16 {
	crc := uint16(crcInitial)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ crcPolynomial
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// appendCRC appends the checksum of data, low byte first
func appendCRC(data []byte) []byte {
	crc := CalculateCRC(data)
	return append(data, byte(crc&0xFF), byte(crc>>8))
}
