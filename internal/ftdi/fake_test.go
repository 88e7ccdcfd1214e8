// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ftdi

import "fmt"

// loopbackFake simulates a loopback-enabled MPSSE chip well enough to
// exercise the chunker's staging and TDO-reassembly logic without real
// hardware: it decodes the command stream itself, independently of the
// chunker's own cursor-based encoder, and echoes exactly what a chip with
// TDI tied to TDO internally would return.
type loopbackFake struct {
	outPacket int
	inPacket  int
	lastCmd   []byte
	controls  int
}

func newLoopbackFake(outPacket, inPacket int) *loopbackFake {
	return &loopbackFake{outPacket: outPacket, inPacket: inPacket}
}

func (f *loopbackFake) ControlOut(uint8, uint16) error {
	f.controls++
	return nil
}

func (f *loopbackFake) OutPacketSize() int { return f.outPacket }

func (f *loopbackFake) BulkWrite(buf []byte) error {
	if len(buf) > f.outPacket {
		return fmt.Errorf("fake: write of %d bytes exceeds packet size %d", len(buf), f.outPacket)
	}
	f.lastCmd = append([]byte(nil), buf...)
	return nil
}

func (f *loopbackFake) BulkRead(n int) ([]byte, error) {
	resp, err := simulateLoopback(f.lastCmd)
	if err != nil {
		return nil, err
	}
	if len(resp) != n {
		return nil, fmt.Errorf("fake: simulated %d response bytes, chunker wanted %d", len(resp), n)
	}
	return resp, nil
}

// simulateLoopback walks an MPSSE command buffer and, for every data-moving
// command, returns what a chip in internal loopback would put on TDO: the
// same bits it was just handed on TDI, bit-for-bit.
func simulateLoopback(cmd []byte) ([]byte, error) {
	var resp []byte
	i := 0
	for i < len(cmd) {
		switch cmd[i] {
		case enableLoopback, disableLoopback:
			i++
		case xferTMSBits:
			if i+2 >= len(cmd) {
				return nil, fmt.Errorf("fake: truncated TMS command")
			}
			k := int(cmd[i+1]) + 1
			tdiHeld := cmd[i+2]&0x80 != 0
			resp = append(resp, packTop(k, func(int) bool { return tdiHeld }))
			i += 3
		case xferTDIBytes:
			if i+2 >= len(cmd) {
				return nil, fmt.Errorf("fake: truncated TDI byte command")
			}
			n := int(cmd[i+1]) | int(cmd[i+2])<<8
			n++
			if i+3+n > len(cmd) {
				return nil, fmt.Errorf("fake: TDI byte command overruns buffer")
			}
			resp = append(resp, cmd[i+3:i+3+n]...)
			i += 3 + n
		case xferTDIBits:
			if i+2 >= len(cmd) {
				return nil, fmt.Errorf("fake: truncated TDI bit command")
			}
			m := int(cmd[i+1]) + 1
			data := cmd[i+2]
			resp = append(resp, packTop(m, func(bit int) bool { return data&(1<<uint(bit)) != 0 }))
			i += 3
		default:
			return nil, fmt.Errorf("fake: unknown opcode %#02x at offset %d", cmd[i], i)
		}
	}
	return resp, nil
}

// packTop builds a response byte with m valid bits in the top positions:
// bit 0 (first sent) at mask 1<<(8-m), up to bit m-1 at mask 0x80.
func packTop(m int, bit func(i int) bool) byte {
	var b byte
	for i := 0; i < m; i++ {
		if bit(i) {
			b |= 1 << uint(8-m+i)
		}
	}
	return b
}
