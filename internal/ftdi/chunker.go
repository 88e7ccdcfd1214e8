// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ftdi

import "fmt"

// MaxShiftBytes is the XVC payload ceiling: the largest ⌈n_bits/8⌉ a single
// shift may request, matching the client-visible buffer size advertised by
// getinfo:.
const MaxShiftBytes = 1024

// Chunker turns an XVC (TMS, TDI) bitstream into MPSSE command chunks sized
// to the USB bulk-OUT packet and reassembles bit-aligned TDO from the
// bulk-IN reply. This is the core translation engine; everything else in
// this package exists to give it a device to talk to.
type Chunker struct {
	dev   Transport
	mpsse *MPSSE

	// Loopback, when set, stages ENABLE_LOOPBACK at the top of every outer
	// chunk so the device reflects TDI straight back to TDO (the -L
	// self-test).
	Loopback bool

	ShiftCount          uint64
	ChunkCount          uint64
	BitCount            uint64
	LargestShiftRequest uint32
}

// NewChunker builds a Chunker over an initialized device/adapter pair.
func NewChunker(dev Transport, mpsse *MPSSE) *Chunker {
	return &Chunker{dev: dev, mpsse: mpsse}
}

// chunkEntry is one record in the chunk plan: how many valid TDO bits the
// upcoming response bytes carry. The command kind is not recorded; the
// reassembly loop derives the byte layout from the bit count alone.
type chunkEntry struct {
	bits int
}

// Shift consumes exactly nBits from tms and tdi (LSB-first per byte) and
// returns ⌈nBits/8⌉ TDO bytes (LSB-first per byte, trailing bits of the last
// byte indeterminate beyond nBits).
func (c *Chunker) Shift(nBits uint32, tms, tdi []byte) ([]byte, error) {
	nBytes := int((nBits + 7) / 8)
	if nBytes > MaxShiftBytes {
		return nil, fmt.Errorf("%w: %d bytes requested, max %d", ErrPayloadTooLarge, nBytes, MaxShiftBytes)
	}
	if nBits > c.LargestShiftRequest {
		c.LargestShiftRequest = nBits
	}
	c.BitCount += uint64(nBits)
	c.ShiftCount++

	tdo := make([]byte, nBytes)
	if nBits == 0 {
		return tdo, nil
	}

	bitsRemaining := int(nBits)
	// Cursor into tms/tdi, one bit at a time, LSB-first within each byte.
	iBit, iIndex := byte(0x01), 0
	// Cursor into tdo, symmetric to the above.
	tdoBit, tdoIndex := byte(0x01), 0

	packetLimit := c.dev.OutPacketSize()
	cmd := make([]byte, 0, packetLimit)
	plan := make([]chunkEntry, 0, packetLimit/3+1)
	cmdStage := make([]byte, packetLimit)

	for bitsRemaining > 0 {
		cmd = cmd[:0]
		plan = plan[:0]
		rxBytesWanted := 0
		c.ChunkCount++

		if c.Loopback {
			cmd = append(cmd, enableLoopback)
		}

		for {
			tdiFirstState := tdi[iIndex]&iBit != 0

			// TMS sub-segment: a run of up to 6 bits during which the TDI
			// input bit does not change, bounded by bitsRemaining.
			var tmsBits byte
			var lastTMSBit byte
			k := 0
			for {
				var bit byte
				if tms[iIndex]&iBit != 0 {
					bit = 1 << uint(k)
				}
				tmsBits |= bit
				lastTMSBit = bit
				if iBit == 0x80 {
					iBit = 0x01
					iIndex++
				} else {
					iBit <<= 1
				}
				k++
				if k >= 6 || k >= bitsRemaining {
					break
				}
				if (tdi[iIndex]&iBit != 0) != tdiFirstState {
					break
				}
			}
			// Duplicate the final TMS bit into bit k so the held TMS state
			// is visible to the TDI-only shifts that follow.
			tmsBits |= lastTMSBit << 1
			tmsState := lastTMSBit != 0

			var tdiHeld byte
			if tdiFirstState {
				tdiHeld = 0x80
			}
			cmd = append(cmd, xferTMSBits, byte(k-1), tdiHeld|tmsBits)
			plan = append(plan, chunkEntry{bits: k})
			rxBytesWanted++
			bitsRemaining -= k

			// TDI sub-segment: stash bits while TMS holds and there is
			// headroom below the packet limit.
			cmdBitCount := 0
			cmdIndex := 0
			cmdBit := byte(0x01)
			cmdStage[0] = 0
			for bitsRemaining > 0 &&
				(tms[iIndex]&iBit != 0) == tmsState &&
				len(cmd)+cmdBitCount/8 < packetLimit-5 {
				if tdi[iIndex]&iBit != 0 {
					cmdStage[cmdIndex] |= cmdBit
				}
				if cmdBit == 0x80 {
					cmdBit = 0x01
					cmdIndex++
					cmdStage[cmdIndex] = 0
				} else {
					cmdBit <<= 1
				}
				if iBit == 0x80 {
					iBit = 0x01
					iIndex++
				} else {
					iBit <<= 1
				}
				cmdBitCount++
				bitsRemaining--
			}

			if cmdBitCount > 0 {
				plan = append(plan, chunkEntry{bits: cmdBitCount})
				wholeBytes := cmdBitCount / 8
				tailBits := cmdBitCount % 8
				if wholeBytes >= 1 {
					rxBytesWanted += wholeBytes
					cmd = append(cmd, xferTDIBytes, byte(wholeBytes-1), byte((wholeBytes-1)>>8))
					cmd = append(cmd, cmdStage[:wholeBytes]...)
				}
				if tailBits > 0 {
					rxBytesWanted++
					cmd = append(cmd, xferTDIBits, byte(tailBits-1), cmdStage[wholeBytes])
				}
			}

			if bitsRemaining == 0 || len(cmd) >= packetLimit-6 {
				break
			}
		}

		if err := c.dev.BulkWrite(cmd); err != nil {
			return nil, err
		}
		rx, err := c.dev.BulkRead(rxBytesWanted)
		if err != nil {
			return nil, err
		}

		// TDO reassembly. A chunk-plan entry can itself span several
		// response bytes (a TDI segment that emitted whole bytes plus a
		// trailing bit-command counts as one entry); rxBit's wraparound
		// below walks byte boundaries within a single entry exactly as it
		// does across entries.
		rxIndex := 0
		for _, entry := range plan {
			rxBitCount := entry.bits
			var rxBit byte
			if rxBitCount < 8 {
				rxBit = 1 << uint(8-rxBitCount)
			} else {
				rxBit = 0x01
			}
			for rxBitCount > 0 {
				rxBitCount--
				if tdoBit == 0x01 {
					tdo[tdoIndex] = 0
				}
				if rx[rxIndex]&rxBit != 0 {
					tdo[tdoIndex] |= tdoBit
				}
				if rxBit == 0x80 {
					if rxBitCount < 8 {
						rxBit = 1 << uint(8-rxBitCount)
					} else {
						rxBit = 0x01
					}
					rxIndex++
				} else {
					rxBit <<= 1
				}
				if tdoBit == 0x80 {
					tdoBit = 0x01
					tdoIndex++
				} else {
					tdoBit <<= 1
				}
			}
		}
		if rxIndex != rxBytesWanted && c.mpsse != nil && c.mpsse.Trace != nil {
			c.mpsse.Trace("chunk consumed %d response bytes but requested %d", rxIndex, rxBytesWanted)
		}
	}

	if c.Loopback && nBits%8 == 0 && c.mpsse != nil && c.mpsse.Trace != nil {
		for i, b := range tdo {
			if b != tdi[i] {
				c.mpsse.Trace("loopback failed: tdo[%d]=%#02x, want tdi[%d]=%#02x", i, b, i, tdi[i])
				break
			}
		}
	}

	return tdo, nil
}
