// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// MPSSE is Multi-Protocol Synchronous Serial Engine.
//
// MPSSE basics:
// http://www.ftdichip.com/Support/Documents/AppNotes/AN_135_MPSSE_Basics.pdf

package ftdi

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// FTDI vendor control requests and RESET wValues, per AN_108/AN_232.
const (
	breqReset       = 0x00
	breqSetLatency  = 0x09
	breqSetBitMode  = 0x0B
	wvalResetReset  = 0x0000
	wvalResetPurgeR = 0x0001
	wvalResetPurgeT = 0x0002
	// bitModeMPSSE, OR'd with the pin mask, selects MPSSE mode in SET_BITMODE.
	bitModeMPSSE = 0x0200
)

// MPSSE command bytes. Names and values match spec.md §4.2 bit-exactly.
const (
	mpsseBitWriteTMS     byte = 0x40
	mpsseBitReadData     byte = 0x20
	mpsseBitWriteData    byte = 0x10
	mpsseBitLSBFirst     byte = 0x08
	mpsseBitBitMode      byte = 0x02
	mpsseBitWriteFalling byte = 0x01

	xferTDIBytes byte = mpsseBitWriteData | mpsseBitReadData | mpsseBitLSBFirst | mpsseBitWriteFalling
	xferTDIBits  byte = xferTDIBytes | mpsseBitBitMode
	xferTMSBits  byte = mpsseBitWriteTMS | mpsseBitReadData | mpsseBitLSBFirst | mpsseBitBitMode | mpsseBitWriteFalling

	enableLoopback  byte = 0x84
	disableLoopback byte = 0x85

	setLowByte        byte = 0x80
	disableTCKPrescal byte = 0x8A
	setTCKDivisor     byte = 0x86
	disable3PhaseClk  byte = 0x8D
)

// Pin bits on the low (D) GPIO byte.
const (
	pinTCK byte = 0x1
	pinTDI byte = 0x2
	pinTDO byte = 0x4
	pinTMS byte = 0x8
)

// ftdiClockRate is the MPSSE base clock with the 5x prescaler disabled.
const ftdiClockRate = 60000000

// ClockConfig is the {requested, actual, divisor} triple from spec.md §3.
type ClockConfig struct {
	Requested physic.Frequency
	Actual    physic.Frequency
	Divisor   uint32 // 1..65536, programmed as divisor-1 on the wire
}

// MPSSE drives the MPSSE command layer of an opened Device: clock, GPIO and
// the one-time startup sequence. The shift chunker (chunker.go) builds on
// top of it.
type MPSSE struct {
	dev    Transport
	Trace  Logf
	Locked physic.Frequency // non-zero overrides every SetClock request (-c)

	lastWarnedActual physic.Frequency // warn-once memo, scoped to this session
	warned           bool
}

// NewMPSSE wraps an opened Transport.
func NewMPSSE(dev Transport) *MPSSE {
	return &MPSSE{dev: dev}
}

// Init brings the chip into a known MPSSE state: reset, enable MPSSE bit
// mode, set the latency timer, purge both FIFOs, then disable loopback and
// 3-phase clocking and drive TMS high with TCK/TDI/TMS as outputs.
func (m *MPSSE) Init() error {
	if err := m.dev.ControlOut(breqReset, wvalResetReset); err != nil {
		return err
	}
	if err := m.dev.ControlOut(breqSetBitMode, bitModeMPSSE|uint16(pinTCK|pinTDI|pinTMS)); err != nil {
		return err
	}
	if err := m.dev.ControlOut(breqSetLatency, 2); err != nil {
		return err
	}
	if err := m.dev.ControlOut(breqReset, wvalResetPurgeT); err != nil {
		return err
	}
	if err := m.dev.ControlOut(breqReset, wvalResetPurgeR); err != nil {
		return err
	}
	startup := []byte{
		disableLoopback,
		disable3PhaseClk,
		setLowByte, pinTMS, pinTMS | pinTDI | pinTCK,
	}
	if err := m.dev.BulkWrite(startup); err != nil {
		return err
	}
	_, err := m.SetClock(10000000 * physic.Hertz)
	return err
}

// SetClock computes the TCK divisor for freq and programs it. If Locked is
// set it overrides the requested frequency, matching the daemon's -c flag.
//
// actual = 60MHz / (2*divisor); divisor is clamped to [1, 65536] and sent
// to the chip as divisor-1.
func (m *MPSSE) SetClock(freq physic.Frequency) (ClockConfig, error) {
	if m.Locked != 0 {
		freq = m.Locked
	}
	if freq <= 0 {
		freq = physic.Hertz
	}
	hz := uint64(freq / physic.Hertz)
	if hz == 0 {
		hz = 1
	}
	divisor := (ftdiClockRate/2 + (hz - 1)) / hz
	if divisor > 0x10000 {
		divisor = 0x10000
	}
	if divisor < 1 {
		divisor = 1
	}
	actualHz := ftdiClockRate / (2 * divisor)
	cfg := ClockConfig{
		Requested: freq,
		Actual:    physic.Frequency(actualHz) * physic.Hertz,
		Divisor:   uint32(divisor),
	}

	m.warnClock(cfg, hz, actualHz)

	count := uint16(divisor - 1)
	cmd := []byte{disableTCKPrescal, setTCKDivisor, byte(count), byte(count >> 8)}
	if err := m.dev.BulkWrite(cmd); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// warnClock logs the two clock-quality warnings from spec.md §3. It is
// silent when the actual frequency equals the last one it saw; only that
// last value is remembered, so returning to an earlier frequency warns
// again. The memo is scoped to this MPSSE instance (never a package-level
// singleton, per spec.md §9).
func (m *MPSSE) warnClock(cfg ClockConfig, requestedHz, actualHz uint64) {
	if m.warned && m.lastWarnedActual == cfg.Actual {
		return
	}
	m.warned = true
	m.lastWarnedActual = cfg.Actual
	if m.Trace == nil {
		return
	}
	ratio := float64(requestedHz) / float64(actualHz)
	if ratio < 0.999 || ratio > 1.001 {
		m.Trace("%d Hz clock requested, %d Hz actual", requestedHz, actualHz)
	}
	if actualHz < 500000 {
		m.Trace("%d Hz clock is a slow choice", actualHz)
	}
}

// SetGPIO parses a colon-separated list of "direction<<4|value" hex bytes
// and drives the low GPIO byte once per token, sleeping 100ms between
// tokens, per spec.md §4.2.
//
// Each nibble addresses the four general-purpose GPIOL pins (bits 4-7 of the
// low byte; bits 0-3 stay pinned to TCK/TDI/TMS's JTAG direction/state), one
// gpio.Level per pin, the same per-pin direction/level split
// periph-host/ftdi/mpsse_gpio.go's gpiosMPSSE.out uses — without that file's
// full gpio.PinIO registry, which spec.md's Non-goals place out of scope.
func (m *MPSSE) SetGPIO(spec string) error {
	for _, tok := range strings.Split(spec, ":") {
		if tok == "" {
			continue
		}
		v, err := strconv.ParseUint(tok, 16, 32)
		if err != nil || v > 0xFF {
			return fmt.Errorf("ftdi: bad -g byte %q", tok)
		}
		directionNibble := byte(v >> 4)
		valueNibble := byte(v & 0xF)

		var direction, value byte
		for pin := 0; pin < 4; pin++ {
			mask := byte(1) << uint(pin)
			out := gpio.Level(directionNibble&mask != 0)
			level := gpio.Level(valueNibble&mask != 0)
			if out {
				direction |= mask
			}
			if level {
				value |= mask
			}
		}

		cmd := []byte{
			setLowByte,
			(value << 4) | pinTMS,
			(direction << 4) | pinTMS | pinTDI | pinTCK,
		}
		if err := m.dev.BulkWrite(cmd); err != nil {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}
