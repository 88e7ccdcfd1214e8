// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ftdi

import (
	"bytes"
	"testing"

	"periph.io/x/conn/v3/physic"
)

// TestSetClockDivisorLaw checks invariant 3: divisor = clamp(ceil(30e6/f),
// 1, 65536), actual = 30e6/divisor, and the emitted bytes are divisor-1
// split low/high.
func TestSetClockDivisorLaw(t *testing.T) {
	check := func(t *testing.T, freqHz int64, wantDivisor uint32) {
		t.Helper()
		fake := newLoopbackFake(512, 512)
		m := NewMPSSE(fake)
		cfg, err := m.SetClock(physic.Frequency(freqHz) * physic.Hertz)
		if err != nil {
			t.Fatalf("SetClock(%d) = _, %v", freqHz, err)
		}
		if cfg.Divisor != wantDivisor {
			t.Fatalf("SetClock(%d).Divisor = %d, want %d", freqHz, cfg.Divisor, wantDivisor)
		}
		wantActual := physic.Frequency(ftdiClockRate/2/int64(wantDivisor)) * physic.Hertz
		if cfg.Actual != wantActual {
			t.Fatalf("SetClock(%d).Actual = %s, want %s", freqHz, cfg.Actual, wantActual)
		}
		count := wantDivisor - 1
		wantCmd := []byte{disableTCKPrescal, setTCKDivisor, byte(count), byte(count >> 8)}
		if string(fake.lastCmd) != string(wantCmd) {
			t.Fatalf("SetClock(%d) emitted % x, want % x", freqHz, fake.lastCmd, wantCmd)
		}
	}

	check(t, 30_000_000, 1)     // ceil(30e6/30e6) = 1
	check(t, 10_000_000, 3)     // ceil(30e6/10e6) = 3
	check(t, 1, 65536)          // clamped to the maximum divisor
	check(t, 20_000_000, 2)     // ceil(30e6/20e6) = 2
}

func TestSetClockLockedOverridesRequest(t *testing.T) {
	fake := newLoopbackFake(512, 512)
	m := NewMPSSE(fake)
	m.Locked = 1_000_000 * physic.Hertz
	cfg, err := m.SetClock(50_000_000 * physic.Hertz)
	if err != nil {
		t.Fatalf("SetClock = _, %v", err)
	}
	if cfg.Requested != 1_000_000*physic.Hertz {
		t.Fatalf("Requested = %s, want the locked frequency, not the caller's", cfg.Requested)
	}
}

func TestSetClockWarnsOncePerActual(t *testing.T) {
	fake := newLoopbackFake(512, 512)
	m := NewMPSSE(fake)
	var lines []string
	m.Trace = func(format string, args ...interface{}) {
		lines = append(lines, format)
	}
	if _, err := m.SetClock(1 * physic.Hertz); err != nil {
		t.Fatalf("SetClock = _, %v", err)
	}
	first := len(lines)
	if first == 0 {
		t.Fatalf("expected at least one warning for a 1 Hz request")
	}
	if _, err := m.SetClock(1 * physic.Hertz); err != nil {
		t.Fatalf("SetClock = _, %v", err)
	}
	if len(lines) != first {
		t.Fatalf("SetClock warned again for the same actual frequency: %d lines, want %d", len(lines), first)
	}
}

// TestSetGPIOPacksNibbles checks that a "-g" byte's direction/value nibbles
// are split into per-pin gpio.Level values and repacked into the low-byte
// command with the JTAG pins (TCK/TDI/TMS) held fixed.
func TestSetGPIOPacksNibbles(t *testing.T) {
	fake := newLoopbackFake(512, 512)
	m := NewMPSSE(fake)
	if err := m.SetGPIO("0f"); err != nil {
		t.Fatalf("SetGPIO(0f) = %v", err)
	}
	want := []byte{setLowByte, 0xF8, 0x0B}
	if !bytes.Equal(fake.lastCmd, want) {
		t.Fatalf("SetGPIO(0f) emitted % x, want % x", fake.lastCmd, want)
	}
}

func TestSetGPIOBadByte(t *testing.T) {
	fake := newLoopbackFake(512, 512)
	m := NewMPSSE(fake)
	if err := m.SetGPIO("1ff"); err == nil {
		t.Fatalf("SetGPIO(1ff) succeeded, want an error for a byte > 0xFF")
	}
}
