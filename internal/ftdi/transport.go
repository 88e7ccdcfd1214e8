// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ftdi drives an FTDI MPSSE-capable USB chip (FT232H, FT2232H,
// FT4232H) over raw USB bulk and control transfers and translates XVC
// (TMS, TDI) bitstreams into MPSSE command chunks.
//
// Unlike periph.io/x/host/v3/ftdi, which talks to the device through the
// closed-source D2XX driver, this package claims the bulk endpoint pair
// directly via github.com/google/gousb (libusb), since the bridge needs
// vendor control transfers and raw bulk I/O that D2XX does not expose.
package ftdi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// statusByteCount is the size of the FTDI modem-status prefix that precedes
// every bulk IN transfer.
const statusByteCount = 2

// Known FT2232H/FT4232H/FT232H product codes, accepted when Open is called
// with product ID 0.
var knownProductCodes = []uint16{0x6010, 0x6011, 0x6014}

// Sentinel errors. They are design-level categories per the bridge's error
// taxonomy; callers distinguish them with errors.Is.
var (
	ErrNoDevice           = errors.New("ftdi: no matching USB device found")
	ErrOpenRefused        = errors.New("ftdi: device open refused")
	ErrClaimFailed        = errors.New("ftdi: failed to claim USB interface")
	ErrAmbiguousEndpoints = errors.New("ftdi: device does not expose exactly one bulk IN and one bulk OUT endpoint")
	ErrControlFailed      = errors.New("ftdi: control transfer failed")
	ErrWriteFailed        = errors.New("ftdi: bulk write failed")
	ErrReadFailed         = errors.New("ftdi: bulk read failed")
	ErrPayloadTooLarge    = errors.New("ftdi: shift payload exceeds XVC buffer size")
	// ErrInvariant marks a programmer-error condition (chunker asked for more
	// than the device can deliver in one bulk-in packet). The session layer
	// handles it like any other USB error: the current session ends and the
	// daemon keeps accepting connections; it does not exit.
	ErrInvariant = errors.New("ftdi: invariant violation")
)

// Stats are the per-session USB transport counters named in spec.md §4.1.
type Stats struct {
	LargestWriteRequest  int // largest single BulkWrite() call, in bytes
	LargestWriteTransfer int // largest single USB bulk OUT transfer actually sent
	LargestReadRequest   int // largest single BulkRead() n_wanted
}

// Logf is the trace hook used to print USB traffic when enabled (-u/-U).
// It is never called when logging is disabled.
type Logf func(format string, args ...interface{})

// Transport is the minimal USB surface the MPSSE adapter and shift chunker
// need. *Device is the production implementation; tests supply a fake that
// simulates a loopback-enabled chip without touching real hardware.
type Transport interface {
	ControlOut(bRequest uint8, wValue uint16) error
	BulkWrite(buf []byte) error
	BulkRead(nWanted int) ([]byte, error)
	OutPacketSize() int
}

// Device is a claimed USB endpoint pair to an FTDI MPSSE chip.
//
// Open on connect, Close on disconnect; never reused across sessions.
type Device struct {
	Stats

	VendorID, ProductID uint16
	Serial              string
	InterfaceIndex      int

	BulkInMaxPacket  int
	BulkOutMaxPacket int

	// ReportRunts causes a warning to be logged for every bulk-IN transfer
	// that returns fewer than statusByteCount bytes (the "-R" flag).
	ReportRunts bool
	// Trace, when non-nil, receives one line per USB transfer (the "-u"/"-U"
	// flag in spec.md §6).
	Trace Logf

	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

// Open enumerates the USB bus, claims the bulk endpoint pair of the
// requested device, and returns a ready-to-use Device.
//
// product == 0 means "accept any of the known FT2232H/FT4232H/FT232H
// codes"; this fallback path mirrors the original daemon but is secondary —
// passing an explicit product is the primary, fully-reachable path.
func Open(vendorID, productID uint16, serial string, interfaceIndex int) (*Device, error) {
	if interfaceIndex < 1 {
		interfaceIndex = 1
	}
	ctx := gousb.NewContext()

	var candidates []*gousb.Device
	matched, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if uint16(desc.Vendor) != vendorID {
			return false
		}
		if productID != 0 {
			return uint16(desc.Product) == productID
		}
		for _, code := range knownProductCodes {
			if uint16(desc.Product) == code {
				return true
			}
		}
		return false
	})
	if err != nil {
		_ = ctx.Close()
		return nil, fmt.Errorf("%w: %v", ErrOpenRefused, err)
	}
	candidates = matched

	var chosen *gousb.Device
	for _, d := range candidates {
		if chosen == nil && matchesSerial(d, serial) {
			chosen = d
			continue
		}
		_ = d.Close()
	}
	if chosen == nil {
		_ = ctx.Close()
		return nil, ErrNoDevice
	}

	// Best effort: let gousb detach the kernel driver if one is bound.
	_ = chosen.SetAutoDetach(true)

	cfgNum := 1
	for n := range chosen.Desc.Configs {
		cfgNum = n
		break
	}
	cfgDesc, ok := chosen.Desc.Configs[cfgNum]
	if !ok {
		_ = chosen.Close()
		_ = ctx.Close()
		return nil, fmt.Errorf("%w: no USB configuration descriptor", ErrClaimFailed)
	}
	ifaceSlot := interfaceIndex - 1
	if ifaceSlot < 0 || ifaceSlot >= len(cfgDesc.Interfaces) {
		_ = chosen.Close()
		_ = ctx.Close()
		return nil, fmt.Errorf("%w: interface index %d out of range", ErrClaimFailed, interfaceIndex)
	}
	ifaceDesc := cfgDesc.Interfaces[ifaceSlot]
	if len(ifaceDesc.AltSettings) == 0 {
		_ = chosen.Close()
		_ = ctx.Close()
		return nil, fmt.Errorf("%w: no alt-setting 0 on interface %d", ErrClaimFailed, ifaceDesc.Number)
	}
	alt := ifaceDesc.AltSettings[0]

	var inAddr, outAddr *gousb.EndpointDesc
	for addr, ep := range alt.Endpoints {
		ep := ep
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if addr.Direction() == gousb.EndpointDirectionIn {
			if inAddr != nil {
				_ = chosen.Close()
				_ = ctx.Close()
				return nil, ErrAmbiguousEndpoints
			}
			inAddr = &ep
		} else {
			if outAddr != nil {
				_ = chosen.Close()
				_ = ctx.Close()
				return nil, ErrAmbiguousEndpoints
			}
			outAddr = &ep
		}
	}
	if inAddr == nil || outAddr == nil {
		_ = chosen.Close()
		_ = ctx.Close()
		return nil, ErrAmbiguousEndpoints
	}

	cfg, err := chosen.Config(cfgNum)
	if err != nil {
		_ = chosen.Close()
		_ = ctx.Close()
		return nil, fmt.Errorf("%w: %v", ErrClaimFailed, err)
	}
	intf, err := cfg.Interface(ifaceDesc.Number, alt.Alternate)
	if err != nil {
		_ = cfg.Close()
		_ = chosen.Close()
		_ = ctx.Close()
		return nil, fmt.Errorf("%w: %v", ErrClaimFailed, err)
	}
	in, err := intf.InEndpoint(inAddr.Number)
	if err != nil {
		intf.Close()
		_ = cfg.Close()
		_ = chosen.Close()
		_ = ctx.Close()
		return nil, fmt.Errorf("%w: %v", ErrClaimFailed, err)
	}
	out, err := intf.OutEndpoint(outAddr.Number)
	if err != nil {
		intf.Close()
		_ = cfg.Close()
		_ = chosen.Close()
		_ = ctx.Close()
		return nil, fmt.Errorf("%w: %v", ErrClaimFailed, err)
	}

	return &Device{
		VendorID:         uint16(chosen.Desc.Vendor),
		ProductID:        uint16(chosen.Desc.Product),
		Serial:           serial,
		InterfaceIndex:   interfaceIndex,
		BulkInMaxPacket:  inAddr.MaxPacketSize,
		BulkOutMaxPacket: outAddr.MaxPacketSize,
		ctx:              ctx,
		dev:              chosen,
		cfg:              cfg,
		intf:             intf,
		in:               in,
		out:              out,
	}, nil
}

// OutPacketSize reports the bulk-OUT endpoint's maximum packet size, the
// bound the shift chunker stages commands against.
func (d *Device) OutPacketSize() int { return d.BulkOutMaxPacket }

func matchesSerial(d *gousb.Device, serial string) bool {
	if serial == "" {
		return true
	}
	s, err := d.SerialNumber()
	if err != nil {
		return false
	}
	return s == serial
}

// Close releases the interface and closes the USB context. Safe to call once
// per Device.
func (d *Device) Close() error {
	if d.intf != nil {
		d.intf.Close()
	}
	var err error
	if d.cfg != nil {
		err = d.cfg.Close()
	}
	if d.dev != nil {
		if e := d.dev.Close(); err == nil {
			err = e
		}
	}
	if d.ctx != nil {
		if e := d.ctx.Close(); err == nil {
			err = e
		}
	}
	return err
}

// ControlOut issues a vendor-request OUT control transfer with no data
// phase, matching the FTDI RESET/SET_BITMODE/SET_LATENCY requests.
func (d *Device) ControlOut(bRequest uint8, wValue uint16) error {
	rType := uint8(gousb.ControlOut | gousb.ControlVendor | gousb.ControlDevice)
	if d.Trace != nil {
		d.Trace("control bmRequestType=%#02x bRequest=%#02x wValue=%#04x", rType, bRequest, wValue)
	}
	_, err := withTimeout(time.Second, func() (int, error) {
		return d.dev.Control(rType, bRequest, wValue, uint16(d.InterfaceIndex), nil)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrControlFailed, err)
	}
	return nil
}

// BulkWrite sends buf to the bulk OUT endpoint, looping over short
// transfers. Short transfers are expected behavior, not an error.
func (d *Device) BulkWrite(buf []byte) error {
	if len(buf) > d.LargestWriteRequest {
		d.LargestWriteRequest = len(buf)
	}
	if d.Trace != nil {
		d.Trace("bulk out % x", buf)
	}
	for len(buf) > 0 {
		n, err := withTimeout(10*time.Second, func() (int, error) {
			return d.out.Write(buf)
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
		if n > d.LargestWriteTransfer {
			d.LargestWriteTransfer = n
		}
		buf = buf[n:]
	}
	return nil
}

// BulkRead reads exactly nWanted data bytes from the bulk IN endpoint,
// discarding the 2-byte FTDI modem-status prefix on every underlying
// transfer.
func (d *Device) BulkRead(nWanted int) ([]byte, error) {
	if nWanted > d.LargestReadRequest {
		d.LargestReadRequest = nWanted
	}
	if nWanted+statusByteCount > d.BulkInMaxPacket {
		return nil, fmt.Errorf("%w: read request %d exceeds bulk-in packet size %d", ErrInvariant, nWanted+statusByteCount, d.BulkInMaxPacket)
	}
	out := make([]byte, nWanted)
	got := 0
	scratch := make([]byte, d.BulkInMaxPacket)
	for got < nWanted {
		want := nWanted - got + statusByteCount
		if want > d.BulkInMaxPacket {
			want = d.BulkInMaxPacket
		}
		n, err := withTimeout(5*time.Second, func() (int, error) {
			return d.in.Read(scratch[:want])
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
		}
		if n < statusByteCount {
			// A runt transfer: only the modem-status prefix (or less) came
			// back. This is expected FTDI polling behavior; retry.
			if d.ReportRunts && d.Trace != nil {
				d.Trace("runt transfer: %d bytes", n)
			}
			continue
		}
		data := scratch[statusByteCount:n]
		copy(out[got:], data)
		got += len(data)
	}
	if d.Trace != nil {
		d.Trace("bulk in % x", out)
	}
	return out, nil
}

// withTimeout runs fn and fails it with context.DeadlineExceeded if it does not
// return within d. gousb's endpoint calls are not context-aware, so the
// underlying transfer may still complete in the background; this only
// bounds how long the caller waits.
func withTimeout(d time.Duration, fn func() (int, error)) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := fn()
		ch <- result{n, err}
	}()
	select {
	case r := <-ch:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
