// Package session runs the accept loop: one XVC connection at a time, each
// one opening its own USB device and MPSSE adapter and releasing them on
// disconnect.
package session

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"

	"periph.io/x/conn/v3/physic"

	"github.com/usbjtag/xvcd/internal/config"
	"github.com/usbjtag/xvcd/internal/ftdi"
	"github.com/usbjtag/xvcd/internal/xvc"
)

// Server listens for XVC connections and runs them sequentially; the
// daemon never handles two sessions at once.
type Server struct {
	Config *config.Config
	Log    *log.Logger
}

// Listen binds the configured address. A failure here is a startup failure
// (the daemon's exit code 1), distinct from a failure of Serve once the
// daemon is already accepting connections (exit code 2).
func (s *Server) Listen() (net.Listener, error) {
	addr := net.JoinHostPort(s.Config.BindAddress, strconv.Itoa(s.Config.Port))
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("session: listen %s: %w", addr, err)
	}
	return ln, nil
}

// Serve runs the accept loop on ln until it fails (e.g. the listener is
// closed). Every accepted connection is served to completion, sequentially,
// before the next Accept — at most one XVC session is ever live.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("session: accept: %w", err)
		}
		s.run(conn)
	}
}

// run serves exactly one connection end to end: open the device, init
// MPSSE, run the XVC loop, print statistics, release everything.
func (s *Server) run(conn net.Conn) {
	defer conn.Close()
	cfg := s.Config

	dev, err := ftdi.Open(cfg.VendorID, cfg.ProductID, cfg.Serial, cfg.JTAGIndex)
	if err != nil {
		s.Log.Printf("usb open failed: %v", err)
		return
	}
	defer dev.Close()
	dev.ReportRunts = cfg.ReportRunts
	if cfg.ShowUSB {
		dev.Trace = s.Log.Printf
	}

	mpsse := ftdi.NewMPSSE(dev)
	if cfg.LockedFrequency != 0 {
		mpsse.Locked = physic.Frequency(cfg.LockedFrequency) * physic.Hertz
	}
	if cfg.ShowUSB {
		mpsse.Trace = s.Log.Printf
	}
	if err := mpsse.Init(); err != nil {
		s.Log.Printf("mpsse init failed: %v", err)
		return
	}
	if cfg.GPIOArgument != "" {
		if err := mpsse.SetGPIO(cfg.GPIOArgument); err != nil {
			s.Log.Printf("gpio setup failed: %v", err)
			return
		}
	}

	chunker := ftdi.NewChunker(dev, mpsse)
	chunker.Loopback = cfg.Loopback

	if cfg.ShowUSB || !cfg.Quiet {
		s.Log.Printf("connect: vendor=%#04x product=%#04x serial=%q interface=%d",
			dev.VendorID, dev.ProductID, dev.Serial, dev.InterfaceIndex)
	}

	backend := &xvcBackend{mpsse: mpsse, chunker: chunker}
	var trace xvc.Logf
	if cfg.ShowXVC {
		trace = s.Log.Printf
	}
	err = xvc.NewConn(conn, backend, trace).Serve()
	if err != nil && !errors.Is(err, xvc.ErrUnexpectedEOF) {
		s.Log.Printf("session ended: %v", err)
	}

	if !cfg.Quiet {
		s.Log.Printf("disconnect")
	}
	if cfg.Statistics {
		printStatistics(s.Log, chunker, dev)
	}
}

func printStatistics(l *log.Logger, c *ftdi.Chunker, d *ftdi.Device) {
	l.Printf("   Shifts: %d", c.ShiftCount)
	l.Printf("   Chunks: %d", c.ChunkCount)
	l.Printf("     Bits: %d", c.BitCount)
	l.Printf(" Largest shift request: %d", c.LargestShiftRequest)
	l.Printf(" Largest write request: %d", d.LargestWriteRequest)
	l.Printf("Largest write transfer: %d", d.LargestWriteTransfer)
	l.Printf("  Largest read request: %d", d.LargestReadRequest)
}

// xvcBackend adapts the MPSSE adapter and shift chunker to xvc.Backend.
type xvcBackend struct {
	mpsse   *ftdi.MPSSE
	chunker *ftdi.Chunker
}

func (b *xvcBackend) SetClock(freqHz uint32) error {
	_, err := b.mpsse.SetClock(physic.Frequency(freqHz) * physic.Hertz)
	return err
}

func (b *xvcBackend) Shift(nBits uint32, tms, tdi []byte) ([]byte, error) {
	return b.chunker.Shift(nBits, tms, tdi)
}
