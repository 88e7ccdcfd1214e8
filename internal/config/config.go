// Package config turns the daemon's command-line flags into a Config,
// mirroring the flag table the original Application/Config classes expose.
package config

import (
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Defaults matching the original daemon.
const (
	DefaultBindAddress = "127.0.0.1"
	DefaultPort        = 2542
	DefaultVendorID    = 0x0403
	DefaultProductID   = 0x6014
)

// Config is the fully parsed command line.
type Config struct {
	BindAddress string
	Port        int

	VendorID  uint16
	ProductID uint16
	Serial    string

	// JTAGIndex selects interface A (1) or B (2) on a dual-channel chip.
	JTAGIndex int

	// LockedFrequency, when non-zero, overrides every settck: request (-c).
	LockedFrequency uint32

	// GPIOArgument is the raw -g argument, parsed by the MPSSE adapter.
	GPIOArgument string

	Quiet       bool
	Loopback    bool
	ReportRunts bool
	Statistics  bool
	ShowUSB     bool
	ShowXVC     bool
}

// Parse builds a Config from args (typically os.Args[1:]). It reports usage
// errors the way the original scanArguments/usage pair does: a message plus
// a non-nil error, leaving the exit code to the caller.
func Parse(progName string, args []string) (*Config, error) {
	fs := flag.NewFlagSet(progName, flag.ContinueOnError)
	cfg := &Config{
		BindAddress: DefaultBindAddress,
		Port:        DefaultPort,
		VendorID:    DefaultVendorID,
		ProductID:   DefaultProductID,
		JTAGIndex:   1,
	}

	fs.StringVar(&cfg.BindAddress, "a", DefaultBindAddress, "bind address")
	fs.IntVar(&cfg.Port, "p", DefaultPort, "listen port")
	device := fs.String("d", "", "vendor:product[:serial] in hex")
	freq := fs.String("c", "", "lock TCK frequency, accepts k/M suffix")
	fs.StringVar(&cfg.GPIOArgument, "g", "", "direction:value[:direction:value...] GPIO bytes, hex")
	fs.BoolVar(&cfg.Quiet, "q", false, "suppress connect/disconnect lines")
	fs.BoolVar(&cfg.ShowUSB, "u", false, "log USB traffic")
	fs.BoolVar(&cfg.ShowUSB, "U", false, "log USB traffic")
	fs.BoolVar(&cfg.ShowXVC, "x", false, "log XVC traffic")
	fs.BoolVar(&cfg.ShowXVC, "X", false, "log XVC traffic")
	b := fs.Bool("B", false, "use interface B (JTAG index 2)")
	fs.BoolVar(&cfg.Loopback, "L", false, "loopback self-test")
	fs.BoolVar(&cfg.ReportRunts, "R", false, "report runt bulk-in transfers")
	fs.BoolVar(&cfg.Statistics, "S", false, "print per-session statistics")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [-a address] [-p port] "+
			"[-d vendor:product[:serial]] [-g direction:value[:direction:value...]] "+
			"[-c frequency] [-q] [-B] [-L] [-R] [-S] [-U] [-X]\n", progName)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("config: unexpected argument: %s", fs.Arg(0))
	}

	if *b {
		cfg.JTAGIndex = 2
	}
	if *device != "" {
		if err := parseDevice(cfg, *device); err != nil {
			return nil, err
		}
	}
	if *freq != "" {
		hz, err := parseFrequency(*freq)
		if err != nil {
			return nil, err
		}
		cfg.LockedFrequency = hz
	}
	if net.ParseIP(cfg.BindAddress) == nil {
		return nil, fmt.Errorf("config: bad bind address %q", cfg.BindAddress)
	}

	return cfg, nil
}

// parseFrequency parses a frequency string with an optional k/M suffix,
// clamping to [1, MaxUint32], mirroring Application::parseFrequency.
func parseFrequency(s string) (uint32, error) {
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "M"):
		mult = 1e6
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "k"):
		mult = 1e3
		s = strings.TrimSuffix(s, "k")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("config: bad clock frequency: %w", err)
	}
	v *= mult
	if v < 1 {
		v = 1
	}
	if v > 4294967295 {
		v = 4294967295
	}
	return uint32(v), nil
}

// parseDevice parses "vendor:product[:serial]" in hex, mirroring
// Application::parseDeviceConfig.
func parseDevice(cfg *Config, s string) error {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return fmt.Errorf("config: bad device spec %q, want vendor:product[:serial]", s)
	}
	vendor, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil || vendor > 0xFFFF {
		return fmt.Errorf("config: bad vendor id in %q", s)
	}
	product, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil || product > 0xFFFF {
		return fmt.Errorf("config: bad product id in %q", s)
	}
	cfg.VendorID = uint16(vendor)
	cfg.ProductID = uint16(product)
	if len(parts) == 3 {
		cfg.Serial = parts[2]
	}
	return nil
}
