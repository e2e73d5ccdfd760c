package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/guestdrv/virtio"
	"github.com/guestdrv/virtio/pci"
	"github.com/guestdrv/virtio/pcidev"
)

const sysfsPCIDevices = "/sys/bus/pci/devices"

type config struct {
	// Devices lists PCI addresses (e.g. 0000:00:04.0) to probe. When empty
	// the PCI bus is scanned for virtio vendor IDs.
	Devices []string `yaml:"devices"`
	Verbose bool     `yaml:"verbose"`
	// Deep binds each device's transport and reports its register-level
	// state instead of stopping at PCI configuration space.
	Deep bool `yaml:"deep"`
}

func loadConfig(path string) (*config, error) {
	var cfg config
	if path == "" {
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// scanDevices walks sysfs for PCI functions with the virtio vendor ID.
func scanDevices() ([]string, error) {
	entries, err := os.ReadDir(sysfsPCIDevices)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", sysfsPCIDevices, err)
	}
	var addrs []string
	for _, e := range entries {
		raw, err := os.ReadFile(filepath.Join(sysfsPCIDevices, e.Name(), "vendor"))
		if err != nil {
			continue
		}
		vendor, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 0, 16)
		if err != nil {
			continue
		}
		if uint16(vendor) == pci.VIRTIO_PCI_VENDOR_ID {
			addrs = append(addrs, e.Name())
		}
	}
	sort.Strings(addrs)
	return addrs, nil
}

func deviceTypeName(t uint16) string {
	switch t {
	case virtio.VIRTIO_DEV_TYPE_NET:
		return "net"
	case virtio.VIRTIO_DEV_TYPE_BLOCK:
		return "block"
	case virtio.VIRTIO_DEV_TYPE_CONSOLE:
		return "console"
	case virtio.VIRTIO_DEV_TYPE_ENTROPY:
		return "entropy"
	case virtio.VIRTIO_DEV_TYPE_SCSI:
		return "scsi"
	case virtio.VIRTIO_DEV_TYPE_GPU:
		return "gpu"
	case virtio.VIRTIO_DEV_TYPE_INPUT:
		return "input"
	default:
		return fmt.Sprintf("type-%d", t)
	}
}

// probeOne identifies a single virtio function and, in deep mode, binds its
// transport to report ring geometry and feature words. Deep probing resets
// the device, so only use it on devices without an active driver.
func probeOne(addr string, deep bool) (string, error) {
	dev, err := pcidev.Open(addr)
	if err != nil {
		return "", err
	}
	defer dev.Close()

	info, err := pci.Identify(dev)
	if err != nil {
		return "", err
	}

	transport := "legacy"
	if info.Modern {
		transport = "modern"
	}
	line := fmt.Sprintf("%s  %-8s  %-7s  device=%#04x", info.Addr,
		deviceTypeName(info.DeviceType), transport, info.DeviceID)
	if !deep {
		return line, nil
	}

	be, err := pci.Probe(dev)
	if err != nil {
		return "", fmt.Errorf("bind transport: %w", err)
	}
	defer be.Close()

	be.DeviceReset()
	be.DriverStatusAck()

	var features uint64
	for bit := uint32(0); bit < 64; bit++ {
		if be.ReadFeature(bit) {
			features |= 1 << bit
		}
	}
	var rings []string
	for q := uint16(0); q < 8; q++ {
		size := be.RingSize(q)
		if size == 0 {
			break
		}
		rings = append(rings, strconv.Itoa(int(size)))
	}
	be.DeviceReset()

	return fmt.Sprintf("%s  features=%#016x  rings=[%s]", line, features,
		strings.Join(rings, " ")), nil
}

func run() error {
	configPath := flag.String("config", "", "YAML config file")
	verbose := flag.Bool("v", false, "enable debug logging")
	deep := flag.Bool("deep", false, "bind transports and report register-level state (resets devices)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `vioprobe - enumerate virtio PCI devices

USAGE:
  vioprobe [flags] [pci-address ...]

FLAGS:
  -config FILE   YAML config: devices list, verbose, deep
  -deep          Bind each transport and report features and ring sizes.
                 This resets the device; do not use on devices in service.
  -v             Debug logging

With no addresses and no config, all functions with the virtio vendor ID
(0x1af4) under %s are probed.
`, sysfsPCIDevices)
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *verbose {
		cfg.Verbose = true
	}
	if *deep {
		cfg.Deep = true
	}
	if flag.NArg() > 0 {
		cfg.Devices = flag.Args()
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		opts.AddSource = true
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))

	addrs := cfg.Devices
	if len(addrs) == 0 {
		if addrs, err = scanDevices(); err != nil {
			return err
		}
	}
	if len(addrs) == 0 {
		fmt.Println("no virtio devices found")
		return nil
	}

	var (
		mu    sync.Mutex
		lines = make(map[string]string, len(addrs))
	)
	var g errgroup.Group
	g.SetLimit(4)
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			slog.Debug("probing device", "addr", addr, "deep", cfg.Deep)
			line, err := probeOne(addr, cfg.Deep)
			if err != nil {
				return fmt.Errorf("%s: %w", addr, err)
			}
			mu.Lock()
			lines[addr] = line
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, addr := range addrs {
		fmt.Println(lines[addr])
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vioprobe: %v\n", err)
		os.Exit(1)
	}
}
