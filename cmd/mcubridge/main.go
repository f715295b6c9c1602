package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fwkit/mcubridge/internal/ble"
	"github.com/fwkit/mcubridge/internal/config"
	"github.com/fwkit/mcubridge/internal/sim"
	"github.com/fwkit/mcubridge/pkg/bridge"
	"github.com/fwkit/mcubridge/pkg/image"
)

const usage = `mcubridge - firmware upgrade tool for SMP devices

Usage:
  mcubridge scan                      discover SMP peripherals over BLE
  mcubridge check   -file FW          parse a firmware image or bundle
  mcubridge upgrade -file FW [flags]  run an upgrade (simulated backend)
  mcubridge erase   [-device ADDR]    erase the inactive image slot
  mcubridge reset   [-device ADDR]    reboot the device
  mcubridge info    [-device ADDR]    query bootloader name and mode
  mcubridge setting -name N [-value V] read or write a device setting

Common flags:
  -config PATH   config file (default: ~/.config/mcubridge/config.yaml)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "scan":
		runScan(args)
	case "check":
		runCheck(args)
	case "upgrade":
		runUpgrade(args)
	case "erase":
		runMgmt(args, "erase")
	case "reset":
		runMgmt(args, "reset")
	case "info":
		runMgmt(args, "info")
	case "setting":
		runSetting(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

// loadConfig loads the config from the specified path, or falls back to the
// default config path, or uses built-in defaults.
func loadConfig(path string) *config.Config {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := cfg.Validate(); err != nil {
			log.Fatalf("config validation: %v", err)
		}
		return cfg
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			log.Fatalf("loading %s: %v", defaultPath, err)
		}
		if err := cfg.Validate(); err != nil {
			log.Fatalf("config validation: %v", err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg
	}

	return config.Default()
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

// simBridge wires the bridge against the simulated backend shared by every
// management and upgrade command that has no real SMP engine behind it.
func simBridge(cfg *config.Config) *bridge.Bridge {
	return bridge.New(sim.TransportFactory{}, sim.EngineFactory{StepDelay: 20 * time.Millisecond},
		sim.NewClientFactory(), newLogger(cfg.LogLevel))
}

func runScan(args []string) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)
	cfg := loadConfig(*configPath)

	factory := ble.NewFactory(ble.NewHardwareAdapter(), newLogger(cfg.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ScanTimeout)*time.Second)
	defer cancel()

	log.Printf("Scanning for SMP devices (%ds)...", cfg.ScanTimeout)
	devices, err := factory.Scan(ctx)
	if err != nil {
		log.Fatalf("scan: %v", err)
	}
	if len(devices) == 0 {
		log.Println("No SMP devices found")
		return
	}
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("  %-36s  %-24s  %d dBm\n", d.Address, name, d.RSSI)
	}
}

func runCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	file := fs.String("file", "", "firmware image (.bin) or bundle (.zip)")
	fileType := fs.String("type", "bin", "file type: bin or zip")
	fs.Parse(args)

	if *file == "" {
		log.Fatal("check: -file is required")
	}

	images, err := image.Resolve(*file, parseFileType(*fileType))
	if err != nil {
		log.Fatalf("check: %v", err)
	}

	fmt.Printf("%s: %d image(s), %d bytes total\n", *file, len(images), images.TotalSize())
	for _, img := range images {
		fmt.Printf("  image %d: %d bytes, sha256 %x\n", img.Index, len(img.Data), img.Hash)
	}
}

func runUpgrade(args []string) {
	fs := flag.NewFlagSet("upgrade", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	device := fs.String("device", "", "device address (overrides config)")
	file := fs.String("file", "", "firmware image (.bin) or bundle (.zip)")
	fileType := fs.String("type", "bin", "file type: bin or zip")
	fs.Parse(args)
	cfg := loadConfig(*configPath)

	if *file == "" {
		log.Fatal("upgrade: -file is required")
	}
	addr := *device
	if addr == "" {
		addr = cfg.Device
	}
	if addr == "" {
		addr = "sim-device"
	}

	b := simBridge(cfg)
	opts := cfg.UpgradeOptions()
	opts.FileType = parseFileType(*fileType)

	id := bridge.NewSessionID()
	onProgress := func(_ string, percent int) {
		log.Printf("  upload %3d%%", percent)
	}
	onState := func(_ string, state string) {
		log.Printf("  state  %s", state)
	}

	if err := b.CreateUpgrade(context.Background(), id, addr, *file, opts, onProgress, onState); err != nil {
		log.Fatalf("upgrade: %v", err)
	}
	defer b.DestroyUpgrade(id)

	// Ctrl+C cancels the upgrade and reports the cancelled outcome.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Upgrading %s with %s (mode: %s)...", addr, *file, cfg.Upgrade.Mode)
	start := time.Now()
	if err := b.RunUpgrade(ctx, id); err != nil {
		log.Fatalf("upgrade failed: %v", err)
	}
	log.Printf("Upgrade complete in %s", time.Since(start).Round(time.Millisecond))
}

func runMgmt(args []string, op string) {
	fs := flag.NewFlagSet(op, flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	device := fs.String("device", "sim-device", "device address")
	fs.Parse(args)
	cfg := loadConfig(*configPath)

	b := simBridge(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch op {
	case "erase":
		if err := b.EraseImage(ctx, *device); err != nil {
			log.Fatalf("erase: %v", err)
		}
		log.Println("Inactive image slot erased")
	case "reset":
		if err := b.ResetDevice(ctx, *device); err != nil {
			log.Fatalf("reset: %v", err)
		}
		log.Println("Device reset")
	case "info":
		info, err := b.BootloaderInfo(ctx, *device)
		if err != nil {
			log.Fatalf("info: %v", err)
		}
		name := "(unknown)"
		if info.Bootloader != nil {
			name = *info.Bootloader
		}
		fmt.Printf("bootloader:   %s\n", name)
		if info.Mode != nil {
			fmt.Printf("mode:         %d\n", *info.Mode)
		}
		fmt.Printf("no-downgrade: %v\n", info.NoDowngrade)
	}
}

func runSetting(args []string) {
	fs := flag.NewFlagSet("setting", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	device := fs.String("device", "sim-device", "device address")
	name := fs.String("name", "", "setting name")
	value := fs.String("value", "", "base64 value to write; omit to read")
	fs.Parse(args)
	cfg := loadConfig(*configPath)

	if *name == "" {
		log.Fatal("setting: -name is required")
	}

	b := simBridge(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *value == "" {
		val, err := b.ReadSetting(ctx, *device, *name)
		if err != nil {
			log.Fatalf("setting read: %v", err)
		}
		fmt.Println(val)
		return
	}
	if err := b.WriteSetting(ctx, *device, *name, *value); err != nil {
		log.Fatalf("setting write: %v", err)
	}
	log.Printf("Setting %s written", *name)
}

func parseFileType(s string) image.FileType {
	if s == "zip" {
		return image.FileTypeZip
	}
	return image.FileTypeBin
}
