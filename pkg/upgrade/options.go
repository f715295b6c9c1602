package upgrade

import (
	"fmt"
	"time"

	"github.com/fwkit/mcubridge/pkg/image"
)

// Mode selects which commands follow the upload step.
type Mode int

const (
	// ModeTestAndConfirm uploads, tests, resets, then confirms. The default
	// and the only mode that can recover from a bad image.
	ModeTestAndConfirm Mode = 1
	// ModeConfirmOnly uploads, confirms, then resets.
	ModeConfirmOnly Mode = 2
	// ModeTestOnly uploads, tests, and resets, leaving confirmation to the
	// caller.
	ModeTestOnly Mode = 3
	// ModeUploadOnly uploads and immediately resets.
	ModeUploadOnly Mode = 4
)

func (m Mode) String() string {
	switch m {
	case ModeTestAndConfirm:
		return "TEST_AND_CONFIRM"
	case ModeConfirmOnly:
		return "CONFIRM_ONLY"
	case ModeTestOnly:
		return "TEST_ONLY"
	case ModeUploadOnly:
		return "UPLOAD_ONLY"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// NormalizeMode maps a raw mode value onto a known Mode. Unrecognized values
// fall back to ModeTestAndConfirm rather than failing; callers passing a
// stale or future enum value still get a working upgrade.
func NormalizeMode(v int) Mode {
	switch Mode(v) {
	case ModeTestAndConfirm, ModeConfirmOnly, ModeTestOnly, ModeUploadOnly:
		return Mode(v)
	default:
		return ModeTestAndConfirm
	}
}

// Options is the caller-supplied upgrade configuration.
type Options struct {
	// EstimatedSwapTime, in seconds, hints the engine how long the device
	// needs to swap images after reset.
	EstimatedSwapTime int
	FileType          image.FileType
	Mode              Mode
	EraseAppSettings  bool
	// WindowCapacity is the transfer window buffer count; zero means
	// engine-defined.
	WindowCapacity int
}

// DefaultOptions returns the defaults applied when the caller leaves fields
// unset.
func DefaultOptions() Options {
	return Options{
		FileType: image.FileTypeBin,
		Mode:     ModeTestAndConfirm,
	}
}

// engineConfig resolves the options into the engine's configuration,
// applying the lenient mode fallback.
func (o Options) engineConfig() EngineConfig {
	return EngineConfig{
		Mode:              NormalizeMode(int(o.Mode)),
		EstimatedSwapTime: time.Duration(o.EstimatedSwapTime) * time.Second,
		EraseAppSettings:  o.EraseAppSettings,
		WindowCapacity:    o.WindowCapacity,
	}
}
