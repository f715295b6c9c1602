package upgrade

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/fwkit/mcubridge/pkg/mcuerr"
)

// runSession creates and starts a session through the registry, returning
// the scripted engine and the result channel.
func runSession(t *testing.T, h *testHarness, id string) (*mockEngine, <-chan error) {
	t.Helper()
	err := h.registry.Create(context.Background(), id, "AA:BB:CC:DD:EE:FF", writeTestImage(t), DefaultOptions())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	ch, err := h.registry.Run(id)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	eng := h.engines.engine(0)
	eng.waitStarted(t)
	return eng, ch
}

func TestUpgradeSuccessEndToEnd(t *testing.T) {
	h := newTestHarness()
	rec := &eventRecorder{}
	rec.subscribe(h.router, "s1")

	eng, ch := runSession(t, h, "s1")

	eng.emitEvent(EngineEvent{Type: EventStarted})
	eng.emitEvent(EngineEvent{Type: EventStateChanged, State: StateValidate})
	eng.emitEvent(EngineEvent{Type: EventStateChanged, State: StateUpload})
	eng.emitEvent(EngineEvent{Type: EventProgress, BytesSent: 0, TotalSize: 100})
	eng.emitEvent(EngineEvent{Type: EventProgress, BytesSent: 50, TotalSize: 100})
	eng.emitEvent(EngineEvent{Type: EventProgress, BytesSent: 50, TotalSize: 100})
	eng.emitEvent(EngineEvent{Type: EventProgress, BytesSent: 100, TotalSize: 100})
	eng.emitEvent(EngineEvent{Type: EventStateChanged, State: StateTest})
	eng.emitEvent(EngineEvent{Type: EventStateChanged, State: StateReset})
	eng.emitEvent(EngineEvent{Type: EventStateChanged, State: StateConfirm})
	eng.emitEvent(EngineEvent{Type: EventStateChanged, State: StateSuccess})
	eng.emitEvent(EngineEvent{Type: EventCompleted})

	if err := waitResult(t, ch); err != nil {
		t.Fatalf("result = %v, want nil", err)
	}

	progress, states := rec.snapshot()
	wantProgress := []int{0, 50, 100}
	if len(progress) != len(wantProgress) {
		t.Fatalf("progress = %v, want %v", progress, wantProgress)
	}
	for i := range wantProgress {
		if progress[i] != wantProgress[i] {
			t.Errorf("progress[%d] = %d, want %d", i, progress[i], wantProgress[i])
		}
	}

	wantStates := []string{"STARTED", "VALIDATE", "UPLOAD", "TEST", "RESET", "CONFIRM", "SUCCESS"}
	if len(states) != len(wantStates) {
		t.Fatalf("states = %v, want %v", states, wantStates)
	}
	for i := range wantStates {
		if states[i] != wantStates[i] {
			t.Errorf("states[%d] = %s, want %s", i, states[i], wantStates[i])
		}
	}

	if n := h.transports.transport(0).releaseCount(); n != 1 {
		t.Errorf("transport released %d times, want 1", n)
	}
}

func TestUpgradeFailureRejectsClassified(t *testing.T) {
	h := newTestHarness()
	rec := &eventRecorder{}
	rec.subscribe(h.router, "s1")

	eng, ch := runSession(t, h, "s1")

	eng.emitEvent(EngineEvent{Type: EventStateChanged, State: StateUpload})
	eng.emitEvent(EngineEvent{Type: EventFailed, State: StateUpload, Cause: mcuerr.ErrDisconnected})

	err := waitResult(t, ch)
	if !mcuerr.IsKind(err, mcuerr.KindDeviceDisconnected) {
		t.Errorf("kind = %s, want %s", mcuerr.KindOf(err), mcuerr.KindDeviceDisconnected)
	}
	if n := h.transports.transport(0).releaseCount(); n != 1 {
		t.Errorf("transport released %d times, want 1", n)
	}

	// A stray late progress callback must be dropped: the terminal callback
	// is the last event observed for the session.
	before, _ := rec.snapshot()
	eng.emitEvent(EngineEvent{Type: EventProgress, BytesSent: 99, TotalSize: 100})
	eng.emitEvent(EngineEvent{Type: EventStateChanged, State: StateReset})
	after, statesAfter := rec.snapshot()
	if len(after) != len(before) {
		t.Errorf("late progress delivered after terminal state: %v", after)
	}
	for _, s := range statesAfter {
		if s == "RESET" {
			t.Error("late state event delivered after terminal state")
		}
	}
}

func TestCancelBeatsRacingCompletion(t *testing.T) {
	h := newTestHarness()
	eng, ch := runSession(t, h, "s1")

	h.registry.Cancel("s1")
	// Engine races in with a completion after the cancel won.
	eng.emitEvent(EngineEvent{Type: EventCompleted})

	err := waitResult(t, ch)
	if !mcuerr.IsKind(err, mcuerr.KindCancelled) {
		t.Errorf("kind = %s, want %s", mcuerr.KindOf(err), mcuerr.KindCancelled)
	}
	if eng.cancelCount() != 1 {
		t.Errorf("engine cancelled %d times, want 1", eng.cancelCount())
	}
	if st := h.registry.lookup("s1").State(); st != SessionCancelled {
		t.Errorf("state = %s, want cancelled", st)
	}
}

func TestCompletionBeatsRacingCancel(t *testing.T) {
	h := newTestHarness()
	eng, ch := runSession(t, h, "s1")

	eng.emitEvent(EngineEvent{Type: EventCompleted})
	h.registry.Cancel("s1")

	if err := waitResult(t, ch); err != nil {
		t.Errorf("result = %v, want nil (completion won the race)", err)
	}
	if st := h.registry.lookup("s1").State(); st != SessionSucceeded {
		t.Errorf("state = %s, want succeeded", st)
	}
}

func TestProgressDeduplication(t *testing.T) {
	h := newTestHarness()
	rec := &eventRecorder{}
	rec.subscribe(h.router, "s1")

	eng, _ := runSession(t, h, "s1")

	// floor(10/100)=10 twice, then 15, then 100.
	eng.emitEvent(EngineEvent{Type: EventProgress, BytesSent: 10, TotalSize: 100})
	eng.emitEvent(EngineEvent{Type: EventProgress, BytesSent: 10, TotalSize: 100})
	eng.emitEvent(EngineEvent{Type: EventProgress, BytesSent: 15, TotalSize: 100})
	eng.emitEvent(EngineEvent{Type: EventProgress, BytesSent: 100, TotalSize: 100})

	progress, _ := rec.snapshot()
	want := []int{10, 15, 100}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Errorf("progress[%d] = %d, want %d", i, progress[i], want[i])
		}
	}
}

func TestProgressZeroTotalSize(t *testing.T) {
	h := newTestHarness()
	rec := &eventRecorder{}
	rec.subscribe(h.router, "s1")

	eng, _ := runSession(t, h, "s1")

	// Must not divide by zero; treated as 0%.
	eng.emitEvent(EngineEvent{Type: EventProgress, BytesSent: 5, TotalSize: 0})
	eng.emitEvent(EngineEvent{Type: EventProgress, BytesSent: 7, TotalSize: 0})

	progress, _ := rec.snapshot()
	if len(progress) != 1 || progress[0] != 0 {
		t.Errorf("progress = %v, want [0]", progress)
	}
}

func TestImageResolutionFailure(t *testing.T) {
	h := newTestHarness()
	err := h.registry.Create(context.Background(), "s1", "AA:BB:CC:DD:EE:FF",
		"/nonexistent/fw.bin", DefaultOptions())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	ch, err := h.registry.Run("s1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got := waitResult(t, ch)
	if !mcuerr.IsKind(got, mcuerr.KindImageResolution) {
		t.Errorf("kind = %s, want %s", mcuerr.KindOf(got), mcuerr.KindImageResolution)
	}

	// The engine must never have started, and the transport must still be
	// released.
	eng := h.engines.engine(0)
	select {
	case <-eng.started:
		t.Error("engine started despite image resolution failure")
	default:
	}
	if n := h.transports.transport(0).releaseCount(); n != 1 {
		t.Errorf("transport released %d times, want 1", n)
	}
}

func TestRunTwiceRejectsSecondCaller(t *testing.T) {
	h := newTestHarness()
	eng, first := runSession(t, h, "s1")

	second, err := h.registry.Run("s1")
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	got := waitResult(t, second)
	if !mcuerr.IsKind(got, mcuerr.KindSessionAlreadyRunning) {
		t.Errorf("kind = %s, want %s", mcuerr.KindOf(got), mcuerr.KindSessionAlreadyRunning)
	}

	// The first caller's pending result is untouched.
	eng.emitEvent(EngineEvent{Type: EventCompleted})
	if err := waitResult(t, first); err != nil {
		t.Errorf("first caller's result = %v, want nil", err)
	}
}

func TestUnknownModeFallsBackToTestAndConfirm(t *testing.T) {
	h := newTestHarness()
	opts := DefaultOptions()
	opts.Mode = Mode(99)

	err := h.registry.Create(context.Background(), "s1", "AA:BB:CC:DD:EE:FF", writeTestImage(t), opts)
	if err != nil {
		t.Fatalf("Create() with mode 99 error = %v, want lenient fallback", err)
	}
	if _, err := h.registry.Run("s1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	eng := h.engines.engine(0)
	eng.waitStarted(t)

	if got := eng.config().Mode; got != ModeTestAndConfirm {
		t.Errorf("engine mode = %s, want %s", got, ModeTestAndConfirm)
	}
}

func TestEngineOptionsForwarded(t *testing.T) {
	h := newTestHarness()
	opts := Options{
		EstimatedSwapTime: 60,
		Mode:              ModeConfirmOnly,
		EraseAppSettings:  true,
		WindowCapacity:    4,
	}

	if err := h.registry.Create(context.Background(), "s1", "AA:BB:CC:DD:EE:FF", writeTestImage(t), opts); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := h.registry.Run("s1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	eng := h.engines.engine(0)
	eng.waitStarted(t)

	cfg := eng.config()
	if cfg.EstimatedSwapTime != 60*time.Second {
		t.Errorf("EstimatedSwapTime = %v, want 60s", cfg.EstimatedSwapTime)
	}
	if cfg.Mode != ModeConfirmOnly {
		t.Errorf("Mode = %s, want %s", cfg.Mode, ModeConfirmOnly)
	}
	if !cfg.EraseAppSettings {
		t.Error("EraseAppSettings not forwarded")
	}
	if cfg.WindowCapacity != 4 {
		t.Errorf("WindowCapacity = %d, want 4", cfg.WindowCapacity)
	}
}

// The one genuine data race in a naive implementation: many goroutines
// racing terminal callbacks against a caller cancel. Exactly one terminal
// outcome must win, with exactly one transport release.
func TestTerminalExactlyOnceUnderConcurrentDelivery(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newTestHarness()
		eng, ch := runSession(t, h, "s1")

		terminal := []EngineEvent{
			{Type: EventCompleted},
			{Type: EventFailed, State: StateUpload, Cause: mcuerr.ErrDisconnected},
			{Type: EventCancelled, State: StateUpload},
		}

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			ev := terminal[rand.Intn(len(terminal))]
			go func() {
				defer wg.Done()
				eng.emitEvent(ev)
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.registry.Cancel("s1")
		}()
		wg.Wait()

		// Exactly one terminal result.
		waitResult(t, ch)
		select {
		case err := <-ch:
			t.Fatalf("round %d: second terminal result delivered: %v", round, err)
		case <-time.After(20 * time.Millisecond):
		}

		if n := h.transports.transport(0).releaseCount(); n != 1 {
			t.Errorf("round %d: transport released %d times, want 1", round, n)
		}

		st := h.registry.lookup("s1").State()
		if st != SessionSucceeded && st != SessionFailed && st != SessionCancelled {
			t.Errorf("round %d: non-terminal final state %s", round, st)
		}
	}
}

func TestNormalizeState(t *testing.T) {
	cases := map[string]State{
		"upload":                     StateUpload,
		"SUCCESS":                    StateSuccess,
		"requestMcuMgrParameters":    StateUnknown,
		"REQUEST_MCU_MGR_PARAMETERS": StateUnknown,
		"":                           StateUnknown,
	}
	for in, want := range cases {
		if got := NormalizeState(in); got != want {
			t.Errorf("NormalizeState(%q) = %s, want %s", in, got, want)
		}
	}
}
