package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudgroundcontrol/meet-recorder/pkg/browser"
	"github.com/cloudgroundcontrol/meet-recorder/pkg/capture"
	"github.com/cloudgroundcontrol/meet-recorder/pkg/device"
)

// fakeDriver simulates the browser session driver deterministically.
type fakeDriver struct {
	mu         sync.Mutex
	joinErr    error
	blockJoin  bool
	liveness   browser.Liveness
	leaveErr   error
	joinCalls  int
	leaveCalls int
	onLeave    func()
}

func (d *fakeDriver) Join(ctx context.Context, meetingURL string) (*browser.Handle, error) {
	d.mu.Lock()
	d.joinCalls++
	block := d.blockJoin
	err := d.joinErr
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &browser.Handle{}, nil
}

func (d *fakeDriver) PollLiveness(ctx context.Context, h *browser.Handle) browser.Liveness {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.liveness == "" {
		return browser.LivenessActive
	}
	return d.liveness
}

func (d *fakeDriver) Leave(ctx context.Context, h *browser.Handle) error {
	d.mu.Lock()
	d.leaveCalls++
	hook := d.onLeave
	err := d.leaveErr
	d.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (d *fakeDriver) setLiveness(lv browser.Liveness) {
	d.mu.Lock()
	d.liveness = lv
	d.mu.Unlock()
}

func (d *fakeDriver) leaves() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leaveCalls
}

// fakeManager simulates the capture process manager.
type fakeManager struct {
	mu         sync.Mutex
	startErr   error
	stopErr    error
	startCalls int
	stopCalls  int
	lastOutput string
}

func (m *fakeManager) StartCapture(ctx context.Context, outputPath string, cfg capture.Config) (*capture.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls++
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.lastOutput = outputPath
	return &capture.Handle{}, nil
}

func (m *fakeManager) StopCapture(ctx context.Context, h *capture.Handle) error {
	if h == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls++
	return m.stopErr
}

func (m *fakeManager) starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCalls
}

func (m *fakeManager) stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCalls
}

func testCoordinator(t *testing.T, d *fakeDriver, m *fakeManager) *Coordinator {
	t.Helper()
	return NewCoordinator(d, m, device.Devices{
		Display:     ":99",
		AudioSource: "default",
		OutputDir:   t.TempDir(),
	})
}

func testConfig() Config {
	return Config{
		JoinTimeout:       200 * time.Millisecond,
		ConfirmationGrace: 10 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
	}
}

const testMeetingURL = "https://meet.example/abc-defg-hij"

func waitForState(t *testing.T, c *Coordinator, id string, want State) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		s, err := c.Status(id)
		if err != nil {
			return false
		}
		snap = s
		if want == StateRecording {
			// Recording is only settled once the capture handle is bound
			return s.State == want && s.OutputPath != ""
		}
		return s.State == want
	}, 2*time.Second, 5*time.Millisecond, "session never reached %s (last: %s)", want, snap.State)
	return snap
}

func TestStartReachesRecording(t *testing.T) {
	d := &fakeDriver{}
	m := &fakeManager{}
	c := testCoordinator(t, d, m)

	id, err := c.Start(context.Background(), testMeetingURL, testConfig())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	snap := waitForState(t, c, id, StateRecording)
	require.Equal(t, 1, m.starts())
	require.NotEmpty(t, snap.OutputPath)
	require.Empty(t, snap.LastError)
}

func TestStartFailsWhileActive(t *testing.T) {
	d := &fakeDriver{}
	m := &fakeManager{}
	c := testCoordinator(t, d, m)

	id, err := c.Start(context.Background(), testMeetingURL, testConfig())
	require.NoError(t, err)
	waitForState(t, c, id, StateRecording)

	_, err = c.Start(context.Background(), testMeetingURL, testConfig())
	require.ErrorIs(t, err, ErrAlreadyActive)

	// The active session is unaffected
	snap, err := c.Status(id)
	require.NoError(t, err)
	require.Equal(t, StateRecording, snap.State)
}

func TestStartFailsOnEmptyURL(t *testing.T) {
	c := testCoordinator(t, &fakeDriver{}, &fakeManager{})
	_, err := c.Start(context.Background(), "", testConfig())
	require.ErrorIs(t, err, ErrEmptyMeetingURL)
}

func TestStartAllowedAfterTerminalSession(t *testing.T) {
	d := &fakeDriver{}
	m := &fakeManager{}
	c := testCoordinator(t, d, m)

	id, err := c.Start(context.Background(), testMeetingURL, testConfig())
	require.NoError(t, err)
	waitForState(t, c, id, StateRecording)

	_, err = c.Stop(context.Background(), id)
	require.NoError(t, err)

	id2, err := c.Start(context.Background(), testMeetingURL, testConfig())
	require.NoError(t, err)
	require.NotEqual(t, id, id2)
	waitForState(t, c, id2, StateRecording)
}

func TestJoinFailureNeverStartsCapture(t *testing.T) {
	d := &fakeDriver{joinErr: browser.ErrDeniedEntry}
	m := &fakeManager{}
	c := testCoordinator(t, d, m)

	id, err := c.Start(context.Background(), testMeetingURL, testConfig())
	require.NoError(t, err)

	snap := waitForState(t, c, id, StateFailed)
	require.Equal(t, browser.ErrDeniedEntry.Error(), snap.LastError)
	require.Zero(t, m.starts())
	require.Empty(t, snap.OutputPath)
}

func TestJoinTimeout(t *testing.T) {
	d := &fakeDriver{blockJoin: true}
	m := &fakeManager{}
	c := testCoordinator(t, d, m)

	cfg := testConfig()
	cfg.JoinTimeout = 50 * time.Millisecond
	id, err := c.Start(context.Background(), testMeetingURL, cfg)
	require.NoError(t, err)

	snap := waitForState(t, c, id, StateFailed)
	require.Equal(t, browser.ErrJoinTimeout.Error(), snap.LastError)
	require.Zero(t, m.starts())
}

func TestBounceDuringConfirmationLeavesBrowser(t *testing.T) {
	d := &fakeDriver{liveness: browser.LivenessEnded}
	m := &fakeManager{}
	c := testCoordinator(t, d, m)

	id, err := c.Start(context.Background(), testMeetingURL, testConfig())
	require.NoError(t, err)

	snap := waitForState(t, c, id, StateFailed)
	require.Equal(t, browser.ErrDeniedEntry.Error(), snap.LastError)
	require.Zero(t, m.starts())
	require.Equal(t, 1, d.leaves())
}

func TestCaptureFailureLeavesBrowserFirst(t *testing.T) {
	d := &fakeDriver{}
	m := &fakeManager{startErr: capture.ErrDeviceUnavailable}
	c := testCoordinator(t, d, m)

	// The browser must be released before the session goes terminal
	var mu sync.Mutex
	var id string
	var leftBeforeTerminal bool
	d.onLeave = func() {
		mu.Lock()
		defer mu.Unlock()
		snap, err := c.Status(id)
		leftBeforeTerminal = err == nil && !snap.State.Terminal()
	}

	mu.Lock()
	started, err := c.Start(context.Background(), testMeetingURL, testConfig())
	id = started
	mu.Unlock()
	require.NoError(t, err)

	snap := waitForState(t, c, started, StateFailed)
	require.Equal(t, capture.ErrDeviceUnavailable.Error(), snap.LastError)
	require.Equal(t, 1, d.leaves())

	mu.Lock()
	defer mu.Unlock()
	require.True(t, leftBeforeTerminal)
}

func TestExternalStopCompletes(t *testing.T) {
	d := &fakeDriver{}
	m := &fakeManager{}
	c := testCoordinator(t, d, m)

	id, err := c.Start(context.Background(), testMeetingURL, testConfig())
	require.NoError(t, err)
	waitForState(t, c, id, StateRecording)

	snap, err := c.Stop(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, snap.State)
	require.NotEmpty(t, snap.OutputPath)
	require.Equal(t, 1, m.stops())
	require.Equal(t, 1, d.leaves())
}

func TestInternalStopOnRemoved(t *testing.T) {
	d := &fakeDriver{}
	m := &fakeManager{}
	c := testCoordinator(t, d, m)

	id, err := c.Start(context.Background(), testMeetingURL, testConfig())
	require.NoError(t, err)
	waitForState(t, c, id, StateRecording)

	d.setLiveness(browser.LivenessRemoved)

	// The coordinator tears down on its own, no external stop involved
	snap := waitForState(t, c, id, StateCompleted)
	require.NotEmpty(t, snap.OutputPath)
	require.Equal(t, 1, m.stops())
	require.Equal(t, 1, d.leaves())
}

func TestInternalStopOnMeetingEnded(t *testing.T) {
	d := &fakeDriver{}
	m := &fakeManager{}
	c := testCoordinator(t, d, m)

	id, err := c.Start(context.Background(), testMeetingURL, testConfig())
	require.NoError(t, err)
	waitForState(t, c, id, StateRecording)

	d.setLiveness(browser.LivenessEnded)
	waitForState(t, c, id, StateCompleted)
}

func TestStopUnknownIDLeavesActiveSessionAlone(t *testing.T) {
	d := &fakeDriver{}
	m := &fakeManager{}
	c := testCoordinator(t, d, m)

	id, err := c.Start(context.Background(), testMeetingURL, testConfig())
	require.NoError(t, err)
	waitForState(t, c, id, StateRecording)

	_, err = c.Stop(context.Background(), "MS_unknown")
	require.ErrorIs(t, err, ErrNotFound)

	snap, err := c.Status(id)
	require.NoError(t, err)
	require.Equal(t, StateRecording, snap.State)
	require.Zero(t, m.stops())
}

func TestStopTerminalSessionFailsNotActive(t *testing.T) {
	d := &fakeDriver{}
	m := &fakeManager{}
	c := testCoordinator(t, d, m)

	id, err := c.Start(context.Background(), testMeetingURL, testConfig())
	require.NoError(t, err)
	waitForState(t, c, id, StateRecording)

	_, err = c.Stop(context.Background(), id)
	require.NoError(t, err)

	_, err = c.Stop(context.Background(), id)
	require.ErrorIs(t, err, ErrNotActive)
}

func TestStopWithoutAnySession(t *testing.T) {
	c := testCoordinator(t, &fakeDriver{}, &fakeManager{})
	_, err := c.Stop(context.Background(), "MS_nothing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStatusUnknownID(t *testing.T) {
	c := testCoordinator(t, &fakeDriver{}, &fakeManager{})
	_, err := c.Status("MS_nothing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCancelDuringJoin(t *testing.T) {
	d := &fakeDriver{blockJoin: true}
	m := &fakeManager{}
	c := testCoordinator(t, d, m)

	cfg := testConfig()
	cfg.JoinTimeout = 5 * time.Second
	id, err := c.Start(context.Background(), testMeetingURL, cfg)
	require.NoError(t, err)

	snap, err := c.Status(id)
	require.NoError(t, err)
	require.Equal(t, StateJoining, snap.State)

	snap, err = c.Stop(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StateFailed, snap.State)
	require.Equal(t, ErrCancelledDuringJoin.Error(), snap.LastError)

	// Capture and leave never ran; the join never produced a handle
	require.Zero(t, m.starts())
	require.Zero(t, m.stops())
}

func TestTeardownPartialStillTerminal(t *testing.T) {
	d := &fakeDriver{}
	m := &fakeManager{stopErr: capture.ErrFlushTimeout}
	c := testCoordinator(t, d, m)

	id, err := c.Start(context.Background(), testMeetingURL, testConfig())
	require.NoError(t, err)
	waitForState(t, c, id, StateRecording)

	snap, err := c.Stop(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StateFailed, snap.State)
	require.Equal(t, ErrTeardownPartial.Error(), snap.LastError)

	// Both cleanup steps ran despite the capture failure
	require.Equal(t, 1, m.stops())
	require.Equal(t, 1, d.leaves())
	// The partial recording is still reported, not silently lost
	require.NotEmpty(t, snap.OutputPath)
}

func TestLeaveFailureDuringTeardownStillStopsCapture(t *testing.T) {
	d := &fakeDriver{leaveErr: errors.New("browser crashed")}
	m := &fakeManager{}
	c := testCoordinator(t, d, m)

	id, err := c.Start(context.Background(), testMeetingURL, testConfig())
	require.NoError(t, err)
	waitForState(t, c, id, StateRecording)

	snap, err := c.Stop(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StateFailed, snap.State)
	require.Equal(t, ErrTeardownPartial.Error(), snap.LastError)
	require.Equal(t, 1, m.stops())
}

func TestConcurrentStopsRunSingleTeardown(t *testing.T) {
	d := &fakeDriver{}
	m := &fakeManager{}
	c := testCoordinator(t, d, m)

	id, err := c.Start(context.Background(), testMeetingURL, testConfig())
	require.NoError(t, err)
	waitForState(t, c, id, StateRecording)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Losers observe the in-progress or terminal state
			_, _ = c.Stop(context.Background(), id)
		}()
	}
	wg.Wait()

	snap, err := c.Status(id)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, snap.State)
	require.Equal(t, 1, m.stops())
	require.Equal(t, 1, d.leaves())
}

func TestExternalStopRacingInternalStop(t *testing.T) {
	d := &fakeDriver{}
	m := &fakeManager{}
	c := testCoordinator(t, d, m)

	id, err := c.Start(context.Background(), testMeetingURL, testConfig())
	require.NoError(t, err)
	waitForState(t, c, id, StateRecording)

	d.setLiveness(browser.LivenessEnded)
	_, _ = c.Stop(context.Background(), id)

	snap := waitForState(t, c, id, StateCompleted)
	require.Equal(t, StateCompleted, snap.State)
	require.Equal(t, 1, m.stops())
	require.Equal(t, 1, d.leaves())
}

func TestElapsedFrozenAfterTerminal(t *testing.T) {
	d := &fakeDriver{}
	m := &fakeManager{}
	c := testCoordinator(t, d, m)

	id, err := c.Start(context.Background(), testMeetingURL, testConfig())
	require.NoError(t, err)
	waitForState(t, c, id, StateRecording)

	snap, err := c.Stop(context.Background(), id)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	later, err := c.Status(id)
	require.NoError(t, err)
	require.Equal(t, snap.Elapsed, later.Elapsed)
}
