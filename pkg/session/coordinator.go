package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/lithammer/shortuuid/v4"

	"github.com/cloudgroundcontrol/meet-recorder/pkg/browser"
	"github.com/cloudgroundcontrol/meet-recorder/pkg/capture"
	"github.com/cloudgroundcontrol/meet-recorder/pkg/device"
	"github.com/cloudgroundcontrol/meet-recorder/pkg/upload"
)

// Service is the control surface consumed by the API adapter.
type Service interface {
	Start(ctx context.Context, meetingURL string, cfg Config) (string, error)
	Stop(ctx context.Context, id string) (Snapshot, error)
	Status(id string) (Snapshot, error)
}

const sessionPrefix = "MS_"

// Coordinator sequences the browser driver and the capture manager through
// join, recording and teardown for at most one active session. All state
// transitions are serialized on its mutex; subsystem failures are translated
// into a session state change and never propagate further.
type Coordinator struct {
	driver  browser.Driver
	manager capture.Manager
	devices device.Devices

	mu       sync.Mutex
	sess     *Session
	uploader upload.Uploader
	webhooks []string

	joinCancel    context.CancelFunc
	pollCancel    context.CancelFunc
	pollDone      chan struct{}
	browserHandle *browser.Handle
	captureHandle *capture.Handle
}

func NewCoordinator(driver browser.Driver, manager capture.Manager, devices device.Devices) *Coordinator {
	return &Coordinator{
		driver:  driver,
		manager: manager,
		devices: devices,
	}
}

func (c *Coordinator) SetUploader(uploader upload.Uploader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploader = uploader
}

func (c *Coordinator) SetWebhooks(urls []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.webhooks = urls
}

// Start creates a new session and begins the join sequence in the background.
// It fails with ErrAlreadyActive while a non-terminal session exists.
func (c *Coordinator) Start(ctx context.Context, meetingURL string, cfg Config) (string, error) {
	if meetingURL == "" {
		return "", ErrEmptyMeetingURL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil && !c.sess.State.Terminal() {
		return "", ErrAlreadyActive
	}

	cfg = cfg.withDefaults()
	if cfg.Capture.Display == "" {
		cfg.Capture.Display = c.devices.Display
	}
	if cfg.Capture.AudioSource == "" {
		cfg.Capture.AudioSource = c.devices.AudioSource
	}
	id := sessionPrefix + shortuuid.New()
	now := time.Now()

	filename, err := MediaFilename(id, now)
	if err != nil {
		return "", err
	}

	sess := &Session{
		ID:         id,
		MeetingURL: meetingURL,
		State:      StateJoining,
		StartedAt:  now,
		OutputPath: filepath.Join(c.devices.OutputDir, filename),
	}

	// Background context: the session outlives the start request
	runCtx, cancel := context.WithCancel(context.Background())
	c.sess = sess
	c.joinCancel = cancel
	c.pollCancel = nil
	c.pollDone = nil
	c.browserHandle = nil
	c.captureHandle = nil

	go c.run(runCtx, sess, meetingURL, cfg)

	log.Infof("session started | session: %s, url: %s", id, meetingURL)
	return id, nil
}

// run drives one session from join to the start of the liveness poll. Each
// transition is committed under the mutex and re-checks the state it leaves
// from, so an intervening stop wins and run backs out.
func (c *Coordinator) run(ctx context.Context, sess *Session, meetingURL string, cfg Config) {
	joinCtx, cancel := context.WithTimeout(ctx, cfg.JoinTimeout)
	h, err := c.driver.Join(joinCtx, meetingURL)
	cancel()
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			// stop() already finalized the session as cancelled
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = browser.ErrJoinTimeout
		}
		c.fail(sess, err)
		return
	}

	c.mu.Lock()
	if sess.State != StateJoining {
		c.mu.Unlock()
		_ = c.driver.Leave(context.Background(), h)
		return
	}
	c.browserHandle = h
	sess.State = StateWaitingForConfirmation
	c.mu.Unlock()
	log.Debugf("join succeeded, holding for confirmation | session: %s", sess.ID)

	select {
	case <-ctx.Done():
		c.dropBrowserHandle()
		_ = c.driver.Leave(context.Background(), h)
		return
	case <-time.After(cfg.ConfirmationGrace):
	}

	// A session that bounced straight back (waiting room rejection, meeting
	// over) must not start capture
	if lv := c.driver.PollLiveness(ctx, h); lv == browser.LivenessEnded || lv == browser.LivenessRemoved {
		c.dropBrowserHandle()
		_ = c.driver.Leave(context.Background(), h)
		c.fail(sess, browser.ErrDeniedEntry)
		return
	}

	c.mu.Lock()
	if sess.State != StateWaitingForConfirmation {
		c.mu.Unlock()
		_ = c.driver.Leave(context.Background(), h)
		return
	}
	sess.State = StateRecording
	c.mu.Unlock()

	ch, err := c.manager.StartCapture(ctx, sess.OutputPath, cfg.Capture)
	if err != nil {
		// Stop the side that succeeded before reporting the failure
		c.dropBrowserHandle()
		_ = c.driver.Leave(context.Background(), h)
		c.fail(sess, err)
		return
	}

	c.mu.Lock()
	if sess.State != StateRecording {
		// A stop won the race and never saw this handle; close it here
		c.mu.Unlock()
		_ = c.manager.StopCapture(context.Background(), ch)
		return
	}
	c.captureHandle = ch
	sess.CaptureStarted = true
	pollCtx, pollCancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.pollCancel = pollCancel
	c.pollDone = done
	c.mu.Unlock()

	log.Infof("recording | session: %s, output: %s, capture pid: %d", sess.ID, sess.OutputPath, ch.PID())
	c.pollLiveness(pollCtx, sess, h, done, cfg.PollInterval)
}

// pollLiveness is the cancellable periodic task owned by the coordinator. It
// always closes done before initiating a teardown, so a concurrent external
// stop can join it without deadlocking.
func (c *Coordinator) pollLiveness(ctx context.Context, sess *Session, h *browser.Handle, done chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(done)
			return
		case <-ticker.C:
			switch c.driver.PollLiveness(ctx, h) {
			case browser.LivenessEnded:
				log.Infof("meeting ended | session: %s", sess.ID)
				close(done)
				c.teardown(sess, "meeting ended")
				return
			case browser.LivenessRemoved:
				log.Infof("removed from meeting | session: %s", sess.ID)
				close(done)
				c.teardown(sess, "removed from meeting")
				return
			case browser.LivenessUnknown:
				log.Debugf("liveness unknown | session: %s", sess.ID)
			}
		}
	}
}

// Stop ends the active session. During join it cancels the pending attempt;
// during recording it runs the ordered teardown. A stop racing an
// internally-initiated one observes the in-progress state instead of tearing
// down twice.
func (c *Coordinator) Stop(ctx context.Context, id string) (Snapshot, error) {
	c.mu.Lock()
	if c.sess == nil || c.sess.ID != id {
		c.mu.Unlock()
		return Snapshot{}, ErrNotFound
	}
	sess := c.sess

	switch sess.State {
	case StateCompleted, StateFailed:
		c.mu.Unlock()
		return Snapshot{}, ErrNotActive

	case StateJoining, StateWaitingForConfirmation:
		// No capture exists yet; cancel the join and let run release any
		// browser handle it may still acquire
		if c.joinCancel != nil {
			c.joinCancel()
		}
		sess.State = StateFailed
		sess.LastErr = ErrCancelledDuringJoin
		sess.EndedAt = time.Now()
		c.browserHandle = nil
		snap := sess.snapshot()
		c.mu.Unlock()
		log.Infof("session cancelled during join | session: %s", sess.ID)
		c.finalize(snap)
		return snap, nil

	case StateStopping:
		snap := sess.snapshot()
		c.mu.Unlock()
		return snap, nil
	}

	c.mu.Unlock()
	return c.teardown(sess, "external stop"), nil
}

// Status returns a side-effect-free snapshot of the session.
func (c *Coordinator) Status(id string) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.sess.ID != id {
		return Snapshot{}, ErrNotFound
	}
	return c.sess.snapshot(), nil
}

// teardown runs the ordered shutdown: capture first so the output file is
// flushed and closed, then the browser. Both steps run even if one fails.
// Entering it from any state but recording is an observation, not a second
// teardown.
func (c *Coordinator) teardown(sess *Session, trigger string) Snapshot {
	c.mu.Lock()
	if sess.State != StateRecording {
		snap := sess.snapshot()
		c.mu.Unlock()
		return snap
	}
	sess.State = StateStopping
	log.Infof("stopping session | session: %s, trigger: %s", sess.ID, trigger)

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		// The poll task closes done before it would ever take this mutex
		<-c.pollDone
	}

	ch := c.captureHandle
	bh := c.browserHandle
	c.captureHandle = nil
	c.browserHandle = nil

	captureErr := c.manager.StopCapture(context.Background(), ch)
	if captureErr != nil {
		log.Errorf("capture stop failed | session: %s, error: %v", sess.ID, captureErr)
	}
	leaveErr := c.driver.Leave(context.Background(), bh)
	if leaveErr != nil {
		log.Errorf("browser leave failed | session: %s, error: %v", sess.ID, leaveErr)
	}

	sess.EndedAt = time.Now()
	if captureErr != nil || leaveErr != nil {
		sess.State = StateFailed
		sess.LastErr = ErrTeardownPartial
	} else {
		sess.State = StateCompleted
		log.Infof("session completed | session: %s, output: %s", sess.ID, sess.OutputPath)
	}
	if c.joinCancel != nil {
		c.joinCancel()
	}
	snap := sess.snapshot()
	c.mu.Unlock()

	c.finalize(snap)
	return snap
}

// fail marks the session terminal with the given cause. Safe to race with
// stop: the first finalizer wins.
func (c *Coordinator) fail(sess *Session, cause error) {
	c.mu.Lock()
	if sess.State.Terminal() {
		c.mu.Unlock()
		return
	}
	sess.State = StateFailed
	sess.LastErr = cause
	sess.EndedAt = time.Now()
	c.browserHandle = nil
	c.captureHandle = nil
	if c.joinCancel != nil {
		c.joinCancel()
	}
	snap := sess.snapshot()
	c.mu.Unlock()

	log.Errorf("session failed | session: %s, error: %v", sess.ID, cause)
	c.finalize(snap)
}

func (c *Coordinator) dropBrowserHandle() {
	c.mu.Lock()
	c.browserHandle = nil
	c.mu.Unlock()
}

// finalize reports a terminal session to the configured webhooks and hands
// the finished recording to the uploader.
func (c *Coordinator) finalize(snap Snapshot) {
	if !snap.State.Terminal() {
		return
	}
	c.mu.Lock()
	hooks := c.webhooks
	uploader := c.uploader
	c.mu.Unlock()

	c.notifyWebhooks(hooks, snap)
	if snap.State == StateCompleted && uploader != nil && snap.OutputPath != "" {
		go c.uploadRecording(uploader, snap)
	}
}

func (c *Coordinator) notifyWebhooks(hooks []string, snap Snapshot) {
	if len(hooks) == 0 {
		return
	}
	body, err := json.Marshal(snap)
	if err != nil {
		log.Errorf("error marshalling webhook payload | error: %v, session: %s", err, snap.ID)
		return
	}

	client := http.Client{Timeout: 5 * time.Second}
	for _, hook := range hooks {
		go func(url string) {
			_, err := client.Post(url, "application/json", bytes.NewReader(body))
			if err != nil {
				log.Errorf("error reaching webhook | error: %v, url: %s", err, url)
				return
			}
			log.Infof("sent webhook data | url: %s, session: %s", url, snap.ID)
		}(hook)
	}
}

func (c *Coordinator) uploadRecording(uploader upload.Uploader, snap Snapshot) {
	f, err := os.Open(snap.OutputPath)
	if err != nil {
		log.Errorf("cannot open recording for upload | error: %v, path: %s", err, snap.OutputPath)
		return
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err = uploader.Upload(ctx, filepath.Base(snap.OutputPath), f); err != nil {
		log.Errorf("upload failed | error: %v, path: %s", err, snap.OutputPath)
		return
	}
	log.Infof("recording uploaded | path: %s", snap.OutputPath)
}
