package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/labstack/gommon/log"
)

// Driver joins a meeting in a browser bound to the virtual display and
// reports on its liveness until the coordinator asks it to leave.
type Driver interface {
	Join(ctx context.Context, meetingURL string) (*Handle, error)
	PollLiveness(ctx context.Context, h *Handle) Liveness
	Leave(ctx context.Context, h *Handle) error
}

var ErrNavigation = errors.New("navigation error")
var ErrJoinTimeout = errors.New("join timeout")
var ErrDeniedEntry = errors.New("denied entry")

// Handle is the live browser context for one joined meeting. It exists only
// between a successful Join and Leave.
type Handle struct {
	mu         sync.Mutex
	browser    *rod.Browser
	page       *rod.Page
	launcher   *launcher.Launcher
	joinedAt   time.Time
	emptySince time.Time
	released   bool
}

func (h *Handle) JoinedAt() time.Time {
	return h.joinedAt
}

type Config struct {
	// Display is the X display the browser renders to, e.g. ":99".
	Display string

	// BotName is filled into the guest name input when the lobby asks for one.
	BotName string

	// EmptyMeetingGrace is how long the bot stays in a meeting where it is
	// the only participant before reporting the meeting as ended.
	EmptyMeetingGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.BotName == "" {
		c.BotName = "Recording Bot"
	}
	if c.EmptyMeetingGrace == 0 {
		c.EmptyMeetingGrace = 2 * time.Minute
	}
	return c
}

type meetDriver struct {
	cfg Config
}

func NewMeetDriver(cfg Config) Driver {
	return &meetDriver{cfg: cfg.withDefaults()}
}

func (d *meetDriver) Join(ctx context.Context, meetingURL string) (*Handle, error) {
	u, err := url.Parse(meetingURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: invalid meeting url %q", ErrNavigation, meetingURL)
	}

	l := launcher.New().
		Headless(false).
		Set("disable-blink-features", "AutomationControlled").
		Set("use-fake-ui-for-media-stream").
		Set("disable-notifications").
		Set("no-default-browser-check").
		Set("disable-gpu").
		Set("no-sandbox").
		Set("disable-dev-shm-usage").
		Env(append(os.Environ(), "DISPLAY="+d.cfg.Display)...)

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("%w: launch browser: %v", ErrNavigation, err)
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err = b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("%w: connect browser: %v", ErrNavigation, err)
	}

	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = b.Close()
		l.Kill()
		return nil, fmt.Errorf("%w: open page: %v", ErrNavigation, err)
	}
	page = page.Context(ctx)

	if err = d.joinSequence(ctx, page, meetingURL); err != nil {
		_ = page.Close()
		_ = b.Close()
		l.Kill()
		return nil, err
	}

	log.Infof("joined meeting | url: %s", meetingURL)
	return &Handle{
		browser:  b,
		page:     page,
		launcher: l,
		joinedAt: time.Now(),
	}, nil
}

func (d *meetDriver) joinSequence(ctx context.Context, page *rod.Page, meetingURL string) error {
	if err := page.Navigate(meetingURL); err != nil {
		return fmt.Errorf("%w: %v", ErrNavigation, err)
	}
	if err := page.WaitLoad(); err != nil {
		return d.joinFailure(ctx, page, err)
	}

	// Lobby shows either the mic controls (signed-in) or a guest name input
	if _, err := page.Element(selLobby); err != nil {
		return d.joinFailure(ctx, page, err)
	}

	d.dismissPermissionsPopup(page)
	d.muteDevice(page, selMicButton, "microphone")
	d.muteDevice(page, selCamButton, "camera")
	d.enterGuestName(page)

	if err := d.clickJoin(page); err != nil {
		return d.joinFailure(ctx, page, err)
	}

	// Entry is confirmed once the in-call controls render
	if _, err := page.Element(selLeaveButton); err != nil {
		return d.joinFailure(ctx, page, err)
	}
	return nil
}

func (d *meetDriver) dismissPermissionsPopup(page *rod.Page) {
	ok, el, err := page.HasR("button", reDismissPermissions)
	if err != nil || !ok {
		return
	}
	if err = el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		log.Warnf("cannot dismiss permissions popup | error: %v", err)
	}
}

// muteDevice clicks the toggle only when its aria-label says the device is
// currently on.
func (d *meetDriver) muteDevice(page *rod.Page, selector string, name string) {
	ok, el, err := page.Has(selector)
	if err != nil || !ok {
		log.Warnf("%s toggle not found | error: %v", name, err)
		return
	}
	label, err := el.Attribute("aria-label")
	if err != nil || label == nil {
		return
	}
	if !strings.Contains(strings.ToLower(*label), "turn off") {
		return
	}
	if err = el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		log.Warnf("cannot mute %s | error: %v", name, err)
	}
}

func (d *meetDriver) enterGuestName(page *rod.Page) {
	ok, el, err := page.Has(selNameInput)
	if err != nil || !ok {
		return
	}
	if err = el.Input(d.cfg.BotName); err != nil {
		log.Warnf("cannot enter guest name | error: %v", err)
	}
}

func (d *meetDriver) clickJoin(page *rod.Page) error {
	el, err := page.Timeout(10 * time.Second).ElementR("button, span", reJoinButton)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

// joinFailure translates a failed join step into the driver error taxonomy,
// checking the page for a denial message before blaming the clock.
func (d *meetDriver) joinFailure(ctx context.Context, page *rod.Page, err error) error {
	for _, marker := range deniedMarkers {
		if ok, _, _ := page.Timeout(time.Second).HasR("body", marker); ok {
			return fmt.Errorf("%w: %s", ErrDeniedEntry, marker)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return ErrJoinTimeout
	}
	return fmt.Errorf("%w: %v", ErrNavigation, err)
}

const livenessCheckTimeout = 3 * time.Second

func (d *meetDriver) PollLiveness(ctx context.Context, h *Handle) Liveness {
	if h == nil {
		return LivenessEnded
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return LivenessEnded
	}

	body, err := h.page.Timeout(livenessCheckTimeout).Element("body")
	if err != nil {
		return LivenessUnknown
	}
	text, err := body.Text()
	if err != nil {
		return LivenessUnknown
	}

	lv := classifyLiveness(text)
	if lv != LivenessActive {
		return lv
	}

	// An empty meeting counts as ended once the grace period elapses
	if meetingIsEmpty(text) {
		if h.emptySince.IsZero() {
			h.emptySince = time.Now()
			log.Infof("meeting appears empty, grace timer started")
		} else if time.Since(h.emptySince) > d.cfg.EmptyMeetingGrace {
			log.Infof("meeting empty past grace, reporting ended")
			return LivenessEnded
		}
	} else if !h.emptySince.IsZero() {
		log.Debugf("meeting no longer empty, grace timer reset")
		h.emptySince = time.Time{}
	}
	return LivenessActive
}

// Leave releases the browser context. It is a no-op on a handle that has
// already been released, so best-effort teardown never fails here twice.
func (d *meetDriver) Leave(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.mu.Unlock()

	if h.page != nil {
		if ok, el, err := h.page.Timeout(livenessCheckTimeout).Has(selLeaveButton); err == nil && ok {
			if err = el.Click(proto.InputMouseButtonLeft, 1); err != nil {
				log.Warnf("cannot click leave button | error: %v", err)
			}
		}
		_ = h.page.Close()
	}

	var err error
	if h.browser != nil {
		err = h.browser.Close()
	}
	if h.launcher != nil {
		h.launcher.Kill()
	}
	return err
}
