package device

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rahul/droidpilot/internal/agent"
)

// Runner executes one adb invocation and returns its stdout.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// CommandRunner shells out to the adb binary.
type CommandRunner struct {
	Binary string
	Serial string
}

func (r CommandRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	bin := r.Binary
	if bin == "" {
		bin = "adb"
	}
	if r.Serial != "" {
		args = append([]string{"-s", r.Serial}, args...)
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("adb %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

const (
	dumpPath       = "/sdcard/window_dump.xml"
	defaultWait    = 5 * time.Second
	scrollAttempts = 5

	keyHome      = "3"
	keyBack      = "4"
	keyAppSwitch = "187"
)

// ADB drives an Android device over adb. It is both the loop's Perception
// and its Device, and provides the raw gestures recovery needs.
type ADB struct {
	Runner Runner
	// Apps maps lowercase app names to package names.
	Apps    map[string]string
	WaitFor time.Duration
	Sleep   func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	last *agent.Scene
}

func NewADB(r Runner) *ADB {
	return &ADB{
		Runner: r,
		Apps: map[string]string{
			"settings": "com.android.settings",
			"chrome":   "com.android.chrome",
			"calendar": "com.google.android.calendar",
			"gmail":    "com.google.android.gm",
			"maps":     "com.google.android.apps.maps",
			"youtube":  "com.google.android.youtube",
		},
		WaitFor: defaultWait,
	}
}

func (d *ADB) shell(ctx context.Context, args ...string) ([]byte, error) {
	return d.Runner.Run(ctx, append([]string{"shell"}, args...)...)
}

// Capture dumps the view hierarchy and parses it into a Scene.
func (d *ADB) Capture(ctx context.Context) (*agent.Scene, error) {
	if _, err := d.shell(ctx, "uiautomator", "dump", dumpPath); err != nil {
		return nil, fmt.Errorf("%w: %v", agent.ErrCaptureFailed, err)
	}
	raw, err := d.shell(ctx, "cat", dumpPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agent.ErrCaptureFailed, err)
	}
	scene, err := ParseScene(Sanitize(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agent.ErrCaptureFailed, err)
	}
	if ime, err := d.shell(ctx, "dumpsys", "input_method"); err == nil {
		scene.KeyboardOpen = bytes.Contains(ime, []byte("mInputShown=true"))
	}

	d.mu.Lock()
	d.last = scene
	d.mu.Unlock()
	return scene, nil
}

func (d *ADB) lastScene() *agent.Scene {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Execute runs one action.
func (d *ADB) Execute(ctx context.Context, a agent.Action) (agent.ExecResult, error) {
	log.Printf("[Device] %s", agent.MarshalAction(a))
	return agent.Dispatch(ctx, d, a)
}

func okResult() (agent.ExecResult, error) { return agent.ExecResult{OK: true}, nil }

func softResult(format string, args ...any) (agent.ExecResult, error) {
	return agent.ExecResult{Error: fmt.Sprintf(format, args...)}, nil
}

func (d *ADB) key(ctx context.Context, code string) (agent.ExecResult, error) {
	if _, err := d.shell(ctx, "input", "keyevent", code); err != nil {
		return agent.ExecResult{}, err
	}
	return okResult()
}

func (d *ADB) SwitchApp(ctx context.Context) (agent.ExecResult, error) {
	return d.key(ctx, keyAppSwitch)
}
func (d *ADB) Back(ctx context.Context) (agent.ExecResult, error) { return d.key(ctx, keyBack) }
func (d *ADB) Home(ctx context.Context) (agent.ExecResult, error) { return d.key(ctx, keyHome) }

func (d *ADB) Wait(ctx context.Context) (agent.ExecResult, error) {
	wait := d.WaitFor
	if wait <= 0 {
		wait = defaultWait
	}
	if err := d.sleep(ctx, wait); err != nil {
		return agent.ExecResult{}, err
	}
	return okResult()
}

func (d *ADB) TapElement(ctx context.Context, a agent.TapElement) (agent.ExecResult, error) {
	el, found := d.lastScene().Element(a.ElementID)
	if !found {
		return softResult("element %d not found on screen", a.ElementID)
	}
	if err := d.Tap(ctx, el.Bounds.CenterX(), el.Bounds.CenterY()); err != nil {
		return agent.ExecResult{}, err
	}
	return okResult()
}

// Speak posts the message as a notification; the device has no voice.
func (d *ADB) Speak(ctx context.Context, a agent.Speak) (agent.ExecResult, error) {
	if _, err := d.shell(ctx, "cmd", "notification", "post", "-S", "bigtext", "-t", "DroidPilot", "droidpilot", shellQuote(a.Message)); err != nil {
		return softResult("notification failed: %v", err)
	}
	return okResult()
}

func (d *ADB) Ask(context.Context, agent.Ask) (agent.ExecResult, error) {
	return softResult("no user channel to ask")
}

func (d *ADB) OpenApp(ctx context.Context, a agent.OpenApp) (agent.ExecResult, error) {
	pkg, err := d.resolvePackage(ctx, a.AppName)
	if err != nil {
		return agent.ExecResult{}, err
	}
	if pkg == "" {
		return softResult("app %q not installed", a.AppName)
	}
	if err := d.Launch(ctx, pkg); err != nil {
		return agent.ExecResult{}, err
	}
	return okResult()
}

func (d *ADB) resolvePackage(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if pkg, found := d.Apps[strings.ToLower(name)]; found {
		return pkg, nil
	}
	if strings.Count(name, ".") >= 1 && !strings.Contains(name, " ") {
		return name, nil
	}
	out, err := d.shell(ctx, "pm", "list", "packages")
	if err != nil {
		return "", err
	}
	needle := strings.ToLower(strings.ReplaceAll(name, " ", ""))
	for _, line := range strings.Split(string(out), "\n") {
		pkg := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "package:"))
		if pkg != "" && strings.Contains(strings.ToLower(pkg), needle) {
			return pkg, nil
		}
	}
	return "", nil
}

func (d *ADB) ScrollDown(ctx context.Context, a agent.ScrollDown) (agent.ExecResult, error) {
	return d.scroll(ctx, a.Amount, true)
}

func (d *ADB) ScrollUp(ctx context.Context, a agent.ScrollUp) (agent.ExecResult, error) {
	return d.scroll(ctx, a.Amount, false)
}

func (d *ADB) scroll(ctx context.Context, amount int, down bool) (agent.ExecResult, error) {
	w, h := d.screenSize()
	if amount <= 0 || amount > h*3/5 {
		amount = h * 2 / 5
	}
	x, mid := w/2, h/2
	y1, y2 := mid+amount/2, mid-amount/2
	if !down {
		y1, y2 = y2, y1
	}
	if err := d.Swipe(ctx, x, y1, x, y2, 400*time.Millisecond); err != nil {
		return agent.ExecResult{}, err
	}
	return okResult()
}

func (d *ADB) screenSize() (int, int) {
	if s := d.lastScene(); s != nil && s.Width > 0 && s.Height > 0 {
		return s.Width, s.Height
	}
	return 1080, 2400
}

func (d *ADB) SearchGoogle(ctx context.Context, a agent.SearchGoogle) (agent.ExecResult, error) {
	link := "https://www.google.com/search?q=" + url.QueryEscape(a.Query)
	if _, err := d.shell(ctx, "am", "start", "-a", "android.intent.action.VIEW", "-d", shellQuote(link)); err != nil {
		return agent.ExecResult{}, err
	}
	return okResult()
}

func (d *ADB) ScrollToText(ctx context.Context, a agent.ScrollToText) (agent.ExecResult, error) {
	for i := 0; i <= scrollAttempts; i++ {
		scene, err := d.Capture(ctx)
		if err != nil {
			return agent.ExecResult{}, err
		}
		if _, found := scene.FindLabel(a.Text); found {
			return okResult()
		}
		if i == scrollAttempts {
			break
		}
		if res, err := d.scroll(ctx, 0, true); err != nil || !res.OK {
			return res, err
		}
	}
	return softResult("text %q not found after %d scrolls", a.Text, scrollAttempts)
}

// ExtractStructuredData returns the labels on screen that mention any word
// of the query, or every label when none do.
func (d *ADB) ExtractStructuredData(ctx context.Context, a agent.ExtractStructuredData) (agent.ExecResult, error) {
	scene, err := d.Capture(ctx)
	if err != nil {
		return agent.ExecResult{}, err
	}
	var all, hits []string
	words := strings.Fields(strings.ToLower(a.Query))
	for _, e := range scene.Elements {
		if e.Label == "" {
			continue
		}
		all = append(all, e.Label)
		lower := strings.ToLower(e.Label)
		for _, w := range words {
			if len(w) > 2 && strings.Contains(lower, w) {
				hits = append(hits, e.Label)
				break
			}
		}
	}
	if len(hits) == 0 {
		hits = all
	}
	if len(hits) == 0 {
		return softResult("nothing readable on screen")
	}
	return agent.ExecResult{OK: true, Output: truncate(strings.Join(hits, "; "), 2000)}, nil
}

func (d *ADB) InputText(ctx context.Context, a agent.InputText) (agent.ExecResult, error) {
	if a.Index > 0 {
		el, found := d.lastScene().Element(a.Index)
		if !found {
			return softResult("input field %d not found on screen", a.Index)
		}
		if err := d.Tap(ctx, el.Bounds.CenterX(), el.Bounds.CenterY()); err != nil {
			return agent.ExecResult{}, err
		}
	}
	if _, err := d.shell(ctx, "input", "text", escapeInput(a.Text)); err != nil {
		return agent.ExecResult{}, err
	}
	return okResult()
}

func (d *ADB) Done(context.Context, agent.Done) (agent.ExecResult, error) { return okResult() }

// The methods below are the raw gestures recovery uses.

func (d *ADB) GoBack(ctx context.Context) error {
	_, err := d.key(ctx, keyBack)
	return err
}

func (d *ADB) GoHome(ctx context.Context) error {
	_, err := d.key(ctx, keyHome)
	return err
}

func (d *ADB) Tap(ctx context.Context, x, y int) error {
	_, err := d.shell(ctx, "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

func (d *ADB) Swipe(ctx context.Context, x1, y1, x2, y2 int, dur time.Duration) error {
	_, err := d.shell(ctx, "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2),
		strconv.FormatInt(dur.Milliseconds(), 10))
	return err
}

func (d *ADB) Recents(ctx context.Context) error {
	_, err := d.key(ctx, keyAppSwitch)
	return err
}

func (d *ADB) Launch(ctx context.Context, pkg string) error {
	_, err := d.shell(ctx, "monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1")
	return err
}

// Online pings a public resolver from the device.
func (d *ADB) Online(ctx context.Context) bool {
	_, err := d.shell(ctx, "ping", "-c", "1", "-W", "2", "8.8.8.8")
	return err == nil
}

func (d *ADB) sleep(ctx context.Context, dur time.Duration) error {
	if d.Sleep != nil {
		return d.Sleep(ctx, dur)
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// escapeInput prepares text for `input text`, which treats %s as a space
// and is parsed by the device shell.
func escapeInput(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == ' ':
			b.WriteString("%s")
		case strings.ContainsRune(`\'"()<>|;&*~$!?#`+"`", r):
			b.WriteRune('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
