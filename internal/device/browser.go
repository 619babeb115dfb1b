package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"

	"github.com/rahul/droidpilot/internal/agent"
)

// sceneScript lists the visible interactive and text elements of the page.
const sceneScript = `(() => {
  const out = [];
  const sel = 'a,button,input,textarea,select,[role=button],[onclick],h1,h2,h3,p,li,label';
  for (const el of document.querySelectorAll(sel)) {
    const r = el.getBoundingClientRect();
    if (r.width <= 0 || r.height <= 0 || r.bottom < 0 || r.top > window.innerHeight) continue;
    const tag = el.tagName.toLowerCase();
    const label = (el.innerText || el.value || el.placeholder || el.getAttribute('aria-label') || el.title || '').trim().slice(0, 120);
    const editable = tag === 'input' || tag === 'textarea' || el.isContentEditable;
    const clickable = editable || ['a','button','select'].includes(tag) || el.getAttribute('role') === 'button' || el.hasAttribute('onclick');
    if (!label && !clickable) continue;
    out.push({l: Math.round(r.left), t: Math.round(r.top), r: Math.round(r.right), b: Math.round(r.bottom), label, clickable, editable});
  }
  const a = document.activeElement;
  const focused = !!a && (a.tagName === 'INPUT' || a.tagName === 'TEXTAREA' || a.isContentEditable);
  return JSON.stringify({w: window.innerWidth, h: window.innerHeight, focused, els: out});
})()`

type pageScene struct {
	W       int  `json:"w"`
	H       int  `json:"h"`
	Focused bool `json:"focused"`
	Els     []struct {
		L         int    `json:"l"`
		T         int    `json:"t"`
		R         int    `json:"r"`
		B         int    `json:"b"`
		Label     string `json:"label"`
		Clickable bool   `json:"clickable"`
		Editable  bool   `json:"editable"`
	} `json:"els"`
}

// Browser drives a Chrome tab through chromedp and exposes it to the loop
// like a device: visible page elements become the Scene.
type Browser struct {
	Headless bool
	HomeURL  string
	Timeout  time.Duration

	mu            sync.Mutex
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	last          *agent.Scene
}

func NewBrowser(headless bool) *Browser {
	return &Browser{
		Headless: headless,
		HomeURL:  "https://www.google.com",
		Timeout:  60 * time.Second,
	}
}

func (b *Browser) init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil {
		select {
		case <-b.browserCtx.Done():
			b.cleanup()
		default:
			return nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", b.Headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	b.browserCtx, b.browserCancel = chromedp.NewContext(b.allocCtx)

	return chromedp.Run(b.browserCtx)
}

func (b *Browser) cleanup() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx = nil
	b.allocCtx = nil
}

// Close shuts the browser down.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanup()
}

// run executes actions on the tab, bounded by both ctx and the browser timeout.
func (b *Browser) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := b.init(); err != nil {
		return fmt.Errorf("failed to initialize browser: %v", err)
	}
	b.mu.Lock()
	tab := b.browserCtx
	b.mu.Unlock()

	actionCtx, cancel := context.WithTimeout(tab, b.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(actionCtx, actions...)
}

func (b *Browser) Capture(ctx context.Context) (*agent.Scene, error) {
	var raw string
	if err := b.run(ctx, chromedp.Evaluate(sceneScript, &raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", agent.ErrCaptureFailed, err)
	}
	scene, err := parsePageScene(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agent.ErrCaptureFailed, err)
	}
	b.mu.Lock()
	b.last = scene
	b.mu.Unlock()
	return scene, nil
}

func parsePageScene(raw string) (*agent.Scene, error) {
	var p pageScene
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode page scene: %w", err)
	}
	scene := &agent.Scene{Width: p.W, Height: p.H, KeyboardOpen: p.Focused}
	for i, e := range p.Els {
		scene.Elements = append(scene.Elements, agent.Element{
			ID:        i + 1,
			Bounds:    agent.Rect{Left: e.L, Top: e.T, Right: e.R, Bottom: e.B},
			Label:     e.Label,
			Clickable: e.Clickable,
			Editable:  e.Editable,
		})
	}
	return scene, nil
}

func (b *Browser) element(id int) (agent.Element, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last.Element(id)
}

func (b *Browser) Execute(ctx context.Context, a agent.Action) (agent.ExecResult, error) {
	log.Printf("[Browser] %s", agent.MarshalAction(a))
	return agent.Dispatch(ctx, b, a)
}

// step turns a chromedp failure into a soft failure; the page is still usable.
func (b *Browser) step(ctx context.Context, actions ...chromedp.Action) (agent.ExecResult, error) {
	if err := b.run(ctx, actions...); err != nil {
		return softResult("browser action failed: %v", err)
	}
	return okResult()
}

func (b *Browser) SwitchApp(context.Context) (agent.ExecResult, error) {
	return softResult("the browser has no app switcher")
}

func (b *Browser) Back(ctx context.Context) (agent.ExecResult, error) {
	return b.step(ctx, chromedp.NavigateBack())
}

func (b *Browser) Home(ctx context.Context) (agent.ExecResult, error) {
	return b.step(ctx, chromedp.Navigate(b.HomeURL))
}

func (b *Browser) Wait(ctx context.Context) (agent.ExecResult, error) {
	return b.step(ctx, chromedp.Sleep(2*time.Second))
}

func (b *Browser) TapElement(ctx context.Context, a agent.TapElement) (agent.ExecResult, error) {
	el, found := b.element(a.ElementID)
	if !found {
		return softResult("element %d not found on page", a.ElementID)
	}
	return b.step(ctx, chromedp.MouseClickXY(float64(el.Bounds.CenterX()), float64(el.Bounds.CenterY())))
}

func (b *Browser) Speak(_ context.Context, a agent.Speak) (agent.ExecResult, error) {
	log.Printf("[Browser] says: %s", a.Message)
	return okResult()
}

func (b *Browser) Ask(context.Context, agent.Ask) (agent.ExecResult, error) {
	return softResult("no user channel to ask")
}

// OpenApp opens a site; app names that look like hosts are visited.
func (b *Browser) OpenApp(ctx context.Context, a agent.OpenApp) (agent.ExecResult, error) {
	target := strings.TrimSpace(a.AppName)
	if !strings.Contains(target, ".") || strings.Contains(target, " ") {
		return softResult("%q is not a website", a.AppName)
	}
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = "https://" + target
	}
	return b.step(ctx, chromedp.Navigate(target))
}

func (b *Browser) ScrollDown(ctx context.Context, a agent.ScrollDown) (agent.ExecResult, error) {
	return b.scroll(ctx, a.Amount)
}

func (b *Browser) ScrollUp(ctx context.Context, a agent.ScrollUp) (agent.ExecResult, error) {
	return b.scroll(ctx, -a.Amount)
}

func (b *Browser) scroll(ctx context.Context, amount int) (agent.ExecResult, error) {
	js := fmt.Sprintf("window.scrollBy(0, %d)", amount)
	if amount == 0 {
		js = "window.scrollBy(0, window.innerHeight * 0.6)"
	}
	return b.step(ctx, chromedp.Evaluate(js, nil))
}

func (b *Browser) SearchGoogle(ctx context.Context, a agent.SearchGoogle) (agent.ExecResult, error) {
	return b.step(ctx, chromedp.Navigate("https://www.google.com/search?q="+url.QueryEscape(a.Query)))
}

func (b *Browser) ScrollToText(ctx context.Context, a agent.ScrollToText) (agent.ExecResult, error) {
	needle, _ := json.Marshal(strings.ToLower(a.Text))
	js := fmt.Sprintf(`(() => {
  const n = %s;
  for (const el of document.querySelectorAll('body *')) {
    if (el.children.length === 0 && (el.innerText || '').toLowerCase().includes(n)) {
      el.scrollIntoView({block: 'center'});
      return true;
    }
  }
  return false;
})()`, needle)
	var found bool
	if err := b.run(ctx, chromedp.Evaluate(js, &found)); err != nil {
		return softResult("browser action failed: %v", err)
	}
	if !found {
		return softResult("text %q not found on page", a.Text)
	}
	return okResult()
}

// ExtractStructuredData distills the current page.
func (b *Browser) ExtractStructuredData(ctx context.Context, a agent.ExtractStructuredData) (agent.ExecResult, error) {
	var html, location string
	err := b.run(ctx,
		chromedp.Location(&location),
		chromedp.ActionFunc(func(ctx context.Context) error {
			node, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return softResult("browser action failed: %v", err)
	}
	text, err := Distill(html, location, a.Query)
	if err != nil {
		return softResult("%v", err)
	}
	return agent.ExecResult{OK: true, Output: text}, nil
}

func (b *Browser) InputText(ctx context.Context, a agent.InputText) (agent.ExecResult, error) {
	var actions []chromedp.Action
	if a.Index > 0 {
		el, found := b.element(a.Index)
		if !found {
			return softResult("input field %d not found on page", a.Index)
		}
		actions = append(actions, chromedp.MouseClickXY(float64(el.Bounds.CenterX()), float64(el.Bounds.CenterY())))
	}
	actions = append(actions, chromedp.KeyEvent(a.Text))
	return b.step(ctx, actions...)
}

func (b *Browser) Done(context.Context, agent.Done) (agent.ExecResult, error) { return okResult() }
