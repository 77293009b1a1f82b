package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"pocketmirror/internal/logging"
)

// Instance is a live handle on one client window. Reads (snapshots, polls)
// may run concurrently; compose sequences are serialized internally because
// they share the window's single input editor.
type Instance struct {
	ID    string
	Title string
	Label string

	page *rod.Page

	composeMu sync.Mutex
}

// Detach releases the page handle without affecting the remote window.
func (i *Instance) Detach() {
	// rod pages on an attached browser need no explicit close; drop the ref.
	i.page = nil
}

func (i *Instance) eval(ctx context.Context, js string, args ...interface{}) (*proto.RuntimeRemoteObject, error) {
	if i.page == nil {
		return nil, fmt.Errorf("instance %s detached", i.ID)
	}
	res, err := i.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      js,
		JSArgs:  args,
		ByValue: true,
	})
	if err != nil {
		return nil, fmt.Errorf("eval on %s: %w", i.ID, err)
	}
	return res, nil
}

// evalString evaluates js and returns its string result. Payloads signal
// failure in-band as "ERROR: ..." strings, mapped to errors here.
func (i *Instance) evalString(ctx context.Context, js string, args ...interface{}) (string, error) {
	res, err := i.eval(ctx, js, args...)
	if err != nil {
		return "", err
	}
	return payloadResult(res.Value.Str())
}

// payloadResult maps the in-band "ERROR: ..." convention of the injected
// payloads to a Go error.
func payloadResult(s string) (string, error) {
	rest, ok := strings.CutPrefix(s, "ERROR:")
	if !ok {
		return s, nil
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		rest = "unspecified payload failure"
	}
	return "", fmt.Errorf("%s", rest)
}

// evalJSON evaluates js and unmarshals the JSON string it returns into out.
// A null result leaves out untouched and reports ok=false.
func (i *Instance) evalJSON(ctx context.Context, out interface{}, js string, args ...interface{}) (bool, error) {
	res, err := i.eval(ctx, js, args...)
	if err != nil {
		return false, err
	}
	if res.Value.Nil() {
		return false, nil
	}
	if err := json.Unmarshal([]byte(res.Value.Str()), out); err != nil {
		return false, fmt.Errorf("decode eval result on %s: %w", i.ID, err)
	}
	return true, nil
}

// BringToFront raises the window's page target.
func (i *Instance) BringToFront(ctx context.Context) error {
	if i.page == nil {
		return fmt.Errorf("instance %s detached", i.ID)
	}
	return proto.PageBringToFront{}.Call(i.page.Context(ctx))
}

// SendText types text into the chat input and sends it. The text is inserted
// through Input.insertText, the same path real keyboard input takes, so the
// editor's own change handlers fire.
func (i *Instance) SendText(ctx context.Context, text string) error {
	i.composeMu.Lock()
	defer i.composeMu.Unlock()

	if _, err := i.evalString(ctx, jsFocusComposer); err != nil {
		return fmt.Errorf("focus composer: %w", err)
	}
	time.Sleep(150 * time.Millisecond)

	if err := (proto.InputInsertText{Text: text}).Call(i.page.Context(ctx)); err != nil {
		return fmt.Errorf("insert text: %w", err)
	}
	time.Sleep(150 * time.Millisecond)

	if _, err := i.evalString(ctx, jsClickSend); err != nil {
		return fmt.Errorf("click send: %w", err)
	}
	logging.CDP("sent %d chars to %s", len(text), i.ID)
	return nil
}

// SendImage pastes image bytes into the chat input, optionally types a
// caption, and sends. The paste goes through a synthetic clipboard event; the
// editor needs a moment to ingest the attachment before send.
func (i *Instance) SendImage(ctx context.Context, data []byte, mime, filename, caption string) error {
	i.composeMu.Lock()
	defer i.composeMu.Unlock()

	if _, err := i.evalString(ctx, jsFocusComposer); err != nil {
		return fmt.Errorf("focus composer: %w", err)
	}
	time.Sleep(150 * time.Millisecond)

	b64 := base64.StdEncoding.EncodeToString(data)
	if _, err := i.evalString(ctx, jsPasteImage, b64, mime, filename); err != nil {
		return fmt.Errorf("paste image: %w", err)
	}
	time.Sleep(600 * time.Millisecond)

	if caption != "" {
		if err := (proto.InputInsertText{Text: caption}).Call(i.page.Context(ctx)); err != nil {
			return fmt.Errorf("insert caption: %w", err)
		}
		time.Sleep(150 * time.Millisecond)
		if _, err := i.evalString(ctx, jsClickSend); err != nil {
			return fmt.Errorf("click send: %w", err)
		}
		return nil
	}
	if _, err := i.evalString(ctx, jsClickSendOnly); err != nil {
		return fmt.Errorf("click send: %w", err)
	}
	return nil
}

// ClickLocator clicks an element identified by CSS selector, used to act on
// confirmation buttons surfaced in turn snapshots.
func (i *Instance) ClickLocator(ctx context.Context, selector string) error {
	_, err := i.evalString(ctx, jsClickLocator, selector)
	return err
}

// Screenshot captures the visible viewport as PNG.
func (i *Instance) Screenshot(ctx context.Context) ([]byte, error) {
	if i.page == nil {
		return nil, fmt.Errorf("instance %s detached", i.ID)
	}
	data, err := i.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot %s: %w", i.ID, err)
	}
	return data, nil
}

type elementRect struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	ViewportW float64 `json:"viewport_w"`
	ViewportH float64 `json:"viewport_h"`
}

// ScreenshotElement scrolls the element into view and captures just its
// bounding box. Returns ok=false without error when the selector matches
// nothing, so callers can fall back to text.
func (i *Instance) ScreenshotElement(ctx context.Context, selector string) ([]byte, bool, error) {
	var rect elementRect
	ok, err := i.evalJSON(ctx, &rect, jsElementRect, selector)
	if err != nil || !ok {
		return nil, false, err
	}
	// Rendering settles after the scroll.
	time.Sleep(200 * time.Millisecond)

	if rect.X+rect.Width > rect.ViewportW {
		rect.Width = rect.ViewportW - rect.X
	}
	if rect.Y+rect.Height > rect.ViewportH {
		rect.Height = rect.ViewportH - rect.Y
	}
	if rect.Width <= 0 || rect.Height <= 0 {
		return nil, false, nil
	}

	data, err := i.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
		Clip: &proto.PageViewport{
			X:      rect.X,
			Y:      rect.Y,
			Width:  rect.Width,
			Height: rect.Height,
			Scale:  1,
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("element screenshot %s: %w", i.ID, err)
	}
	return data, true, nil
}
