// Package telegram is a thin Bot API client covering the calls pocketmirror
// needs: long polling, text with line-boundary chunking, photos with inline
// keyboards, typing indicators, and file downloads.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"pocketmirror/internal/logging"
)

// Telegram's hard caption limit.
const captionLimit = 1024

// Client talks to the Bot API for one bot token.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	// ChunkLimit caps a single sendMessage payload; longer text is split
	// at line boundaries. Telegram's own cap is 4096.
	ChunkLimit int
}

// New creates a client. baseURL is normally https://api.telegram.org and is
// overridable for tests.
func New(token, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		ChunkLimit: 4000,
	}
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

// call posts params as JSON and decodes the result envelope into out (which
// may be nil when the caller only cares about success).
func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	var body io.Reader
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	return decodeResponse(method, resp.Body, out)
}

func decodeResponse(method string, r io.Reader, out interface{}) error {
	var env apiResponse
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if !env.OK {
		return fmt.Errorf("%s: api error %d: %s", method, env.ErrorCode, env.Description)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// GetMe verifies the token and returns the bot identity.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var me User
	err := c.call(ctx, "getMe", nil, &me)
	return me, err
}

// GetUpdates long-polls for updates at or after offset. timeoutSec is the
// server-side hold; the HTTP timeout must exceed it.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error) {
	var updates []Update
	err := c.call(ctx, "getUpdates", map[string]interface{}{
		"offset":  offset,
		"timeout": timeoutSec,
	}, &updates)
	return updates, err
}

// Drain discards any backlog queued before this process started and returns
// the next offset to poll from.
func (c *Client) Drain(ctx context.Context) (int64, int, error) {
	updates, err := c.GetUpdates(ctx, 0, 0)
	if err != nil {
		return 0, 0, err
	}
	if len(updates) == 0 {
		return 0, 0, nil
	}
	return updates[len(updates)-1].UpdateID + 1, len(updates), nil
}

// SendMessage sends text, splitting at line boundaries when it exceeds the
// chunk limit. A short pause between chunks keeps ordering friendly to
// Telegram's rate limiter.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	if chatID == 0 || text == "" {
		return nil
	}
	chunks := ChunkText(text, c.ChunkLimit)
	for i, chunk := range chunks {
		if i > 0 {
			time.Sleep(300 * time.Millisecond)
		}
		if err := c.call(ctx, "sendMessage", map[string]interface{}{
			"chat_id": chatID,
			"text":    chunk,
		}, nil); err != nil {
			return err
		}
	}
	return nil
}

// SendMessageWithKeyboard sends text with an inline keyboard attached.
func (c *Client) SendMessageWithKeyboard(ctx context.Context, chatID int64, text string, keyboard InlineKeyboard) error {
	if chatID == 0 {
		return nil
	}
	return c.call(ctx, "sendMessage", map[string]interface{}{
		"chat_id":      chatID,
		"text":         text,
		"reply_markup": map[string]interface{}{"inline_keyboard": keyboard},
	}, nil)
}

// SendThinking sends assistant "thinking" text as MarkdownV2 italic with a
// thought-balloon prefix, truncated at a line break, falling back to plain
// text when the formatted send is rejected.
func (c *Client) SendThinking(ctx context.Context, chatID int64, text string, limit int) error {
	if chatID == 0 || text == "" {
		return nil
	}
	text = TruncateAtLine(text, limit)

	err := c.call(ctx, "sendMessage", map[string]interface{}{
		"chat_id":    chatID,
		"text":       fmt.Sprintf("_💭 %s_", EscapeMarkdownV2(text)),
		"parse_mode": "MarkdownV2",
	}, nil)
	if err == nil {
		return nil
	}
	logging.Telegram("MarkdownV2 send failed, plain fallback: %v", err)
	return c.SendMessage(ctx, chatID, "💭 "+text)
}

// Typing shows the "typing…" indicator.
func (c *Client) Typing(ctx context.Context, chatID int64) {
	if chatID == 0 {
		return
	}
	_ = c.call(ctx, "sendChatAction", map[string]interface{}{
		"chat_id": chatID,
		"action":  "typing",
	}, nil)
}

// AnswerCallback acknowledges an inline button press, clearing the client's
// loading spinner. text is an optional toast.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	params := map[string]interface{}{"callback_query_id": callbackID}
	if text != "" {
		params["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", params, nil)
}

// SendPhoto uploads PNG/JPEG bytes, with an optional caption and inline
// keyboard. Captions are clipped to Telegram's limit.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, photo []byte, filename, caption string, keyboard InlineKeyboard) error {
	if chatID == 0 || len(photo) == 0 {
		return nil
	}
	if filename == "" {
		filename = "image.png"
	}
	if len(caption) > captionLimit {
		caption = caption[:runeCut(caption, captionLimit)]
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("chat_id", fmt.Sprintf("%d", chatID)); err != nil {
		return err
	}
	if caption != "" {
		if err := w.WriteField("caption", caption); err != nil {
			return err
		}
	}
	if keyboard != nil {
		markup, err := json.Marshal(map[string]interface{}{"inline_keyboard": keyboard})
		if err != nil {
			return err
		}
		if err := w.WriteField("reply_markup", string(markup)); err != nil {
			return err
		}
	}
	part, err := w.CreateFormFile("photo", filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(photo); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendPhoto"), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sendPhoto: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse("sendPhoto", resp.Body, nil)
}

// DownloadFile fetches an attachment's bytes by file id. The returned path
// is Telegram's server-side path, useful for extension sniffing.
func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	var file File
	if err := c.call(ctx, "getFile", map[string]interface{}{"file_id": fileID}, &file); err != nil {
		return nil, "", err
	}
	url := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", file.FilePath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download %s: status %d", file.FilePath, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, file.FilePath, nil
}

// ChunkText splits text into pieces no longer than limit, preferring to cut
// at the last newline in range. A cut that would leave a tiny fragment falls
// back to a hard split.
func ChunkText(text string, limit int) []string {
	if limit <= 0 {
		limit = 4000
	}
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut < limit/4 {
			cut = runeCut(text, limit)
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// TruncateAtLine clips text to at most limit bytes, cutting at the last
// newline in range when one exists reasonably close, and marks the cut.
func TruncateAtLine(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	cut := strings.LastIndex(text[:limit], "\n")
	if cut < limit/4 {
		cut = runeCut(text, limit)
	}
	return text[:cut] + "..."
}

// runeCut returns the largest offset at most limit that does not split a
// UTF-8 sequence; Telegram rejects payloads with broken encoding.
func runeCut(s string, limit int) int {
	if limit >= len(s) {
		return len(s)
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		return limit
	}
	return cut
}

// EscapeMarkdownV2 escapes Telegram MarkdownV2 special characters.
func EscapeMarkdownV2(text string) string {
	const special = "_*[]()~`>#+-=|{}.!"
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if strings.ContainsRune(special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
