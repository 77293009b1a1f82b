package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestChunkText(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{
			name:  "short text passes through",
			text:  "hello",
			limit: 10,
			want:  []string{"hello"},
		},
		{
			name:  "splits at newline",
			text:  "aaaa\nbbbb\ncccc",
			limit: 10,
			want:  []string{"aaaa\nbbbb", "cccc"},
		},
		{
			name:  "hard split when no usable newline",
			text:  strings.Repeat("x", 25),
			limit: 10,
			want:  []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)},
		},
		{
			name:  "early newline ignored to avoid tiny fragments",
			text:  "a\n" + strings.Repeat("x", 18),
			limit: 10,
			want:  []string{"a\nxxxxxxxx", strings.Repeat("x", 10)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ChunkText(tt.text, tt.limit)
			require.Equal(t, tt.want, got)
			for _, chunk := range got {
				require.LessOrEqual(t, len(chunk), tt.limit)
			}
		})
	}
}

func TestChunkTextNeverSplitsRunes(t *testing.T) {
	// Multibyte text with no newlines forces the hard split; every byte
	// limit in range must still land on a rune boundary.
	text := strings.Repeat("жму", 20) + strings.Repeat("🚀", 10)
	for limit := 8; limit <= 24; limit++ {
		var rebuilt strings.Builder
		for _, chunk := range ChunkText(text, limit) {
			require.True(t, utf8.ValidString(chunk), "limit %d produced invalid chunk %q", limit, chunk)
			require.LessOrEqual(t, len(chunk), limit)
			rebuilt.WriteString(chunk)
		}
		require.Equal(t, text, rebuilt.String())
	}
}

func TestTruncateAtLineKeepsRunesWhole(t *testing.T) {
	text := strings.Repeat("б", 40)
	for limit := 9; limit <= 15; limit++ {
		got := TruncateAtLine(text, limit)
		require.True(t, utf8.ValidString(got), "limit %d gave %q", limit, got)
	}
}

func TestTruncateAtLine(t *testing.T) {
	require.Equal(t, "short", TruncateAtLine("short", 100))
	require.Equal(t, "line one...", TruncateAtLine("line one\nline two that is much longer", 12))
	long := strings.Repeat("y", 30)
	require.Equal(t, long[:12]+"...", TruncateAtLine(long, 12))
}

func TestEscapeMarkdownV2(t *testing.T) {
	require.Equal(t, `plain text`, EscapeMarkdownV2("plain text"))
	require.Equal(t, `a\_b\*c\.d\!e`, EscapeMarkdownV2("a_b*c.d!e"))
	require.Equal(t, `\(x\-y\)`, EscapeMarkdownV2("(x-y)"))
}

// apiRecorder fakes the Bot API, capturing request bodies per method.
type apiRecorder struct {
	mu    chan struct{}
	calls []recordedCall
}

type recordedCall struct {
	method string
	params map[string]interface{}
}

func newTestServer(t *testing.T, rec *apiRecorder, results map[string]string) *httptest.Server {
	t.Helper()
	rec.mu = make(chan struct{}, 1)
	rec.mu <- struct{}{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		method := parts[len(parts)-1]

		var params map[string]interface{}
		if r.Header.Get("Content-Type") == "application/json" {
			_ = json.NewDecoder(r.Body).Decode(&params)
		}
		<-rec.mu
		rec.calls = append(rec.calls, recordedCall{method: method, params: params})
		rec.mu <- struct{}{}

		result, ok := results[method]
		if !ok {
			result = "true"
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":` + result + `}`))
	}))
}

func TestSendMessageChunksLongText(t *testing.T) {
	rec := &apiRecorder{}
	srv := newTestServer(t, rec, nil)
	defer srv.Close()

	c := New("test-token", srv.URL, 5*time.Second)
	c.ChunkLimit = 10

	err := c.SendMessage(context.Background(), 7, "aaaa\nbbbb\ncccc")
	require.NoError(t, err)
	require.Len(t, rec.calls, 2)
	require.Equal(t, "aaaa\nbbbb", rec.calls[0].params["text"])
	require.Equal(t, "cccc", rec.calls[1].params["text"])
	require.EqualValues(t, 7, rec.calls[0].params["chat_id"])
}

func TestSendMessageSkipsUnpairedChat(t *testing.T) {
	rec := &apiRecorder{}
	srv := newTestServer(t, rec, nil)
	defer srv.Close()

	c := New("test-token", srv.URL, 5*time.Second)
	require.NoError(t, c.SendMessage(context.Background(), 0, "dropped"))
	require.Empty(t, rec.calls)
}

func TestSendThinkingFormatsMarkdown(t *testing.T) {
	rec := &apiRecorder{}
	srv := newTestServer(t, rec, nil)
	defer srv.Close()

	c := New("test-token", srv.URL, 5*time.Second)
	err := c.SendThinking(context.Background(), 7, "weighing options...", 3500)
	require.NoError(t, err)
	require.Len(t, rec.calls, 1)
	require.Equal(t, "MarkdownV2", rec.calls[0].params["parse_mode"])
	require.Equal(t, `_💭 weighing options\.\.\._`, rec.calls[0].params["text"])
}

func TestGetUpdatesDecodesEnvelope(t *testing.T) {
	rec := &apiRecorder{}
	srv := newTestServer(t, rec, map[string]string{
		"getUpdates": `[{"update_id":41,"message":{"message_id":1,"text":"hi","chat":{"id":7},"from":{"id":9}}}]`,
	})
	defer srv.Close()

	c := New("test-token", srv.URL, 5*time.Second)
	updates, err := c.GetUpdates(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.EqualValues(t, 41, updates[0].UpdateID)
	require.Equal(t, "hi", updates[0].Message.Text)
	require.EqualValues(t, 9, updates[0].Message.From.ID)
}

func TestAPIErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	}))
	defer srv.Close()

	c := New("bad-token", srv.URL, 5*time.Second)
	_, err := c.GetMe(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "Unauthorized")
}

func TestDrainReturnsNextOffset(t *testing.T) {
	rec := &apiRecorder{}
	srv := newTestServer(t, rec, map[string]string{
		"getUpdates": `[{"update_id":10},{"update_id":12}]`,
	})
	defer srv.Close()

	c := New("test-token", srv.URL, 5*time.Second)
	offset, dropped, err := c.Drain(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 13, offset)
	require.Equal(t, 2, dropped)
}
