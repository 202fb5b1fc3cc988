package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	DefaultTranslateTTSEndpoint = "https://translate.google.com/translate_tts"

	// The endpoint refuses long queries, so text is spoken in pieces.
	maxTTSChunk = 100
)

var ErrNoText = errors.New("no text to speak")

// TranslateTTS speaks text through the Google Translate voice, one MP3 per chunk,
// concatenated in order.
type TranslateTTS struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

func NewTranslateTTS(endpoint string, timeout time.Duration, logger *zap.Logger) *TranslateTTS {
	if endpoint == "" {
		endpoint = DefaultTranslateTTSEndpoint
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TranslateTTS{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.Named("tts"),
	}
}

func (t *TranslateTTS) Speak(ctx context.Context, text, lang string) ([]byte, error) {
	chunks := splitText(text, maxTTSChunk)
	if len(chunks) == 0 {
		return nil, ErrNoText
	}

	var out bytes.Buffer
	for i, chunk := range chunks {
		if err := t.fetch(ctx, &out, chunk, lang, i, len(chunks)); err != nil {
			return nil, fmt.Errorf("tts chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}

	t.logger.Debug("speech synthesized", zap.Int("chunks", len(chunks)), zap.Int("bytes", out.Len()))
	return out.Bytes(), nil
}

func (t *TranslateTTS) fetch(ctx context.Context, w io.Writer, chunk, lang string, idx, total int) error {
	q := url.Values{}
	q.Set("ie", "UTF-8")
	q.Set("client", "tw-ob")
	q.Set("tl", lang)
	q.Set("q", chunk)
	q.Set("idx", strconv.Itoa(idx))
	q.Set("total", strconv.Itoa(total))
	q.Set("textlen", strconv.Itoa(utf8.RuneCountInString(chunk)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("tts status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	_, err = io.Copy(w, resp.Body)
	return err
}

// splitText cuts text into pieces of at most limit runes, preferring sentence
// punctuation, then whitespace, then a hard cut. Blank pieces are dropped.
func splitText(text string, limit int) []string {
	var chunks []string
	rest := []rune(strings.TrimSpace(text))

	for len(rest) > 0 {
		if len(rest) <= limit {
			chunks = appendChunk(chunks, string(rest))
			break
		}

		cut := lastIndexFunc(rest[:limit], isSentenceEnd)
		if cut < 0 {
			cut = lastIndexFunc(rest[:limit], unicode.IsSpace)
		}
		if cut < 0 {
			cut = limit - 1
		}

		chunks = appendChunk(chunks, string(rest[:cut+1]))
		rest = []rune(strings.TrimLeftFunc(string(rest[cut+1:]), unicode.IsSpace))
	}

	return chunks
}

func appendChunk(chunks []string, s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || strings.IndexFunc(s, isSpeakable) < 0 {
		return chunks
	}
	return append(chunks, s)
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', ';', ':', ',', '\n', '。', '！', '？':
		return true
	}
	return false
}

func isSpeakable(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func lastIndexFunc(rs []rune, f func(rune) bool) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if f(rs[i]) {
			return i
		}
	}
	return -1
}
