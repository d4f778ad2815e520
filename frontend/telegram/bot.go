// Package telegram is the chat transport: a long-polling bot filtered to a
// single authorized username. Free-text messages become tasks; a small
// command surface exposes status, cost, and evolution triggers.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agenthatchery/cradle"
)

const (
	maxMessageLength = 4096
	defaultAPIBase   = "https://api.telegram.org"
)

// Handlers are the orchestrator callbacks wired in by the composition root.
// Nil handlers answer with a not-configured notice.
type Handlers struct {
	// OnTask handles a task description and returns the reply text.
	OnTask func(ctx context.Context, description string) string
	// OnStatus returns the system status block.
	OnStatus func(ctx context.Context) string
	// OnCost returns the LLM usage summary.
	OnCost func(ctx context.Context) string
	// OnEvolve triggers one evolution cycle and returns its summary.
	OnEvolve func(ctx context.Context) string
}

// Bot long-polls the Telegram API and dispatches authorized messages.
type Bot struct {
	token       string
	allowedUser string
	apiBase     string
	handlers    Handlers
	httpClient  *http.Client
	logger      *slog.Logger

	mu     sync.Mutex
	chatID int64 // last chat the authorized user wrote from
}

// Option configures a Bot.
type Option func(*Bot)

// WithAPIBase overrides the API base URL, mainly for tests.
func WithAPIBase(u string) Option {
	return func(b *Bot) { b.apiBase = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Bot) { b.httpClient = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bot) { b.logger = l }
}

// New creates a bot answering only allowedUser (with or without a leading @).
func New(token, allowedUser string, handlers Handlers, opts ...Option) *Bot {
	b := &Bot{
		token:       token,
		allowedUser: strings.TrimPrefix(allowedUser, "@"),
		apiBase:     defaultAPIBase,
		handlers:    handlers,
		// Long-poll requests hold for 30s; leave headroom.
		httpClient: &http.Client{Timeout: 50 * time.Second},
		logger:     slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Poll runs the long-poll loop until ctx is cancelled. Poll errors are
// logged and the loop continues.
func (b *Bot) Poll(ctx context.Context) error {
	if b.token == "" {
		b.logger.Warn("no telegram token configured, bot disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	b.logger.Info("telegram bot starting", "allowed_user", b.allowedUser)

	var offset int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, err := b.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("poll error", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil {
				continue
			}
			b.handle(ctx, u.Message)
		}
	}
}

// handle authorizes and dispatches one incoming message.
func (b *Bot) handle(ctx context.Context, msg *Message) {
	if msg.From == nil {
		return
	}
	b.logger.Info("incoming message", "from", msg.From.Username)
	if msg.From.Username != b.allowedUser {
		return
	}

	b.mu.Lock()
	b.chatID = msg.Chat.ID
	b.mu.Unlock()

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	cmd, args := text, ""
	if i := strings.IndexByte(text, ' '); i >= 0 {
		cmd, args = text[:i], strings.TrimSpace(text[i+1:])
	}
	// Commands may arrive as /cmd@botname.
	if i := strings.IndexByte(cmd, '@'); i >= 0 && strings.HasPrefix(cmd, "/") {
		cmd = cmd[:i]
	}

	switch cmd {
	case "/start":
		b.reply(ctx, "🐣 Cradle Agent online.\n\n"+
			"Commands:\n"+
			"/status — System status\n"+
			"/task <description> — Submit a task\n"+
			"/plan — Current task tree\n"+
			"/cost — LLM usage stats\n"+
			"/evolve — Trigger self-evolution\n\n"+
			"Or just send me a message with a task.")
	case "/status", "/plan":
		b.dispatch(ctx, b.handlers.OnStatus, "Status callback not configured.")
	case "/cost":
		b.dispatch(ctx, b.handlers.OnCost, "Cost tracking not configured.")
	case "/evolve":
		if b.handlers.OnEvolve == nil {
			b.reply(ctx, "Evolution engine not configured.")
			return
		}
		b.reply(ctx, "🧬 Starting self-evolution cycle...")
		b.reply(ctx, b.handlers.OnEvolve(ctx))
	case "/task":
		if args == "" {
			b.reply(ctx, "Usage: /task <description>")
			return
		}
		b.task(ctx, args)
	default:
		if strings.HasPrefix(cmd, "/") {
			b.reply(ctx, "Unknown command: "+cmd)
			return
		}
		b.task(ctx, text)
	}
}

func (b *Bot) dispatch(ctx context.Context, fn func(context.Context) string, missing string) {
	if fn == nil {
		b.reply(ctx, missing)
		return
	}
	b.reply(ctx, fn(ctx))
}

func (b *Bot) task(ctx context.Context, description string) {
	if b.handlers.OnTask == nil {
		b.reply(ctx, "I'm online but the task engine isn't ready yet.")
		return
	}
	preview := description
	if len(preview) > 100 {
		preview = preview[:100]
	}
	b.reply(ctx, "⏳ Processing: "+preview+"...")
	b.reply(ctx, b.handlers.OnTask(ctx, description))
}

func (b *Bot) reply(ctx context.Context, text string) {
	if err := b.Send(ctx, text); err != nil {
		b.logger.Warn("reply failed", "error", err)
	}
}

// Send delivers text to the authorized user's last chat, chunking at the
// 4096-character limit and rendering markdown as Telegram HTML. A chunk
// whose HTML is rejected is retried as plain text.
func (b *Bot) Send(ctx context.Context, text string) error {
	b.mu.Lock()
	chatID := b.chatID
	b.mu.Unlock()
	if chatID == 0 {
		return fmt.Errorf("telegram: no chat yet, user has not written in")
	}

	for _, chunk := range splitMessage(text) {
		body := map[string]any{
			"chat_id":    chatID,
			"text":       MarkdownToHTML(chunk),
			"parse_mode": "HTML",
		}
		if err := b.callAPI(ctx, "sendMessage", body, nil); err != nil {
			plain := map[string]any{"chat_id": chatID, "text": chunk}
			if err := b.callAPI(ctx, "sendMessage", plain, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Bot) getUpdates(ctx context.Context, offset int64) ([]Update, error) {
	body := map[string]any{
		"offset":          offset,
		"timeout":         30,
		"allowed_updates": []string{"message"},
	}
	var updates []Update
	if err := b.callAPI(ctx, "getUpdates", body, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// callAPI posts JSON to a Bot API method and decodes the result envelope.
func (b *Bot) callAPI(ctx context.Context, method string, reqBody any, result any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("telegram: marshal request: %w", err)
	}

	url := b.apiBase + "/bot" + b.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		ErrorCode   int             `json:"error_code"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("telegram: decode response: %w", err)
	}
	if !envelope.OK {
		return fmt.Errorf("telegram API error %d: %s", envelope.ErrorCode, envelope.Description)
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("telegram: decode result: %w", err)
		}
	}
	return nil
}

// splitMessage chunks text to fit the Telegram message limit, preferring
// newline boundaries.
func splitMessage(text string) []string {
	if len(text) <= maxMessageLength {
		return []string{text}
	}
	var chunks []string
	remaining := text
	for len(remaining) > maxMessageLength {
		window := remaining[:maxMessageLength]
		split := strings.LastIndex(window, "\n")
		if split == -1 {
			split = maxMessageLength
		} else {
			split++ // keep the newline in the current chunk
		}
		chunks = append(chunks, remaining[:split])
		remaining = remaining[split:]
	}
	if len(remaining) > 0 {
		chunks = append(chunks, remaining)
	}
	return chunks
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

var _ cradle.Frontend = (*Bot)(nil)
