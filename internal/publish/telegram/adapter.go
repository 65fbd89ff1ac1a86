// Package telegram dispatches a media item to the operator chat and resolves
// the outcome from an inline-button press. The pending-resolution window maps
// one-to-one onto the queue entry's processing state; an operator who never
// answers is handled upstream by the processing reaper.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"postbot/internal/publish"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

type Config struct {
	Token       string
	ChatID      int64
	ThreadID    int
	RatePerSec  int
	PollTimeout time.Duration
}

type Adapter struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter

	mu      sync.Mutex
	pending map[string]chan publish.Signal
	running bool
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		pending: map[string]chan publish.Signal{},
	}
	a.registerHandlers()
	return a, nil
}

const (
	btnPostUnique   = "post_ok"
	btnSkipUnique   = "post_skip"
	btnRejectUnique = "post_reject"
)

func (a *Adapter) registerHandlers() {
	a.bot.Handle(&tele.Btn{Unique: btnPostUnique}, a.callbackHandler(publish.SignalPosted, "Posted"))
	a.bot.Handle(&tele.Btn{Unique: btnSkipUnique}, a.callbackHandler(publish.SignalSkipped, "Skipped"))
	a.bot.Handle(&tele.Btn{Unique: btnRejectUnique}, a.callbackHandler(publish.SignalRejected, "Never again"))
}

func (a *Adapter) callbackHandler(sig publish.Signal, ack string) tele.HandlerFunc {
	return func(c tele.Context) error {
		token := strings.TrimSpace(c.Data())
		if !a.resolve(token, sig) {
			// Stale button: the dispatch was already resolved or reaped.
			return c.Respond(&tele.CallbackResponse{Text: "Expired"})
		}
		return c.Respond(&tele.CallbackResponse{Text: ack})
	}
}

func (a *Adapter) resolve(token string, sig publish.Signal) bool {
	a.mu.Lock()
	ch, ok := a.pending[token]
	if ok {
		delete(a.pending, token)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	ch <- sig
	return true
}

func (a *Adapter) unregister(token string) {
	a.mu.Lock()
	delete(a.pending, token)
	a.mu.Unlock()
}

// Dispatch sends the item with the outcome keyboard and blocks until a
// button resolves it or ctx ends.
func (a *Adapter) Dispatch(ctx context.Context, item storage.MediaItem, correlationID string) (publish.Signal, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return publish.SignalFailed, err
	}

	token := uuid.NewString()
	ch := make(chan publish.Signal, 1)
	a.mu.Lock()
	a.pending[token] = ch
	a.mu.Unlock()

	mk := &tele.ReplyMarkup{}
	post := mk.Data("Post", btnPostUnique, token)
	skip := mk.Data("Skip", btnSkipUnique, token)
	reject := mk.Data("Never again", btnRejectUnique, token)
	mk.Inline(mk.Row(post), mk.Row(skip, reject))

	_, err := a.bot.Send(tele.ChatID(a.cfg.ChatID), captionFor(item), &tele.SendOptions{
		ThreadID:    a.cfg.ThreadID,
		ReplyMarkup: mk,
	})
	if err != nil {
		a.unregister(token)
		return publish.SignalFailed, fmt.Errorf("telegram: send review message: %w", err)
	}
	a.log.Debug("review message sent",
		logx.Int64("media_id", item.ID), logx.String("corr_id", correlationID))

	select {
	case sig := <-ch:
		return sig, nil
	case <-ctx.Done():
		a.unregister(token)
		return publish.SignalFailed, ctx.Err()
	}
}

func captionFor(item storage.MediaItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Media #%d", item.ID)
	if item.Category != "" {
		fmt.Fprintf(&b, "\nCategory: %s", item.Category)
	}
	if item.TimesPosted > 0 {
		fmt.Fprintf(&b, "\nPosted %d time(s)", item.TimesPosted)
	} else {
		b.WriteString("\nNever posted")
	}
	return b.String()
}

// Start begins long-polling; it returns immediately and stops when ctx ends.
func (a *Adapter) Start(ctx context.Context) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		a.Stop()
	}()
	go func() {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	}()
}

// Stop halts polling and fails every pending dispatch so in-flight
// orchestrator calls unblock. Safe to call more than once; only the first
// call stops the poller.
func (a *Adapter) Stop() {
	a.mu.Lock()
	wasRunning := a.running
	a.running = false
	pending := a.pending
	a.pending = map[string]chan publish.Signal{}
	a.mu.Unlock()

	for _, ch := range pending {
		ch <- publish.SignalFailed
	}
	if wasRunning {
		a.bot.Stop()
	}
}
