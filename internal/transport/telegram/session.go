// Package telegram implements transport.Session on top of the Telegram Bot
// API via telebot's long poller.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "groupwatch/internal/runtime/supervisor"
	"groupwatch/internal/transport"
	logx "groupwatch/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Session owns the telebot instance and its poll loop. The monitored scope
// and output channel are swapped atomically so handlers never race Start/Stop.
type Session struct {
	cfg Config
	log logx.Logger

	runMu     sync.Mutex
	bot       *tele.Bot
	connected bool

	out   atomic.Value // stores (chan<- transport.RawMessage)
	scope atomic.Value // stores map[int64]struct{}

	// sup owns session internal goroutines (poll loop, drop logger, stop watcher).
	// It is created on Watch() and cancelled on Disconnect().
	sup *rtsup.Supervisor

	// dropped counts raw messages dropped because the consumer was slower than
	// the poll loop. Logged periodically to avoid per-message log spam.
	dropped uint64
}

func New(cfg Config, log logx.Logger) (*Session, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Session{cfg: cfg, log: log}
	// Ensure atomic values are initialized with stable dynamic types.
	var nilOut chan<- transport.RawMessage
	s.out.Store(nilOut)
	s.scope.Store(map[int64]struct{}{})
	return s, nil
}

// Connect builds the bot and verifies authentication. telebot's NewBot calls
// getMe, so a bad token or unreachable network fails here, not later.
func (s *Session) Connect(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.connected {
		return nil
	}

	b, err := tele.NewBot(tele.Settings{
		Token:  s.cfg.Token,
		Poller: &tele.LongPoller{Timeout: s.cfg.PollTimeout},
	})
	if err != nil {
		return err
	}
	s.bot = b
	s.registerHandlers()
	s.connected = true
	s.log.Info("session connected", logx.Int64("self_id", b.Me.ID), logx.String("username", b.Me.Username))
	return nil
}

func (s *Session) Me(ctx context.Context) (transport.SelfInfo, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.connected || s.bot == nil || s.bot.Me == nil {
		return transport.SelfInfo{}, errors.New("session not connected")
	}
	me := s.bot.Me
	return transport.SelfInfo{ID: me.ID, FirstName: me.FirstName, Username: me.Username}, nil
}

func (s *Session) Resolve(ctx context.Context, ref transport.EntityRef) (transport.EntityInfo, error) {
	s.runMu.Lock()
	bot := s.bot
	connected := s.connected
	s.runMu.Unlock()
	if !connected || bot == nil {
		return transport.EntityInfo{}, errors.New("session not connected")
	}

	var (
		chat *tele.Chat
		err  error
	)
	if ref.IsUsername() {
		chat, err = bot.ChatByUsername("@" + ref.Username)
	} else {
		chat, err = bot.ChatByID(ref.ID)
	}
	if err != nil {
		return transport.EntityInfo{}, err
	}
	return entityFromChat(chat), nil
}

func entityFromChat(c *tele.Chat) transport.EntityInfo {
	return transport.EntityInfo{
		ID:        c.ID,
		Title:     c.Title,
		FirstName: c.FirstName,
		LastName:  c.LastName,
		Username:  c.Username,
		Megagroup: c.Type == tele.ChatSuperGroup,
		Broadcast: c.Type == tele.ChatChannel,
	}
}

func (s *Session) registerHandlers() {
	forward := func(c tele.Context) error {
		m := c.Message()
		if m == nil {
			return nil
		}
		s.forwardMessage(m)
		return nil
	}

	// Monitored groups mostly relay text, but media posts matter too.
	for _, endpoint := range []string{
		tele.OnText, tele.OnPhoto, tele.OnVideo, tele.OnDocument,
		tele.OnVoice, tele.OnAudio, tele.OnSticker, tele.OnAnimation,
		tele.OnChannelPost,
	} {
		s.bot.Handle(endpoint, forward)
	}
}

func (s *Session) forwardMessage(m *tele.Message) {
	if m.Chat == nil {
		return
	}
	scope, _ := s.scope.Load().(map[int64]struct{})
	if len(scope) == 0 {
		return
	}
	_, chatOK := scope[m.Chat.ID]
	senderOK := false
	if m.Sender != nil {
		_, senderOK = scope[m.Sender.ID]
	}
	if !chatOK && !senderOK {
		return
	}

	raw := rawFromMessage(m)

	v := s.out.Load()
	out, _ := v.(chan<- transport.RawMessage)
	if out == nil {
		return
	}
	select {
	case out <- raw:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}

func rawFromMessage(m *tele.Message) transport.RawMessage {
	raw := transport.RawMessage{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ChatTitle:    m.Chat.Title,
		ChatUsername: m.Chat.Username,
		Text:         m.Text,
		SentAt:       m.Time(),
	}
	if m.Sender != nil {
		raw.SenderID = m.Sender.ID
		raw.SenderFirstName = m.Sender.FirstName
		raw.SenderLastName = m.Sender.LastName
		raw.SenderUsername = m.Sender.Username
	}

	switch {
	case m.Photo != nil:
		raw.Media = transport.MediaPhoto
	case m.Video != nil:
		raw.Media = transport.MediaVideo
	case m.Document != nil:
		raw.Media = transport.MediaDocument
	case m.Voice != nil:
		raw.Media = transport.MediaVoice
	case m.Audio != nil:
		raw.Media = transport.MediaAudio
	case m.Sticker != nil:
		raw.Media = transport.MediaSticker
	case m.Animation != nil:
		raw.Media = transport.MediaAnimation
	}
	if raw.Media != "" && raw.Text == "" {
		raw.Text = m.Caption
	}
	return raw
}

// Watch scopes the poll loop to the given entity ids and starts it. Calling
// Watch again replaces the scope and output channel without restarting the
// poller.
func (s *Session) Watch(ctx context.Context, entityIDs []int64, out chan<- transport.RawMessage) error {
	if len(entityIDs) == 0 {
		return errors.New("watch scope is empty")
	}

	scope := make(map[int64]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		scope[id] = struct{}{}
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.connected || s.bot == nil {
		return errors.New("session not connected")
	}

	s.scope.Store(scope)
	s.out.Store(out)

	if s.sup != nil {
		// Poller already running; only the scope changed.
		s.log.Info("watch scope updated", logx.Int("entities", len(scope)))
		return nil
	}

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "telegram.session"))),
		// session errors should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	bot := s.bot

	// Periodic summary for dropped messages (avoid noisy per-message logs).
	sup.Go0("watch.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				if n := atomic.SwapUint64(&s.dropped, 0); n > 0 {
					s.log.Warn("inbound messages dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&s.dropped, 0); n > 0 {
					s.log.Warn("inbound messages dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	})

	// Ensure the poller stops when the session context is cancelled.
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		bot.Stop()
	})

	// Telebot's Start() is a long-running loop. In some failure modes it can
	// exit unexpectedly; run it under a restart loop so the session self-heals.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		s.log.Info("polling started")
		bot.Start()
		s.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		// Restart if Start() returns while context is still active.
		rtsup.WithStopOnCleanExit(false),
	)

	s.log.Info("watch started", logx.Int("entities", len(scope)))
	return nil
}

// Disconnect stops the poller, best effort. Never blocks shutdown for long
// on a pending long-poll.
func (s *Session) Disconnect(ctx context.Context) error {
	s.runMu.Lock()
	sup := s.sup
	s.sup = nil
	bot := s.bot
	wasConnected := s.connected
	s.connected = false
	var nilOut chan<- transport.RawMessage
	s.out.Store(nilOut)
	s.scope.Store(map[int64]struct{}{})
	s.runMu.Unlock()

	if !wasConnected {
		return nil
	}

	if sup != nil {
		sup.Cancel()
	}
	if bot != nil {
		// telebot Stop is expected to be fast; run it async just in case.
		go bot.Stop()
	}

	if sup == nil {
		return nil
	}

	// Grace window: keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.log.Warn("session stop timed out", logx.Err(err))
			return nil
		}
		s.log.Debug("session stopped with error", logx.Err(err))
	}
	s.log.Info("session disconnected")
	return nil
}
