// internal/chat/orchestrator.go
// Package chat ties the session store, the broker transport and the message log into
// one chat session. Transport events are applied serially by Run.
package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/erilali/groupchat/internal/chatlog"
	"github.com/erilali/groupchat/internal/logger"
	"github.com/erilali/groupchat/internal/message"
	"github.com/erilali/groupchat/internal/session"
	"github.com/erilali/groupchat/internal/transport"
)

const joinContent = "joined the group"

type ReconnectPolicy struct {
	Enabled         bool
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Options struct {
	BrokerURL   string
	Topic       string
	Destination string
	// JoinDestination receives an announcement after each subscribe. Empty disables it.
	JoinDestination string
	Reconnect       ReconnectPolicy
	// Pick chooses the user's color. Nil means random.
	Pick session.Picker
}

func DefaultOptions() Options {
	return Options{
		BrokerURL:       "ws://localhost:8080/ws",
		Topic:           message.GroupTopic,
		Destination:     message.SendDestination,
		JoinDestination: message.JoinDestination,
		Reconnect: ReconnectPolicy{
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
		},
	}
}

// Status is what the view shows in its connection line.
type Status struct {
	State transport.State
	Err   error
}

type Orchestrator struct {
	client transport.Client
	store  *session.Store
	log    *chatlog.Log
	opts   Options
	logger *logger.Logger

	mu         sync.Mutex
	connectCtx context.Context
	sessionGen uint64 // bumped by Login and Logout
	sessionLog *logger.Logger
	subscribed bool // the current connection has subscribed
	sub        *transport.Subscription
	status     Status
	backoff    *backoff.ExponentialBackOff
	retryTimer *time.Timer

	statusUpdates chan struct{}
}

func New(client transport.Client, opts Options, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Nop()
	}
	b := backoff.NewExponentialBackOff()
	if opts.Reconnect.InitialInterval > 0 {
		b.InitialInterval = opts.Reconnect.InitialInterval
	}
	if opts.Reconnect.MaxInterval > 0 {
		b.MaxInterval = opts.Reconnect.MaxInterval
	}
	return &Orchestrator{
		client:        client,
		store:         session.NewStore(),
		log:           chatlog.New(),
		opts:          opts,
		logger:        log,
		sessionLog:    log,
		backoff:       b,
		statusUpdates: make(chan struct{}, 1),
	}
}

// Login validates the name, stores the user and starts connecting. The connection
// outcome is reported through Status.
func (o *Orchestrator) Login(ctx context.Context, displayName string) (session.User, error) {
	if !session.ValidName(displayName) {
		return session.User{}, ErrInvalidName
	}

	o.mu.Lock()
	if _, ok := o.store.Get(); ok {
		o.mu.Unlock()
		return session.User{}, ErrAlreadyLoggedIn
	}
	user := session.NewUser(displayName, o.opts.Pick)
	o.store.Set(user)
	o.sessionGen++
	o.connectCtx = ctx
	o.subscribed = false
	o.sub = nil
	o.backoff.Reset()
	o.sessionLog = o.logger.WithFields(map[string]interface{}{
		"session":  uuid.NewString(),
		"username": user.DisplayName,
	})
	sessionLog := o.sessionLog
	o.mu.Unlock()

	sessionLog.LogEvent("info", "login", user.DisplayName, user.ColorTag)
	o.setStatus(Status{State: transport.Connecting})
	if err := o.client.Connect(ctx, o.opts.BrokerURL); err != nil {
		o.mu.Lock()
		o.store.Clear()
		o.sessionGen++
		o.mu.Unlock()
		o.setStatus(Status{State: o.client.State(), Err: err})
		return session.User{}, err
	}
	return user, nil
}

// SendUserMessage publishes rawText as the current user. Blank text is ignored.
// Nothing is appended locally; the message shows up when the broker echoes it.
func (o *Orchestrator) SendUserMessage(rawText string) error {
	user, ok := o.store.Get()
	if !ok {
		return ErrNotLoggedIn
	}
	msg, ok := message.Draft(user.DisplayName, rawText)
	if !ok {
		return nil
	}

	if err := o.client.Publish(o.opts.Destination, msg); err != nil {
		o.logger.Warnf("Message from %s not sent: %v", user.DisplayName, err)
		return err
	}
	return nil
}

// Retry reconnects a logged in session after a failure or a broker close.
func (o *Orchestrator) Retry(ctx context.Context) error {
	o.mu.Lock()
	if _, ok := o.store.Get(); !ok {
		o.mu.Unlock()
		return ErrNotLoggedIn
	}
	o.stopRetryLocked()
	o.connectCtx = ctx
	o.mu.Unlock()

	if err := o.client.Connect(ctx, o.opts.BrokerURL); err != nil {
		return err
	}
	return nil
}

// Logout ends the session. Calling it without a session is harmless.
func (o *Orchestrator) Logout() {
	o.mu.Lock()
	user, ok := o.store.Get()
	o.sessionGen++
	o.stopRetryLocked()
	sub := o.sub
	o.subscribed = false
	o.sub = nil
	sessionLog := o.sessionLog
	o.mu.Unlock()

	if sub != nil {
		if err := o.client.Unsubscribe(sub); err != nil {
			o.logger.Debugf("Unsubscribe %s: %v", sub.ID, err)
		}
	}
	o.client.Disconnect()
	o.store.Clear()
	o.log.Clear()

	if ok {
		sessionLog.LogEvent("info", "logout", user.DisplayName, "")
	}
	o.setStatus(Status{State: transport.Disconnected})
}

// Run applies transport events until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	events := o.client.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			o.handle(ev)
		}
	}
}

func (o *Orchestrator) handle(ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		o.onConnected()
	case transport.EventMessageReceived:
		o.onMessage(ev)
	case transport.EventDisconnected:
		o.onDisconnected(ev.Err)
	case transport.EventConnectionFailed:
		o.onConnectionFailed(ev.Err)
	}
}

func (o *Orchestrator) onConnected() {
	o.mu.Lock()
	user, ok := o.store.Get()
	if !ok || o.subscribed {
		o.mu.Unlock()
		return
	}
	gen := o.sessionGen
	o.mu.Unlock()

	sub, err := o.client.Subscribe(o.opts.Topic)
	if err != nil {
		// The connection this event belonged to is already gone.
		o.logger.Warnf("Subscribe to %s failed: %v", o.opts.Topic, err)
		return
	}

	o.mu.Lock()
	if gen != o.sessionGen {
		// Logout ran while subscribing and tears the connection down.
		o.mu.Unlock()
		return
	}
	o.sub = sub
	o.subscribed = true
	o.backoff.Reset()
	sessionLog := o.sessionLog
	o.mu.Unlock()

	sessionLog.LogEvent("info", "connected", user.DisplayName, o.opts.Topic)
	o.setStatus(Status{State: transport.Connected})

	if o.opts.JoinDestination != "" {
		join := message.ChatMessage{Sender: user.DisplayName, Content: joinContent}
		if err := o.client.Publish(o.opts.JoinDestination, join); err != nil {
			o.logger.Warnf("Join announcement for %s not sent: %v", user.DisplayName, err)
		}
	}
}

func (o *Orchestrator) onMessage(ev transport.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.store.Get(); !ok || !o.subscribed {
		o.logger.Debugf("Dropping message from %s received outside a session", ev.Message.Sender)
		return
	}
	o.log.Append(ev.Message)
	o.sessionLog.LogEvent("debug", "message_received", ev.Message.Sender, ev.Topic)
}

func (o *Orchestrator) onDisconnected(cause error) {
	o.mu.Lock()
	if o.client.State() == transport.Connected && o.subscribed {
		// Late event of an earlier connection; the current one is already subscribed.
		o.mu.Unlock()
		return
	}
	o.subscribed = false
	o.sub = nil
	_, loggedIn := o.store.Get()
	if loggedIn && cause != nil {
		o.scheduleRetryLocked()
	}
	o.mu.Unlock()

	if cause != nil {
		o.logger.Warnf("Connection lost: %v", cause)
	}
	o.setStatus(Status{State: o.client.State(), Err: cause})
}

func (o *Orchestrator) onConnectionFailed(cause error) {
	o.mu.Lock()
	o.subscribed = false
	o.sub = nil
	if _, loggedIn := o.store.Get(); loggedIn {
		o.scheduleRetryLocked()
	}
	o.mu.Unlock()

	var cfe *transport.ConnectionFailedError
	if errors.As(cause, &cfe) {
		o.logger.Errorf("Could not connect to %s: %v", cfe.Endpoint, cfe.Err)
	} else {
		o.logger.Errorf("Could not connect: %v", cause)
	}
	o.setStatus(Status{State: transport.Failed, Err: cause})
}

func (o *Orchestrator) scheduleRetryLocked() {
	if !o.opts.Reconnect.Enabled || o.retryTimer != nil {
		return
	}
	delay := o.backoff.NextBackOff()
	if delay == backoff.Stop {
		o.logger.Warn("Giving up reconnecting")
		return
	}

	gen := o.sessionGen
	o.logger.Infof("Reconnecting in %s", delay)
	o.retryTimer = time.AfterFunc(delay, func() { o.reconnect(gen) })
}

// reconnect runs when a retry timer fires for session gen.
func (o *Orchestrator) reconnect(gen uint64) {
	o.mu.Lock()
	o.retryTimer = nil
	if gen != o.sessionGen {
		o.mu.Unlock()
		return
	}
	ctx := o.connectCtx
	o.mu.Unlock()

	if err := o.client.Connect(ctx, o.opts.BrokerURL); err != nil {
		o.logger.Warnf("Reconnect not started: %v", err)
		return
	}

	o.mu.Lock()
	ended := gen != o.sessionGen
	o.mu.Unlock()
	if ended {
		// The session ended between the check and Connect.
		o.client.Disconnect()
	}
}

func (o *Orchestrator) stopRetryLocked() {
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
}

func (o *Orchestrator) setStatus(s Status) {
	o.mu.Lock()
	o.status = s
	o.mu.Unlock()

	select {
	case o.statusUpdates <- struct{}{}:
	default:
	}
}

// State is the transport's connection state.
func (o *Orchestrator) State() transport.State {
	return o.client.State()
}

// Status is the last connection status reported to the view.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// StatusUpdates signals a Status change. Signals coalesce.
func (o *Orchestrator) StatusUpdates() <-chan struct{} {
	return o.statusUpdates
}

func (o *Orchestrator) User() (session.User, bool) {
	return o.store.Get()
}

func (o *Orchestrator) Log() *chatlog.Log {
	return o.log
}
