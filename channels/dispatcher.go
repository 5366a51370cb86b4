package channels

import (
	"context"
	"log/slog"
	"sync"
)

// channelEntry holds a running channel.
type channelEntry struct {
	channel Channel
	cancel  context.CancelFunc
	wg      sync.WaitGroup // tracks the dispatch goroutine
}

// Dispatcher runs channels and routes their inbound messages through an
// InboundHandler. Messages of one channel are handled one at a time, in
// arrival order.
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[string]*channelEntry
	handler  InboundHandler
	logger   *slog.Logger

	// lifecycleCtx parents every listen context, so channels outlive the
	// context passed to Start.
	lifecycleCtx    context.Context
	lifecycleCancel context.CancelFunc

	// sem limits concurrent InboundHandler calls across channels when
	// maxConcurrent > 0.
	sem chan struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets a custom logger for the dispatcher.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMaxConcurrent caps concurrent InboundHandler calls across all
// channels. Zero or negative means unlimited (default).
func WithMaxConcurrent(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = make(chan struct{}, n)
		}
	}
}

// NewDispatcher creates a Dispatcher with the given inbound handler.
func NewDispatcher(handler InboundHandler, opts ...DispatcherOption) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		channels:        make(map[string]*channelEntry),
		handler:         handler,
		logger:          slog.Default(),
		lifecycleCtx:    ctx,
		lifecycleCancel: cancel,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Start registers ch under name and begins dispatching its messages. A
// channel already running under that name is closed first.
func (d *Dispatcher) Start(name string, ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.channels[name]; ok {
		d.closeEntry(name, old)
	}

	listenCtx, cancel := context.WithCancel(d.lifecycleCtx)
	entry := &channelEntry{channel: ch, cancel: cancel}
	d.channels[name] = entry

	entry.wg.Add(1)
	go d.dispatch(listenCtx, name, ch, &entry.wg)

	d.logger.Info("channel started", "channel", name, "platform", ch.Status().Platform)
}

// Channel returns the running channel registered under name.
func (d *Dispatcher) Channel(name string) (Channel, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.channels[name]
	if !ok {
		return nil, false
	}
	return entry.channel, true
}

// Send sends an outbound message through the named channel.
func (d *Dispatcher) Send(ctx context.Context, msg Message) (string, error) {
	ch, ok := d.Channel(msg.ChannelName)
	if !ok {
		return "", &ErrChannelNotFound{Channel: msg.ChannelName}
	}
	return ch.Send(ctx, msg)
}

// Status returns the ChannelStatus for a named channel.
func (d *Dispatcher) Status(name string) (ChannelStatus, bool) {
	ch, ok := d.Channel(name)
	if !ok {
		return ChannelStatus{}, false
	}
	return ch.Status(), true
}

// dispatch reads inbound messages from a channel and processes them through
// the InboundHandler. Replies are sent back through the same channel.
func (d *Dispatcher) dispatch(ctx context.Context, name string, ch Channel, wg *sync.WaitGroup) {
	defer wg.Done()
	msgs := ch.Listen(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				d.logger.Info("channel listen closed", "channel", name)
				return
			}

			if d.sem != nil {
				select {
				case d.sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}

			responses, err := d.handle(ctx, msg)

			if d.sem != nil {
				<-d.sem
			}

			if err != nil {
				d.logger.Error("inbound handler failed",
					"channel", name, "chat", msg.ChatID, "error", err)
				continue
			}

			for _, resp := range responses {
				resp.ChannelName = name
				resp.Direction = Outbound
				if resp.ChatID == "" {
					resp.ChatID = msg.ChatID
				}
				if _, err := ch.Send(ctx, resp); err != nil {
					d.logger.Error("send response failed",
						"channel", name, "chat", resp.ChatID, "error", err)
				}
			}
		}
	}
}

// handle runs the handler, turning a panic into a logged failure so one bad
// message cannot stop the channel.
func (d *Dispatcher) handle(ctx context.Context, msg Message) (out []Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("inbound handler panic", "channel", msg.ChannelName, "panic", r)
			out, err = nil, nil
		}
	}()
	return d.handler(ctx, msg)
}

// closeEntry shuts down a channel entry and waits for its dispatch
// goroutine to exit.
func (d *Dispatcher) closeEntry(name string, entry *channelEntry) {
	entry.cancel()
	if err := entry.channel.Close(); err != nil {
		d.logger.Error("channel close failed", "channel", name, "error", err)
	} else {
		d.logger.Info("channel stopped", "channel", name)
	}
	entry.wg.Wait()
}

// Close shuts down all channels and cancels the lifecycle context.
func (d *Dispatcher) Close() error {
	d.lifecycleCancel()
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, entry := range d.channels {
		d.closeEntry(name, entry)
	}
	d.channels = make(map[string]*channelEntry)
	return nil
}
