package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-realtime/core"
)

const (
	DefaultThrottleWindow  = time.Second
	DefaultReconnectDelay  = 5 * time.Second
	DefaultFallbackChannel = "general"
)

// State of the pipeline's feed subscription.
type State int

const (
	Watching State = iota
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Watching:
		return "watching"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// PipelineConfig holds the collaborators and timings of a Pipeline.
// Zero timings and an empty fallback channel take their defaults; use a
// negative ThrottleWindow to disable throttling.
type PipelineConfig struct {
	Source          Source
	Sink            Broadcaster
	Clock           clock.Clock
	Logger          core.Logger
	Metrics         *Metrics
	Filter          Filter
	ThrottleWindow  time.Duration
	ReconnectDelay  time.Duration
	FallbackChannel string
}

func (c PipelineConfig) Validate() error {
	if c.Source == nil {
		return ErrNoSource
	}
	if c.Sink == nil {
		return ErrNoSink
	}
	if c.ReconnectDelay < 0 {
		return errors.Errorf("negative reconnect delay %v", c.ReconnectDelay)
	}
	for _, op := range c.Filter.Operations {
		if !op.Valid() {
			return errors.Errorf("unsupported operation %q in filter", op)
		}
	}
	return nil
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = core.NopLogger{}
	}
	if len(c.Filter.Operations) == 0 {
		c.Filter.Operations = AllOperations
	}
	switch {
	case c.ThrottleWindow == 0:
		c.ThrottleWindow = DefaultThrottleWindow
	case c.ThrottleWindow < 0:
		c.ThrottleWindow = 0
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.FallbackChannel == "" {
		c.FallbackChannel = DefaultFallbackChannel
	}
	return c
}

// Pipeline bridges a change feed to a broadcast sink: keyed events are
// throttled per key, keyless events go straight to the fallback channel,
// and any feed interruption is followed by a re-subscription after a fixed delay.
type Pipeline struct {
	conf      PipelineConfig
	scheduler *Scheduler

	mu    sync.Mutex
	state State
}

func NewPipeline(conf PipelineConfig) (*Pipeline, error) {
	if err := conf.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating pipeline config")
	}
	conf = conf.withDefaults()

	p := &Pipeline{conf: conf}
	p.scheduler = NewScheduler(conf.Clock, conf.ThrottleWindow, p.broadcast).withMetrics(conf.Metrics)
	return p, nil
}

// State returns the current feed state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Run watches the feed until ctx is done. It never gives up on the feed;
// the only error returned is ctx.Err().
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.scheduler.Stop()

	for {
		p.setState(Watching)
		err := p.watch(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			p.conf.Logger.Error(fmt.Sprintf("change feed error, reconnecting in %v", p.conf.ReconnectDelay), err)
		} else {
			p.conf.Logger.Warn(fmt.Sprintf("change feed closed, reconnecting in %v", p.conf.ReconnectDelay))
		}

		p.conf.Metrics.reconnect()
		p.setState(Reconnecting)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.conf.Clock.After(p.conf.ReconnectDelay):
		}
	}
}

// watch consumes one subscription until it ends. A nil error means the feed closed cleanly.
func (p *Pipeline) watch(ctx context.Context) error {
	sub, err := p.conf.Source.Subscribe(ctx, p.conf.Filter)
	if err != nil {
		return errors.Wrap(err, "subscribing to change feed")
	}
	defer func() { _ = sub.Close() }()

	p.conf.Logger.Debug(fmt.Sprintf("watching change feed %v", p.conf.Filter.Names()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Changes():
			if !ok {
				return sub.Err()
			}
			p.dispatch(ev)
		}
	}
}

func (p *Pipeline) dispatch(ev ChangeEvent) {
	p.conf.Metrics.event(ev.Operation)
	if ev.RoutingKey == "" {
		p.broadcast(p.conf.FallbackChannel, ev)
		return
	}
	p.scheduler.Submit(ev.RoutingKey, ev)
}

func (p *Pipeline) broadcast(channel string, ev ChangeEvent) {
	p.conf.Metrics.broadcast(channel)
	p.conf.Sink.Broadcast(channel, ev.Payload)
}
