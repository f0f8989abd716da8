// Package publish ships finalized candles and trade settlements to the
// realtime and notification subsystems.
package publish

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"otcmarket/internal/bus"
	"otcmarket/internal/model"
	"otcmarket/internal/obs"
)

const (
	TopicCandleFinalized = "otc.candle.finalized"
	TopicTradeSettled    = "otc.trade.settled"
)

// Publisher delivers one event to a broker.
type Publisher interface {
	Publish(ctx context.Context, e bus.Event) error
	Close() error
}

// Envelope is the JSON body of every event.
type Envelope struct {
	ID   uint64          `json:"id"`
	Type string          `json:"type"`
	At   int64           `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Emitter turns domain results into queued events without blocking the tick loop.
type Emitter struct {
	queue   *bus.Queue
	ids     *EventIDs
	metrics *obs.Metrics
	now     func() time.Time
}

func NewEmitter(queue *bus.Queue, ids *EventIDs, metrics *obs.Metrics) *Emitter {
	if ids == nil {
		ids = NewEventIDs(time.Now())
	}
	return &Emitter{queue: queue, ids: ids, metrics: metrics, now: time.Now}
}

// Candles queues one event per finalized candle. It matches candle.Observer.
func (e *Emitter) Candles(_ context.Context, candles []model.Candle) {
	for _, c := range candles {
		e.emit(TopicCandleFinalized, strconv.FormatUint(c.InstrumentID, 10), c)
	}
}

// Settlements queues one event per settled trade.
func (e *Emitter) Settlements(_ context.Context, settlements []model.Settlement) {
	for _, s := range settlements {
		e.emit(TopicTradeSettled, strconv.FormatUint(s.UserID, 10), s)
	}
}

func (e *Emitter) emit(topic, key string, v any) {
	if e == nil || e.queue == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		logs.Errorf("publish: marshal %s: %+v", topic, err)
		return
	}
	id := e.ids.Next()
	body, err := json.Marshal(Envelope{ID: id, Type: topic, At: e.now().UnixMilli(), Data: data})
	if err != nil {
		logs.Errorf("publish: marshal envelope %s: %+v", topic, err)
		return
	}
	switch err := e.queue.TryPublish(bus.Event{ID: id, Topic: topic, Key: key, Payload: body}); err {
	case nil:
	case bus.ErrQueueFull:
		e.metrics.IncQueueDrop()
	case bus.ErrQueueClosed:
		e.metrics.IncQueueClosed()
	}
}

// Pump forwards queued events to every publisher until the queue is closed
// and drained or ctx is done. Delivery failures are logged and counted.
func Pump(ctx context.Context, queue *bus.Queue, metrics *obs.Metrics, publishers ...Publisher) {
	queue.Run(ctx, func(e bus.Event) {
		for _, p := range publishers {
			if err := p.Publish(ctx, e); err != nil {
				metrics.IncError("publish")
				logs.Warnf("publish: %s event %d: %+v", e.Topic, e.ID, err)
			}
		}
	})
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, bus.Event) error { return nil }
func (Nop) Close() error                            { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []bus.Event
	err    error
}

// Fail makes subsequent publishes return err until cleared with nil.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *Recorder) Publish(_ context.Context, e bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return errors.Wrap(r.err, "recorder publish")
	}
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.Event(nil), r.events...)
}
