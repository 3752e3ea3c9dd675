package bridge

import (
	"context"
	"encoding/json"
	"time"

	"oco_tracker/internal/core"
	"oco_tracker/internal/tracker"
	"oco_tracker/pkg/concurrency"
	"oco_tracker/pkg/websocket"

	"github.com/shopspring/decimal"
)

// orderEvent is the wire format of the bridge order event stream. Status
// is the raw venue code; mapping it to an internal status is the
// dispatcher's job.
type orderEvent struct {
	OrderID   int64           `json:"order_id"`
	Status    int32           `json:"status"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	Symbol    string          `json:"symbol"`
}

// Feed consumes the bridge order event stream and hands each event to the
// dispatcher through a single-worker pool. The pool buffer decouples the
// websocket read loop from the tracker mutex; the single worker drains it
// FIFO, so updates for the same order are applied in arrival order and a
// fill can never be overtaken by the partial fill that preceded it.
type Feed struct {
	ws         *websocket.Client
	pool       *concurrency.WorkerPool
	dispatcher *tracker.Dispatcher
	symbol     string
	logger     core.ILogger
}

// FeedConfig holds event stream settings
type FeedConfig struct {
	WSURL      string
	Symbol     string
	PoolBuffer int
}

// NewFeed creates the order event feed
func NewFeed(cfg FeedConfig, dispatcher *tracker.Dispatcher, logger core.ILogger) *Feed {
	f := &Feed{
		dispatcher: dispatcher,
		symbol:     cfg.Symbol,
		logger:     logger.WithField("component", "bridge_feed"),
	}

	// Exactly one worker: event ordering per order must survive the hop
	// from the read loop to the tracker.
	f.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "order-events",
		MaxWorkers:  1,
		MaxCapacity: cfg.PoolBuffer,
		NonBlocking: true,
	}, logger)

	f.ws = websocket.NewClient(cfg.WSURL, f.handleMessage, logger)
	f.ws.SetPingConfig(15*time.Second, 5*time.Second, 30*time.Second)
	return f
}

// Start begins consuming the event stream
func (f *Feed) Start() {
	f.logger.Info("Starting order event feed", "symbol", f.symbol)
	f.ws.Start()
}

// Stop disconnects and drains the worker pool
func (f *Feed) Stop() {
	f.ws.Stop()
	f.pool.Stop()
	f.logger.Info("Order event feed stopped")
}

func (f *Feed) handleMessage(message []byte) {
	var ev orderEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		f.logger.Warn("Discarding malformed order event", "error", err)
		return
	}

	if ev.Symbol != "" && ev.Symbol != f.symbol {
		return
	}

	if err := f.pool.Submit(func() {
		f.dispatcher.Dispatch(context.Background(), ev.OrderID, ev.Status, ev.FilledQty, ev.AvgPrice)
	}); err != nil {
		f.logger.Error("Dropping order event, pool saturated",
			"order_id", ev.OrderID,
			"error", err)
	}
}
