package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"mt5-trader/internal/models"
	"mt5-trader/internal/security"
	"mt5-trader/pkg/utils"
)

// Sender delivers a single notification.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// Dispatcher queues trade events and delivers their summaries in the
// background. Delivery failures are logged and never reach the caller.
type Dispatcher struct {
	sender  Sender
	logger  zerolog.Logger
	timeout time.Duration
	queue   chan Notification

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

// NewDispatcher starts a dispatcher with a queue of bufferSize notifications.
func NewDispatcher(sender Sender, bufferSize int, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	d := &Dispatcher{
		sender:  sender,
		logger:  logger.With().Str("component", "notify").Logger(),
		timeout: timeout,
		queue:   make(chan Notification, bufferSize),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Publish summarizes event and queues it for delivery.
func (d *Dispatcher) Publish(ctx context.Context, event models.TradeEvent) {
	d.Enqueue(Summarize(event))
}

// Enqueue queues n without blocking. When the queue is full the oldest
// pending notification is dropped.
func (d *Dispatcher) Enqueue(n Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	select {
	case d.queue <- n:
		return
	default:
	}
	select {
	case <-d.queue:
		d.dropped.Add(1)
	default:
	}
	select {
	case d.queue <- n:
	default:
		d.dropped.Add(1)
	}
}

// Dropped returns how many notifications were discarded on overflow.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n Notification) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("title", n.Title).Msg("Notification delivery panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.sender.Send(ctx, n); err != nil {
		// Channel errors can embed bot tokens or webhook paths.
		d.logger.Warn().Str("error", security.MaskSensitive(err.Error())).Str("title", n.Title).Msg("Notification delivery failed")
	}
}

// Close stops accepting notifications and waits for the queue to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

var operationTitles = map[models.Operation]string{
	models.OpOpen:          "Position Opened",
	models.OpClose:         "Position Closed",
	models.OpCloseAll:      "Positions Closed",
	models.OpModify:        "Position Modified",
	models.OpHedge:         "Position Hedged",
	models.OpPendingPlace:  "Pending Order Placed",
	models.OpPendingCancel: "Pending Order Cancelled",
}

var operationNames = map[models.Operation]string{
	models.OpOpen:          "Open",
	models.OpClose:         "Close",
	models.OpCloseAll:      "Close all",
	models.OpModify:        "Modify",
	models.OpHedge:         "Hedge",
	models.OpPendingPlace:  "Pending order",
	models.OpPendingCancel: "Cancel order",
}

// Summarize renders a trade event as a notification.
func Summarize(event models.TradeEvent) Notification {
	n := Notification{
		Type:      NotificationTrade,
		Timestamp: event.Timestamp,
		Data: map[string]interface{}{
			"call_id":   event.CallID,
			"operation": string(event.Operation),
			"symbol":    event.Symbol,
			"results":   event.Results,
		},
	}

	failures := event.Failures()
	if event.Operation == models.OpCloseAll {
		n.Title = operationTitles[models.OpCloseAll]
		n.Message = summarizeBatch(event)
		if len(event.Results) > 0 && failures == len(event.Results) {
			n.Type = NotificationError
		}
		return n
	}

	var r models.TradeResult
	if len(event.Results) > 0 {
		r = event.Results[0]
	}
	if !r.OK() {
		n.Type = NotificationError
		n.Title = fmt.Sprintf("%s Failed", operationNames[event.Operation])
		n.Message = failureLine(event, r)
		return n
	}

	n.Title = operationTitles[event.Operation]
	var b strings.Builder
	if event.Intent != nil {
		b.WriteString(describeIntent(event.Intent))
		b.WriteString("\n")
	} else if event.Symbol != "" {
		b.WriteString(event.Symbol)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Ticket: %d", r.Ticket)
	if r.Profit != nil {
		fmt.Fprintf(&b, "\nP&L: %s", utils.FormatPnL(*r.Profit))
	}
	if r.Attempts > 1 {
		fmt.Fprintf(&b, "\nAttempts: %d", r.Attempts)
	}
	n.Message = b.String()
	return n
}

func describeIntent(i *models.TradeIntent) string {
	size := utils.FormatLots(i.TargetVolume())
	if i.AmountBased() {
		size = fmt.Sprintf("%s (%s)", size, utils.FormatMoney(i.Amount, "USD"))
	}
	s := fmt.Sprintf("%s %s %s", i.Side, size, i.Symbol)
	if i.StopLoss > 0 {
		s += fmt.Sprintf(" SL %g", i.StopLoss)
	}
	if i.TakeProfit > 0 {
		s += fmt.Sprintf(" TP %g", i.TakeProfit)
	}
	return s
}

func failureLine(event models.TradeEvent, r models.TradeResult) string {
	var b strings.Builder
	if event.Symbol != "" {
		b.WriteString(event.Symbol)
		b.WriteString(": ")
	}
	b.WriteString(r.Message)
	if r.Code != "" {
		fmt.Fprintf(&b, " [%s]", r.Code)
	}
	return b.String()
}

func summarizeBatch(event models.TradeEvent) string {
	if len(event.Results) == 0 {
		return "No open positions"
	}
	var b strings.Builder
	var total float64
	closed := 0
	for _, r := range event.Results {
		if r.OK() {
			closed++
			if r.Profit != nil {
				total += *r.Profit
			}
		}
	}
	fmt.Fprintf(&b, "Closed %d of %d positions", closed, len(event.Results))
	if closed > 0 {
		fmt.Fprintf(&b, "\nP&L: %s", utils.FormatPnL(total))
	}
	for _, r := range event.Results {
		if !r.OK() {
			fmt.Fprintf(&b, "\n#%d %s", r.Ticket, r.Message)
		}
	}
	return b.String()
}
