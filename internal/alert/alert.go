// Package alert fans drift and repair notifications out to operator
// channels. Delivery is asynchronous and best-effort: alerting must never
// block the reconciliation path.
package alert

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"oco_tracker/internal/core"
	apperrors "oco_tracker/pkg/errors"
)

type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// fieldOrder fixes how drift fields render across channels, most
// important first. Fields outside this list follow in map order.
var fieldOrder = []string{"symbol", "kind", "held_for", "group_ids", "order_ids"}

// orderedFields returns the payload fields as key/value pairs in render
// order.
func (p Payload) orderedFields() [][2]string {
	out := make([][2]string, 0, len(p.Fields))
	seen := make(map[string]bool, len(p.Fields))
	for _, k := range fieldOrder {
		if v, ok := p.Fields[k]; ok {
			out = append(out, [2]string{k, v})
			seen[k] = true
		}
	}
	for k, v := range p.Fields {
		if !seen[k] {
			out = append(out, [2]string{k, v})
		}
	}
	return out
}

// DriftFields flattens a repaired drift into alert fields.
func DriftFields(symbol string, d *apperrors.DriftError) map[string]string {
	fields := map[string]string{
		"symbol": symbol,
		"kind":   string(d.Kind),
	}
	if d.HeldFor > 0 {
		fields["held_for"] = d.HeldFor.String()
	}
	if len(d.GroupIDs) > 0 {
		fields["group_ids"] = strings.Join(d.GroupIDs, ", ")
	}
	if len(d.OrderIDs) > 0 {
		ids := make([]string, len(d.OrderIDs))
		for i, id := range d.OrderIDs {
			ids[i] = strconv.FormatInt(id, 10)
		}
		fields["order_ids"] = strings.Join(ids, ", ")
	}
	return fields
}

type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

type Manager struct {
	channels []Channel
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]Channel, 0),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert dispatches the payload to every channel without waiting for
// delivery.
func (m *Manager) Alert(ctx context.Context, title, message string, level Level, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		go func(c Channel) {
			timeoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				m.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
