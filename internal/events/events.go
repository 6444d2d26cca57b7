// Package events описывает события хаба и их доставку подписчикам.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mmeshcher/channel-hub/internal/model"
)

// Type тип события.
type Type string

const (
	TypePaymentCleared     Type = "payment.cleared"
	TypeChannelSettled     Type = "channel.settled"
	TypeSettlementComplete Type = "settlement.complete"
	TypeSettlementFailed   Type = "settlement.failed"
)

// Event общее поведение всех событий.
type Event interface {
	EventType() Type
	// Key ключ упорядочивания (идентификатор получателя).
	Key() string
}

// Publisher принимает события от ядра.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PaymentCleared публикуется после успешного проведения платежа.
type PaymentCleared struct {
	PaymentID string         `json:"paymentId"`
	PayerID   string         `json:"payerId"`
	PayeeID   string         `json:"payeeId"`
	Amount    model.Amount   `json:"amount"`
	Balances  model.Balances `json:"balances"`
	Timestamp time.Time      `json:"timestamp"`
}

// ChannelSettled публикуется после закрытия канала получателя.
type ChannelSettled struct {
	JobID     string       `json:"jobId"`
	PayeeID   string       `json:"payeeId"`
	ChannelID string       `json:"channelId"`
	Amount    model.Amount `json:"amount"`
	TxRef     string       `json:"txRef"`
}

// SettlementComplete публикуется после успешного расчёта.
type SettlementComplete struct {
	JobID          string            `json:"jobId"`
	PayeeID        string            `json:"payeeId"`
	Alias          string            `json:"alias,omitempty"`
	Amount         model.Amount      `json:"amount"`
	ExternalTxRefs map[string]string `json:"externalTxRefs"`
}

// SettlementFailed публикуется при неуспешном завершении расчёта.
type SettlementFailed struct {
	JobID   string              `json:"jobId"`
	PayeeID string              `json:"payeeId"`
	Stage   model.Stage         `json:"stage"`
	Reason  model.FailureReason `json:"reason"`
	Error   string              `json:"error"`
}

func (PaymentCleared) EventType() Type     { return TypePaymentCleared }
func (ChannelSettled) EventType() Type     { return TypeChannelSettled }
func (SettlementComplete) EventType() Type { return TypeSettlementComplete }
func (SettlementFailed) EventType() Type   { return TypeSettlementFailed }

func (e PaymentCleared) Key() string     { return e.PayeeID }
func (e ChannelSettled) Key() string     { return e.PayeeID }
func (e SettlementComplete) Key() string { return e.PayeeID }
func (e SettlementFailed) Key() string   { return e.PayeeID }

type envelope struct {
	Type       Type      `json:"type"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload    Event     `json:"payload"`
}

// Encode сериализует событие в JSON-конверт с типом и временем.
func Encode(e Event, at time.Time) ([]byte, error) {
	data, err := json.Marshal(envelope{Type: e.EventType(), OccurredAt: at.UTC(), Payload: e})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.EventType(), err)
	}
	return data, nil
}

// Recorder запоминает опубликованные события; используется в тестах и демо-режиме.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish запоминает событие.
func (r *Recorder) Publish(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events возвращает копию запомненных событий.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType возвращает события указанного типа.
func (r *Recorder) OfType(t Type) []Event {
	var res []Event
	for _, e := range r.Events() {
		if e.EventType() == t {
			res = append(res, e)
		}
	}
	return res
}
