// Package model содержит доменные сущности хаба платёжных каналов.
package model

import "time"

// Role описывает сторону, которой принадлежит канал.
type Role string

const (
	RolePayer Role = "payer"
	RolePayee Role = "payee"
)

// Valid сообщает, является ли роль допустимой.
func (r Role) Valid() bool {
	return r == RolePayer || r == RolePayee
}

// ChannelStatus описывает состояние канала.
type ChannelStatus string

const (
	ChannelStatusOpening ChannelStatus = "opening"
	ChannelStatusActive  ChannelStatus = "active"
	ChannelStatusClosing ChannelStatus = "closing"
	ChannelStatusClosed  ChannelStatus = "closed"
)

// Channel описывает текущий баланс одной стороны в хабе.
type Channel struct {
	ID        string        `json:"channelId"`
	OwnerID   string        `json:"ownerId"`
	Role      Role          `json:"role"`
	Balance   Amount        `json:"balance"`
	Status    ChannelStatus `json:"status"`
	Nonce     uint64        `json:"nonce"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	ClosedAt  *time.Time    `json:"closedAt,omitempty"`
}

// IsActive сообщает, принимает ли канал изменения баланса.
func (c *Channel) IsActive() bool {
	return c.Status == ChannelStatusActive
}

// ChannelClosure описывает результат закрытия канала.
type ChannelClosure struct {
	ChannelID    string    `json:"channelId"`
	OwnerID      string    `json:"ownerId"`
	FinalBalance Amount    `json:"finalBalance"`
	Nonce        uint64    `json:"nonce"`
	TxRef        string    `json:"txRef"`
	ClosedAt     time.Time `json:"closedAt"`
}

// PaymentStatus описывает этап жизни проведённого платежа.
type PaymentStatus string

const (
	PaymentStatusCleared  PaymentStatus = "cleared"
	PaymentStatusSettling PaymentStatus = "settling"
	PaymentStatusSettled  PaymentStatus = "settled"
)

// ClearedPayment неизменяемая запись о мгновенном переводе.
type ClearedPayment struct {
	ID              string        `json:"id"`
	PayerID         string        `json:"payerId"`
	PayeeID         string        `json:"payeeId"`
	Amount          Amount        `json:"amount"`
	SourceChannelID string        `json:"sourceChannelId"`
	Timestamp       time.Time     `json:"timestamp"`
	Status          PaymentStatus `json:"status"`
	JobID           string        `json:"jobId,omitempty"`
}

// Balances содержит балансы обеих сторон после перевода.
type Balances struct {
	Payer Amount `json:"payer"`
	Payee Amount `json:"payee"`
}
