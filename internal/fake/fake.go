// Package fake содержит внутрипроцессные реализации внешних сервисов
// для демонстрационного режима и тестов.
package fake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mmeshcher/channel-hub/internal/model"
)

// ErrUnavailable имитирует недоступность внешнего сервиса.
var ErrUnavailable = errors.New("fake service unavailable")

// Registry реестр псевдонимов и настроек расчёта в памяти.
type Registry struct {
	mu      sync.Mutex
	aliases map[string]string
	prefs   map[string]model.Preference
	err     error
	lookups int
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		aliases: make(map[string]string),
		prefs:   make(map[string]model.Preference),
	}
}

// SetAlias регистрирует псевдоним владельца.
func (r *Registry) SetAlias(ownerID, alias string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[strings.ToLower(ownerID)] = alias
}

// SetPreference задаёт настройки расчёта для псевдонима.
func (r *Registry) SetPreference(alias string, pref model.Preference) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefs[alias] = pref
}

// FailWith заставляет все последующие вызовы возвращать err; nil снимает сбой.
func (r *Registry) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Lookups возвращает число вызовов Lookup.
func (r *Registry) Lookups() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups
}

func (r *Registry) Lookup(ctx context.Context, alias string) (*model.Preference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	if r.err != nil {
		return nil, r.err
	}
	pref, ok := r.prefs[alias]
	if !ok {
		return nil, nil
	}
	return &pref, nil
}

func (r *Registry) ReverseResolve(ctx context.Context, ownerID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	return r.aliases[strings.ToLower(ownerID)], nil
}

// BridgeCall параметры одного вызова моста.
type BridgeCall struct {
	Amount    model.Amount
	FromChain string
	ToChain   string
}

// Bridge мост, который может отказывать заданное число раз подряд.
type Bridge struct {
	mu         sync.Mutex
	failFirst  int
	alwaysFail bool
	calls      []BridgeCall
	issued     int
}

// NewBridge создаёт мост, отказывающий первые failFirst вызовов.
func NewBridge(failFirst int) *Bridge {
	return &Bridge{failFirst: failFirst}
}

// AlwaysFail переключает мост в режим постоянного отказа.
func (b *Bridge) AlwaysFail(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alwaysFail = v
}

// Calls возвращает копию истории вызовов.
func (b *Bridge) Calls() []BridgeCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BridgeCall, len(b.calls))
	copy(out, b.calls)
	return out
}

func (b *Bridge) Bridge(ctx context.Context, amount model.Amount, fromChainHint, toChain string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls = append(b.calls, BridgeCall{Amount: amount, FromChain: fromChainHint, ToChain: toChain})
	if b.alwaysFail || len(b.calls) <= b.failFirst {
		return "", fmt.Errorf("bridge attempt %d: %w", len(b.calls), ErrUnavailable)
	}
	b.issued++
	return fmt.Sprintf("0xbridge%04d", b.issued), nil
}

// Vault сервис хранилищ, дедуплицирующий депозиты по ключу идемпотентности.
type Vault struct {
	mu       sync.Mutex
	fail     bool
	calls    int
	deposits map[string]Deposit
}

// Deposit зарегистрированный депозит.
type Deposit struct {
	VaultAddress string
	PayeeID      string
	Amount       model.Amount
	TxRef        string
}

// NewVault создаёт пустой сервис хранилищ.
func NewVault() *Vault {
	return &Vault{deposits: make(map[string]Deposit)}
}

// Fail переключает режим отказа.
func (v *Vault) Fail(fail bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fail = fail
}

// Calls возвращает число вызовов Deposit.
func (v *Vault) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// Deposits возвращает депозиты по ключам идемпотентности.
func (v *Vault) Deposits() map[string]Deposit {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]Deposit, len(v.deposits))
	for k, d := range v.deposits {
		out[k] = d
	}
	return out
}

func (v *Vault) Deposit(ctx context.Context, vaultAddress, payeeID string, amount model.Amount, idempotencyKey string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.calls++
	if v.fail {
		return "", fmt.Errorf("deposit to %s: %w", vaultAddress, ErrUnavailable)
	}
	if d, ok := v.deposits[idempotencyKey]; ok {
		return d.TxRef, nil
	}

	d := Deposit{
		VaultAddress: vaultAddress,
		PayeeID:      payeeID,
		Amount:       amount,
		TxRef:        fmt.Sprintf("0xdeposit%04d", len(v.deposits)+1),
	}
	v.deposits[idempotencyKey] = d
	return d.TxRef, nil
}
