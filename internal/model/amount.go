package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// AmountDecimals число знаков после запятой в минимальной единице валюты.
const AmountDecimals = 6

// ErrInvalidAmount возвращается для отрицательных, слишком точных или слишком больших сумм.
var ErrInvalidAmount = errors.New("invalid amount")

// MaxAmount наибольшая допустимая сумма; совпадает с пределом BIGINT в хранилище.
const MaxAmount = Amount(math.MaxInt64)

var amountScale = decimal.New(1, AmountDecimals)

// Amount сумма в минимальных единицах (фиксированная точка, 6 знаков).
type Amount uint64

// ParseAmount разбирает десятичную запись суммы, например "10.50".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAmount, s)
	}
	return AmountFromDecimal(d)
}

// AmountFromDecimal переводит десятичное значение в минимальные единицы.
func AmountFromDecimal(d decimal.Decimal) (Amount, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative %s", ErrInvalidAmount, d.String())
	}
	units := d.Mul(amountScale)
	if !units.Equal(units.Truncate(0)) {
		return 0, fmt.Errorf("%w: more than %d decimal places in %s", ErrInvalidAmount, AmountDecimals, d.String())
	}
	if units.GreaterThan(decimal.NewFromUint64(uint64(MaxAmount))) {
		return 0, fmt.Errorf("%w: %s overflows", ErrInvalidAmount, d.String())
	}
	return Amount(units.BigInt().Uint64()), nil
}

// Decimal возвращает сумму в виде десятичного числа.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromUint64(uint64(a)).Shift(-AmountDecimals)
}

// String возвращает десятичную запись суммы без лишних нулей.
func (a Amount) String() string {
	return a.Decimal().String()
}

// MarshalJSON кодирует сумму как десятичную строку.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON принимает сумму как строку или число.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, string(data))
	}
	v, err := AmountFromDecimal(d)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
