// Package money определяет денежные величины с явной единицей учёта:
// фиатные суммы в целых единицах валюты и токенные суммы в базовых
// единицах контракта. Арифметика допустима только внутри одной единицы;
// переход между токеном и фиатом выполняется через курс оракула.
package money

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Ошибки денежной модели.
var (
	ErrNegativeAmount = errors.New("negative amount")
	ErrUnitMismatch   = errors.New("unit mismatch")
	ErrUnderflow      = errors.New("amount underflow")
	ErrNotToken       = errors.New("not a token amount")
	ErrInvalidRate    = errors.New("invalid exchange rate")
)

// UnitKind различает фиатную и токенную единицы учёта.
type UnitKind int

const (
	KindFiat UnitKind = iota
	KindToken
)

// Unit описывает единицу учёта денежной суммы.
type Unit struct {
	Kind         UnitKind
	Currency     string // код валюты, только для фиата
	TokenAddress string // адрес контракта, только для токена
	Decimals     uint8  // разрядность базовой единицы токена
}

// Fiat возвращает фиатную единицу учёта для указанной валюты.
func Fiat(currency string) Unit {
	return Unit{Kind: KindFiat, Currency: currency}
}

// Token возвращает токенную единицу учёта для указанного контракта.
func Token(address string, decimals uint8) Unit {
	return Unit{Kind: KindToken, TokenAddress: address, Decimals: decimals}
}

// Equal сообщает, совпадают ли единицы учёта.
func (u Unit) Equal(other Unit) bool {
	return u == other
}

func (u Unit) String() string {
	if u.Kind == KindFiat {
		return u.Currency
	}
	return fmt.Sprintf("%s[%d]", u.TokenAddress, u.Decimals)
}

// Money — неотрицательная целая сумма в единице учёта.
// Нулевое значение трактуется как ноль без единицы и пригодно только для сравнения с нулём.
type Money struct {
	amount *big.Int
	unit   Unit
}

// New создаёт сумму из указанного количества базовых единиц. Количество копируется.
func New(amount *big.Int, unit Unit) (Money, error) {
	if amount == nil || amount.Sign() < 0 {
		return Money{}, ErrNegativeAmount
	}
	return Money{amount: new(big.Int).Set(amount), unit: unit}, nil
}

// FromInt64 создаёт сумму из неотрицательного int64.
func FromInt64(v int64, unit Unit) (Money, error) {
	if v < 0 {
		return Money{}, ErrNegativeAmount
	}
	return Money{amount: big.NewInt(v), unit: unit}, nil
}

// Zero возвращает нулевую сумму в указанной единице учёта.
func Zero(unit Unit) Money {
	return Money{amount: new(big.Int), unit: unit}
}

// Amount возвращает копию количества базовых единиц.
func (m Money) Amount() *big.Int {
	if m.amount == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(m.amount)
}

// Unit возвращает единицу учёта суммы.
func (m Money) Unit() Unit {
	return m.unit
}

// IsZero сообщает, равна ли сумма нулю.
func (m Money) IsZero() bool {
	return m.amount == nil || m.amount.Sign() == 0
}

func (m Money) String() string {
	return m.Amount().String() + " " + m.unit.String()
}

// Add складывает две суммы в одной единице учёта.
func Add(a, b Money) (Money, error) {
	if !a.unit.Equal(b.unit) {
		return Money{}, fmt.Errorf("%w: %s and %s", ErrUnitMismatch, a.unit, b.unit)
	}
	return Money{amount: new(big.Int).Add(a.Amount(), b.Amount()), unit: a.unit}, nil
}

// Sub вычитает b из a. Результат меньше нуля считается нарушением
// инварианта и возвращается как ErrUnderflow, без усечения.
func Sub(a, b Money) (Money, error) {
	if !a.unit.Equal(b.unit) {
		return Money{}, fmt.Errorf("%w: %s and %s", ErrUnitMismatch, a.unit, b.unit)
	}
	diff := new(big.Int).Sub(a.Amount(), b.Amount())
	if diff.Sign() < 0 {
		return Money{}, fmt.Errorf("%w: %s - %s", ErrUnderflow, a.Amount(), b.Amount())
	}
	return Money{amount: diff, unit: a.unit}, nil
}

// Compare сравнивает две суммы в одной единице учёта:
// -1 если a < b, 0 если равны, 1 если a > b.
func Compare(a, b Money) (int, error) {
	if !a.unit.Equal(b.unit) {
		return 0, fmt.Errorf("%w: %s and %s", ErrUnitMismatch, a.unit, b.unit)
	}
	return a.Amount().Cmp(b.Amount()), nil
}

// Rate — курс одного целого токена к фиатной валюте на момент публикации оракулом.
type Rate struct {
	Price       decimal.Decimal // фиатных единиц за один целый токен
	Currency    string
	PublishedAt time.Time
}

// FiatEquivalent переводит токенную сумму в целые фиатные единицы по курсу.
// Дробный остаток отбрасывается вниз.
func FiatEquivalent(m Money, rate Rate) (Money, error) {
	if m.unit.Kind != KindToken {
		return Money{}, ErrNotToken
	}
	if rate.Currency == "" || rate.Price.IsNegative() {
		return Money{}, ErrInvalidRate
	}

	tokens := decimal.NewFromBigInt(m.Amount(), -int32(m.unit.Decimals))
	fiat := tokens.Mul(rate.Price).Floor().BigInt()

	return Money{amount: fiat, unit: Fiat(rate.Currency)}, nil
}
