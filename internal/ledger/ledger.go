// Package ledger реализует учёт взносов участников счёта:
// проверку взносов, признак погашения доли и агрегацию прогресса.
package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/wesplit/settlement/internal/model"
	"github.com/wesplit/settlement/internal/money"
)

// ErrUnknownContributor возвращается при взносе от имени, которого нет в счёте.
var (
	ErrUnknownContributor = errors.New("unknown contributor")
	// ErrInvalidAmount возвращается при неположительной сумме взноса.
	ErrInvalidAmount = errors.New("invalid contribution amount")
	// ErrSplitNotOpen возвращается при попытке взноса в счёт вне состояния OPEN.
	ErrSplitNotOpen = errors.New("split is not open for contributions")
)

// ValidateContribution проверяет допустимость взноса без изменения счёта.
func ValidateContribution(s *model.Split, username string, amount *big.Int) error {
	if s.State != model.SplitStateOpen {
		return fmt.Errorf("%w: state %s", ErrSplitNotOpen, s.State)
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if s.Contributor(username) == nil {
		return fmt.Errorf("%w: %s", ErrUnknownContributor, username)
	}
	return nil
}

// ApplyContribution проверяет взнос и увеличивает оплаченную сумму участника.
// Переплата сверх доли допустима и фиксируется полностью.
func ApplyContribution(s *model.Split, username string, amount *big.Int) error {
	if err := ValidateContribution(s, username, amount); err != nil {
		return err
	}

	c := s.Contributor(username)

	paid, err := money.New(amount, s.TokenUnit())
	if err != nil {
		return err
	}
	total, err := money.Add(c.Paid, paid)
	if err != nil {
		return err
	}

	c.Paid = total
	return nil
}

// IsSettled сообщает, покрывает ли фиатный эквивалент оплаченного долю участника.
func IsSettled(c model.Contributor, rate money.Rate) (bool, error) {
	equiv, err := money.FiatEquivalent(c.Paid, rate)
	if err != nil {
		return false, err
	}
	cmp, err := money.Compare(equiv, c.Owed)
	if err != nil {
		return false, err
	}
	return cmp >= 0, nil
}

// Progress агрегирует состояние финансирования счёта по текущему курсу.
// Вклад каждого участника в собранную сумму ограничен его долей, чтобы
// переплата одного не завышала общий прогресс.
func Progress(s *model.Split, rate money.Rate) (*model.Progress, error) {
	raised := money.Zero(s.FiatUnit())
	settled := 0

	for _, c := range s.Contributors {
		equiv, err := money.FiatEquivalent(c.Paid, rate)
		if err != nil {
			return nil, fmt.Errorf("contributor %s: %w", c.Username, err)
		}

		cmp, err := money.Compare(equiv, c.Owed)
		if err != nil {
			return nil, fmt.Errorf("contributor %s: %w", c.Username, err)
		}
		if cmp >= 0 {
			settled++
			equiv = c.Owed
		}

		raised, err = money.Add(raised, equiv)
		if err != nil {
			return nil, fmt.Errorf("contributor %s: %w", c.Username, err)
		}
	}

	return &model.Progress{
		SettledCount: settled,
		TotalCount:   len(s.Contributors),
		FiatRaised:   raised,
		FiatTarget:   s.TotalFiat,
	}, nil
}

// EscrowBalance возвращает невыведенный остаток токенов по счёту:
// сумму всех платежей за вычетом всех выводов.
func EscrowBalance(s *model.Split) (money.Money, error) {
	paid := money.Zero(s.TokenUnit())
	withdrawn := money.Zero(s.TokenUnit())

	for _, c := range s.Contributors {
		var err error
		if paid, err = money.Add(paid, c.Paid); err != nil {
			return money.Money{}, fmt.Errorf("contributor %s: %w", c.Username, err)
		}
		if withdrawn, err = money.Add(withdrawn, c.Withdrawn); err != nil {
			return money.Money{}, fmt.Errorf("contributor %s: %w", c.Username, err)
		}
	}

	return money.Sub(paid, withdrawn)
}
