// Package model содержит доменные сущности движка расчётов по общим счетам.
package model

import (
	"time"

	"github.com/wesplit/settlement/internal/money"
)

// SplitState описывает этап жизненного цикла счёта.
type SplitState string

const (
	SplitStateOpen      SplitState = "OPEN"
	SplitStateFunded    SplitState = "FUNDED"
	SplitStateWithdrawn SplitState = "WITHDRAWN"
)

// Contributor — участник счёта. Доля задаётся в фиате, платежи и выводы
// учитываются в базовых единицах токена. Запись участника никогда не удаляется.
type Contributor struct {
	Username  string
	Owed      money.Money
	Paid      money.Money
	Withdrawn money.Money
}

// Split описывает общий счёт с фиксированной фиатной целью,
// разделённой между именованными участниками.
type Split struct {
	ID            string
	Description   string
	Requester     string
	TokenAddress  string
	TokenDecimals uint8
	FiatCurrency  string
	TotalFiat     money.Money
	Verified      bool
	State         SplitState
	Contributors  []Contributor
	CreatedAt     time.Time
}

// Contributor возвращает участника по имени или nil, если такого нет.
func (s *Split) Contributor(username string) *Contributor {
	for i := range s.Contributors {
		if s.Contributors[i].Username == username {
			return &s.Contributors[i]
		}
	}
	return nil
}

// TokenUnit возвращает токенную единицу учёта счёта.
func (s *Split) TokenUnit() money.Unit {
	return money.Token(s.TokenAddress, s.TokenDecimals)
}

// FiatUnit возвращает фиатную единицу учёта счёта.
func (s *Split) FiatUnit() money.Unit {
	return money.Fiat(s.FiatCurrency)
}

// Progress агрегирует состояние финансирования счёта.
type Progress struct {
	SettledCount int
	TotalCount   int
	FiatRaised   money.Money
	FiatTarget   money.Money
}

// Transition — событие смены состояния счёта для потока уведомлений.
type Transition struct {
	SplitID    string
	From       SplitState
	To         SplitState
	OccurredAt time.Time
}
