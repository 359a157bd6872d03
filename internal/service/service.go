// Package service реализует реестр счетов и машину состояний расчётов.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/wesplit/settlement/internal/ledger"
	"github.com/wesplit/settlement/internal/model"
	"github.com/wesplit/settlement/internal/money"
	"github.com/wesplit/settlement/internal/oracle"
	"github.com/wesplit/settlement/internal/repository"
	"github.com/wesplit/settlement/internal/token"
	"github.com/wesplit/settlement/internal/transfer"
	"github.com/wesplit/settlement/internal/validation"
)

// Ошибки создания счёта.
var (
	ErrEmptyContributorList = errors.New("contributor list is empty")
	ErrDuplicateUsername    = errors.New("duplicate contributor username")
	ErrNonPositiveAmount    = errors.New("owed amount must be positive")
	ErrInvalidTokenAddress  = errors.New("invalid token address")
	ErrInvalidCurrency      = errors.New("invalid currency code")
	ErrInvalidUsername      = errors.New("invalid username")
	ErrInvalidIdentity      = errors.New("invalid wallet address")
)

// Ошибки состояния и вывода средств.
var (
	ErrNotFunded        = errors.New("split is not funded")
	ErrAlreadyWithdrawn = errors.New("split already withdrawn")
	ErrStalePriceData   = errors.New("stale price data")
	ErrNotRequester     = errors.New("only the requester may withdraw")
)

// Разрядность по умолчанию, когда каталог метаданных не настроен.
const defaultTokenDecimals = 18

const splitIDAttempts = 5

// Repository описывает контракт хранилища счетов, используемый сервисом.
type Repository interface {
	Close() error
	CreateSplit(ctx context.Context, s *model.Split) error
	GetSplit(ctx context.Context, id string) (*model.Split, error)
	ListSplitsFor(ctx context.Context, identity string) ([]model.Split, error)
	AddContribution(ctx context.Context, splitID, username string, amount *big.Int) (*model.Split, error)
	SetState(ctx context.Context, id string, from, to model.SplitState, at time.Time) error
	MarkWithdrawn(ctx context.Context, id string, at time.Time) error
	ListUnverified(ctx context.Context, limit int) ([]repository.UnverifiedSplit, error)
	MarkVerified(ctx context.Context, id string) error
}

// PriceSource поставляет ценовые обновления оракула.
type PriceSource interface {
	LatestPrice(ctx context.Context, tokenAddress, currency string) (*oracle.PriceUpdate, error)
}

// MetadataSource поставляет метаданные токенов.
type MetadataSource interface {
	TokenInfo(ctx context.Context, address string) (*token.Info, error)
}

// Service содержит бизнес-логику реестра счетов и машины состояний.
type Service struct {
	repo        Repository
	prices      PriceSource
	transfers   transfer.Adapter
	tokens      MetadataSource
	priceMaxAge time.Duration

	locks  *splitLocks
	events *broadcaster
}

// NewService создаёт сервис расчётов. tokens может быть nil: тогда
// разрядность токена принимается равной 18.
func NewService(repo Repository, prices PriceSource, transfers transfer.Adapter, tokens MetadataSource, priceMaxAge time.Duration) *Service {
	return &Service{
		repo:        repo,
		prices:      prices,
		transfers:   transfers,
		tokens:      tokens,
		priceMaxAge: priceMaxAge,
		locks:       newSplitLocks(),
		events:      newBroadcaster(),
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// NewContributor — участник создаваемого счёта с долей в целых фиатных единицах.
type NewContributor struct {
	Username string
	OwedFiat *big.Int
}

// CreateSplit проверяет входные данные, назначает идентификатор и
// регистрирует новый счёт в состоянии OPEN.
func (s *Service) CreateSplit(ctx context.Context, description, requester, tokenAddress, fiatCurrency string, contributors []NewContributor) (*model.Split, error) {
	if !validation.IsValidTokenAddress(requester) {
		return nil, ErrInvalidIdentity
	}
	if !validation.IsValidTokenAddress(tokenAddress) {
		return nil, ErrInvalidTokenAddress
	}
	if !validation.IsValidCurrency(fiatCurrency) {
		return nil, ErrInvalidCurrency
	}
	if len(contributors) == 0 {
		return nil, ErrEmptyContributorList
	}

	seen := make(map[string]bool, len(contributors))
	total := new(big.Int)
	for _, c := range contributors {
		if !validation.IsValidUsername(c.Username) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidUsername, c.Username)
		}
		if seen[c.Username] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUsername, c.Username)
		}
		seen[c.Username] = true

		if c.OwedFiat == nil || c.OwedFiat.Sign() <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrNonPositiveAmount, c.Username)
		}
		total.Add(total, c.OwedFiat)
	}

	decimals := uint8(defaultTokenDecimals)
	verified := false
	if s.tokens != nil {
		info, err := s.tokens.TokenInfo(ctx, tokenAddress)
		if err != nil {
			return nil, err
		}
		decimals = info.Decimals
	}

	fiatUnit := money.Fiat(fiatCurrency)
	tokenUnit := money.Token(tokenAddress, decimals)

	totalFiat, err := money.New(total, fiatUnit)
	if err != nil {
		return nil, err
	}

	split := &model.Split{
		Description:   description,
		Requester:     requester,
		TokenAddress:  tokenAddress,
		TokenDecimals: decimals,
		FiatCurrency:  fiatCurrency,
		TotalFiat:     totalFiat,
		Verified:      verified,
		State:         model.SplitStateOpen,
	}

	for _, c := range contributors {
		owed, err := money.New(c.OwedFiat, fiatUnit)
		if err != nil {
			return nil, err
		}
		split.Contributors = append(split.Contributors, model.Contributor{
			Username:  c.Username,
			Owed:      owed,
			Paid:      money.Zero(tokenUnit),
			Withdrawn: money.Zero(tokenUnit),
		})
	}

	for attempt := 0; attempt < splitIDAttempts; attempt++ {
		split.ID = newSplitID()
		err = s.repo.CreateSplit(ctx, split)
		if err == nil {
			return split, nil
		}
		if !errors.Is(err, repository.ErrSplitIDTaken) {
			return nil, err
		}
	}

	return nil, err
}

// GetSplit возвращает счёт по идентификатору.
func (s *Service) GetSplit(ctx context.Context, id string) (*model.Split, error) {
	return s.repo.GetSplit(ctx, id)
}

// ListSplitsFor возвращает счета, где identity — инициатор или участник.
func (s *Service) ListSplitsFor(ctx context.Context, identity string) ([]model.Split, error) {
	return s.repo.ListSplitsFor(ctx, identity)
}

// RecordContribution принимает взнос участника: проверяет счёт, депонирует
// токены через адаптер переводов, фиксирует платёж и при полном погашении
// всех долей переводит счёт в FUNDED.
func (s *Service) RecordContribution(ctx context.Context, splitID, username, from string, amount *big.Int) (*model.Progress, error) {
	if !validation.IsValidTokenAddress(from) {
		return nil, ErrInvalidIdentity
	}

	unlock := s.locks.lock(splitID)
	defer unlock()

	split, err := s.repo.GetSplit(ctx, splitID)
	if err != nil {
		return nil, err
	}

	if err := ledger.ValidateContribution(split, username, amount); err != nil {
		return nil, err
	}

	// Курс нужен до мутации: проверка перехода в FUNDED выполняется
	// по курсу на момент взноса.
	update, err := s.prices.LatestPrice(ctx, split.TokenAddress, split.FiatCurrency)
	if err != nil {
		return nil, err
	}

	if s.transfers == nil {
		return nil, transfer.ErrUnavailable
	}

	// Ключ идемпотентности детерминирован от текущего состояния учёта:
	// повтор того же взноса после неоднозначного исхода несёт тот же ключ.
	c := split.Contributor(username)
	depositKey := transfer.DepositKey(splitID, username, c.Paid.Amount(), amount)
	if err := s.transfers.EscrowDeposit(ctx, split.TokenAddress, from, amount, depositKey); err != nil {
		return nil, err
	}

	split, err = s.repo.AddContribution(ctx, splitID, username, amount)
	if err != nil {
		return nil, err
	}

	progress, err := ledger.Progress(split, update.Rate)
	if err != nil {
		return nil, err
	}

	if progress.SettledCount == progress.TotalCount {
		now := time.Now().UTC()
		if err := s.repo.SetState(ctx, splitID, model.SplitStateOpen, model.SplitStateFunded, now); err != nil {
			return nil, err
		}
		s.events.publish(model.Transition{
			SplitID:    splitID,
			From:       model.SplitStateOpen,
			To:         model.SplitStateFunded,
			OccurredAt: now,
		})
	}

	return progress, nil
}

// Withdraw выплачивает весь эскроу-остаток счёта инициатору по свежим
// ценовым данным и переводит счёт в терминальное состояние WITHDRAWN.
// До подтверждения перевода состояние не меняется, поэтому повтор безопасен.
func (s *Service) Withdraw(ctx context.Context, splitID, caller string) (*model.Split, error) {
	unlock := s.locks.lock(splitID)
	defer unlock()

	split, err := s.repo.GetSplit(ctx, splitID)
	if err != nil {
		return nil, err
	}

	switch split.State {
	case model.SplitStateFunded:
	case model.SplitStateWithdrawn:
		return nil, ErrAlreadyWithdrawn
	default:
		return nil, fmt.Errorf("%w: state %s", ErrNotFunded, split.State)
	}

	if caller != split.Requester {
		return nil, ErrNotRequester
	}

	update, err := s.prices.LatestPrice(ctx, split.TokenAddress, split.FiatCurrency)
	if err != nil {
		return nil, err
	}
	if age := time.Since(update.Rate.PublishedAt); age > s.priceMaxAge {
		return nil, fmt.Errorf("%w: published %s ago", ErrStalePriceData, age.Round(time.Second))
	}

	balance, err := ledger.EscrowBalance(split)
	if err != nil {
		return nil, err
	}

	if s.transfers == nil {
		return nil, transfer.ErrUnavailable
	}

	// Выплата по счёту одна, ключ фиксирован: повтор после неоднозначного
	// исхода дедуплицируется исполнителем и не задваивает перевод.
	if err := s.transfers.Payout(ctx, split.TokenAddress, split.Requester, balance.Amount(), update.UpdateData, transfer.PayoutKey(splitID)); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.repo.MarkWithdrawn(ctx, splitID, now); err != nil {
		return nil, err
	}

	s.events.publish(model.Transition{
		SplitID:    splitID,
		From:       model.SplitStateFunded,
		To:         model.SplitStateWithdrawn,
		OccurredAt: now,
	})

	return s.repo.GetSplit(ctx, splitID)
}

// Progress возвращает агрегированный прогресс счёта по текущему курсу.
// Не блокирует мутации и может видеть чуть отставший снимок.
func (s *Service) Progress(ctx context.Context, splitID string) (*model.Progress, error) {
	split, err := s.repo.GetSplit(ctx, splitID)
	if err != nil {
		return nil, err
	}

	update, err := s.prices.LatestPrice(ctx, split.TokenAddress, split.FiatCurrency)
	if err != nil {
		return nil, err
	}

	return ledger.Progress(split, update.Rate)
}

// Subscribe возвращает канал событий смены состояния, начиная с текущего момента.
func (s *Service) Subscribe(ctx context.Context) <-chan model.Transition {
	return s.events.subscribe(ctx)
}

// StartVerification запускает фоновый процесс подтверждения ценового
// покрытия: счёт помечается verified, когда оракул возвращает курс его пары.
func (s *Service) StartVerification(ctx context.Context) {
	if s.prices == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.verifyBatch(ctx)
			}
		}
	}()
}

func (s *Service) verifyBatch(ctx context.Context) {
	splits, err := s.repo.ListUnverified(ctx, 100)
	if err != nil {
		return
	}

	for _, u := range splits {
		if _, err := s.prices.LatestPrice(ctx, u.TokenAddress, u.FiatCurrency); err != nil {
			continue
		}
		_ = s.repo.MarkVerified(ctx, u.ID)
	}
}

// newSplitID возвращает 4 случайных байта в hex — формат идентификаторов
// счетов исходного контракта.
func newSplitID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("read random: %v", err))
	}
	return hex.EncodeToString(b[:])
}
