// Package transfer описывает адаптер фактического перемещения токенов
// и его реализацию поверх внешнего сервиса-исполнителя.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// ErrUnavailable возвращается, когда исполнитель недоступен и перевод заведомо не начат.
var (
	ErrUnavailable = errors.New("transfer executor unavailable")
	// ErrIndeterminate возвращается при неоднозначном исходе: перевод мог как
	// пройти, так и нет; вызывающая сторона не должна считать средства перемещёнными.
	ErrIndeterminate = errors.New("transfer outcome indeterminate")
	// ErrRejected возвращается, когда исполнитель отверг перевод.
	ErrRejected = errors.New("transfer rejected")
)

// Adapter перемещает средства указанного токена. Успех означает, что
// средства перемещены необратимо. Ключ идемпотентности идентифицирует
// логический перевод: повтор одного перевода несёт тот же ключ, и
// исполнитель дедуплицирует его на своей стороне.
type Adapter interface {
	// EscrowDeposit принимает взнос участника на эскроу-баланс счёта.
	EscrowDeposit(ctx context.Context, tokenAddress, from string, amount *big.Int, idempotencyKey string) error

	// Payout выплачивает сумму из эскроу получателю. Ценовые блобы оракула
	// передаются исполнителю без разбора.
	Payout(ctx context.Context, tokenAddress, to string, amount *big.Int, priceUpdate []string, idempotencyKey string) error
}

// DepositKey возвращает ключ идемпотентности взноса. Ключ детерминирован,
// пока взнос не зафиксирован в учёте: повтор после неоднозначного исхода
// несёт тот же ключ, а после фиксации оплаченная сумма меняется и следующий
// такой же взнос получает новый ключ.
func DepositKey(splitID, username string, paid, amount *big.Int) string {
	data := fmt.Sprintf("deposit:%s:%s:%s:%s", splitID, username, paid, amount)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(data)).String()
}

// PayoutKey возвращает ключ идемпотентности выплаты. Выплата по счёту
// ровно одна, поэтому ключ зависит только от идентификатора счёта.
func PayoutKey(splitID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("payout:"+splitID)).String()
}
