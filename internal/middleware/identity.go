// Package middleware содержит HTTP middleware движка расчётов.
package middleware

import (
	"context"
	"net/http"

	"github.com/wesplit/settlement/internal/validation"
)

type contextKey string

const walletKey contextKey = "wallet"

// IdentityHeader — заголовок с адресом кошелька вызывающей стороны.
// Идентичность передаётся явно: движок не полагается на внешнее
// состояние подключения кошелька.
const IdentityHeader = "X-Wallet-Address"

// Identity извлекает адрес кошелька из заголовка запроса и кладёт его в контекст.
// Запросы без корректного адреса отклоняются.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wallet := r.Header.Get(IdentityHeader)
		if !validation.IsValidTokenAddress(wallet) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), walletKey, wallet)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WalletFromContext извлекает адрес кошелька из контекста запроса.
func WalletFromContext(ctx context.Context) (string, bool) {
	wallet, ok := ctx.Value(walletKey).(string)
	return wallet, ok
}
