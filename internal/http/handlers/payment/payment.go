// Package payment реализует HTTP-обработчики платёжных событий: создание
// счёта, предварительную проверку, подтверждение и отказ провайдера.
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/Fllarpell/btrainer/internal/billing"
	"github.com/Fllarpell/btrainer/internal/entitlement"
	"github.com/Fllarpell/btrainer/internal/models"
	"github.com/Fllarpell/btrainer/internal/storage"
)

// SignatureHeader заголовок с подписью тела вебхука.
const SignatureHeader = "X-Signature"

// Service описывает интерфейс транслятора платёжных событий.
type Service interface {
	RecordPaymentIntent(ctx context.Context, userID int64, planCode string) (billing.Invoice, error)
	PreAuthorize(ctx context.Context, key string) (billing.Approval, error)
	ConfirmPayment(ctx context.Context, key, providerRef string) (billing.Confirmation, error)
	FailPayment(ctx context.Context, key string, status models.TransactionStatus) error
}

// Sign возвращает подпись тела: base64(HMAC-SHA256(secret, body)).
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// verifySignature сравнивает подпись за постоянное время.
func verifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// statusFor сопоставляет ошибку сервиса с HTTP-статусом и текстом ответа.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, billing.ErrUnknownPlan):
		return http.StatusUnprocessableEntity, "unknown plan"
	case errors.Is(err, billing.ErrInvalidStatus):
		return http.StatusUnprocessableEntity, "invalid transaction status"
	case errors.Is(err, storage.ErrUserNotFound), errors.Is(err, entitlement.ErrNotFound):
		return http.StatusNotFound, "user not found"
	case errors.Is(err, billing.ErrTransactionNotFound):
		return http.StatusNotFound, "transaction not found"
	case errors.Is(err, billing.ErrTransactionFinalized):
		return http.StatusConflict, "transaction already finalized"
	case errors.Is(err, entitlement.ErrConcurrentModification):
		return http.StatusServiceUnavailable, "try again later"
	default:
		return http.StatusInternalServerError, "internal service error"
	}
}
