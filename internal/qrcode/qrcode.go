// Package qrcode содержит подпись и проверку отсканированных кодов
// программы лояльности.
package qrcode

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
)

// ErrInvalidFormat возвращается при некорректном содержимом кода.
var (
	ErrInvalidFormat = errors.New("invalid code payload")
	// ErrForged возвращается при несовпадении подписи кода.
	ErrForged = errors.New("forged code signature")
)

// VisitPayload описывает содержимое кода визита торговой точки.
// Код визита бессрочный и привязан к конкретной точке.
type VisitPayload struct {
	MerchantID int64 `json:"merchant_id"`
	BusinessID int64 `json:"business_id"`
}

// EventPayload описывает содержимое кода события с ограниченным окном сканирования.
type EventPayload struct {
	MerchantID int64 `json:"merchant_id"`
	EventID    int64 `json:"event_id"`
}

// ResolveSecret возвращает секрет мерчанта либо глобальный запасной секрет.
// Выбранный секрет передаётся в Sign и Verify явно.
func ResolveSecret(merchantSecret, fallback string) []byte {
	if merchantSecret != "" {
		return []byte(merchantSecret)
	}
	return []byte(fallback)
}

// Sign вычисляет HMAC-SHA256 над каноническим JSON-представлением payload.
func Sign(payload any, secret []byte) (string, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", ErrInvalidFormat
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify пересчитывает подпись payload и сравнивает её с переданной
// за константное время.
func Verify(payload any, signature string, secret []byte) error {
	expected, err := Sign(payload, secret)
	if err != nil {
		return err
	}

	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrForged
	}

	want, err := hex.DecodeString(expected)
	if err != nil {
		return ErrForged
	}

	if !hmac.Equal(got, want) {
		return ErrForged
	}

	return nil
}

// DecodeVisitPayload разбирает JSON кода визита.
func DecodeVisitPayload(raw []byte) (*VisitPayload, error) {
	var p VisitPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ErrInvalidFormat
	}
	if p.MerchantID <= 0 || p.BusinessID <= 0 {
		return nil, ErrInvalidFormat
	}
	return &p, nil
}

// DecodeEventPayload разбирает JSON кода события.
func DecodeEventPayload(raw []byte) (*EventPayload, error) {
	var p EventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ErrInvalidFormat
	}
	if p.MerchantID <= 0 || p.EventID <= 0 {
		return nil, ErrInvalidFormat
	}
	return &p, nil
}
