// Package signature проверяет подпись уведомлений MercadoPago.
//
// Подпись передаётся в заголовке x-signature в виде "ts=<unix>,v1=<hex>".
// v1 содержит HMAC-SHA256 от строки "id:<data.id>;request-id:<x-request-id>;ts:<ts>;"
// на секрете вебхука. Части, для которых значение отсутствует, в строку не входят.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const (
	// HeaderSignature содержит метку времени и подпись уведомления.
	HeaderSignature = "X-Signature"
	// HeaderRequestID идентифицирует запрос уведомления.
	HeaderRequestID = "X-Request-Id"
)

var (
	// ErrNoSecret возвращается в боевом режиме, если секрет вебхука не задан.
	ErrNoSecret = errors.New("webhook secret is not configured")
	// ErrMissingSignature возвращается, если заголовок подписи отсутствует.
	ErrMissingSignature = errors.New("signature header is missing")
	// ErrMalformedSignature возвращается, если в заголовке нет ts или v1.
	ErrMalformedSignature = errors.New("signature header is malformed")
	// ErrMismatch возвращается, если подпись не совпала.
	ErrMismatch = errors.New("signature mismatch")
)

// Verifier проверяет подпись уведомлений.
type Verifier struct {
	secret     []byte
	production bool
}

// NewVerifier создаёт проверку подписи. Без секрета уведомления отклоняются
// в боевом режиме и принимаются без проверки в остальных.
func NewVerifier(secret string, production bool) *Verifier {
	return &Verifier{
		secret:     []byte(secret),
		production: production,
	}
}

// Verify проверяет подпись. verified=false при err=nil означает, что секрет
// не задан и уведомление принято без проверки.
func (v *Verifier) Verify(header, requestID, dataID string) (verified bool, err error) {
	if len(v.secret) == 0 {
		if v.production {
			return false, ErrNoSecret
		}
		return false, nil
	}

	if strings.TrimSpace(header) == "" {
		return false, ErrMissingSignature
	}

	ts, sig, ok := parseHeader(header)
	if !ok {
		return false, ErrMalformedSignature
	}

	got, err := hex.DecodeString(sig)
	if err != nil {
		return false, ErrMalformedSignature
	}

	want := v.sign(Manifest(dataID, requestID, ts))
	if !hmac.Equal(got, want) {
		return false, ErrMismatch
	}

	return true, nil
}

// Sign возвращает значение заголовка x-signature для указанных данных.
func (v *Verifier) Sign(dataID, requestID, ts string) string {
	return "ts=" + ts + ",v1=" + hex.EncodeToString(v.sign(Manifest(dataID, requestID, ts)))
}

func (v *Verifier) sign(manifest string) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(manifest))
	return mac.Sum(nil)
}

// Manifest собирает подписываемую строку.
func Manifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		b.WriteString("id:")
		b.WriteString(normalizeID(dataID))
		b.WriteString(";")
	}
	if requestID != "" {
		b.WriteString("request-id:")
		b.WriteString(requestID)
		b.WriteString(";")
	}
	if ts != "" {
		b.WriteString("ts:")
		b.WriteString(ts)
		b.WriteString(";")
	}
	return b.String()
}

// normalizeID приводит буквенно-цифровой идентификатор к нижнему регистру,
// как это делает MercadoPago при подписи.
func normalizeID(id string) string {
	for _, r := range id {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return id
		}
	}
	return strings.ToLower(id)
}

func parseHeader(header string) (ts, v1 string, ok bool) {
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	return ts, v1, ts != "" && v1 != ""
}
