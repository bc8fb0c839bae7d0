package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound возвращается, когда провайдер не нашёл запись.
var ErrNotFound = errors.New("запись не найдена")

// ErrNotConfigured возвращается, когда ключ внешнего API не задан.
var ErrNotConfigured = errors.New("ключ внешнего API не задан")

// ProviderError описывает не-2xx ответ внешнего API.
type ProviderError struct {
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("провайдер вернул %d: %s", e.Status, e.Message)
}

// Retryable сообщает, имеет ли смысл повторять запрос: лимиты и сбои
// на стороне провайдера временные, остальные статусы — нет.
func (e *ProviderError) Retryable() bool {
	switch e.Status {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}
