package panel

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExpired сессия не восстановилась после повторной авторизации
	ErrSessionExpired = errors.New("сессия панели истекла")
	// ErrLoginFailed панель отклонила авторизацию
	ErrLoginFailed = errors.New("авторизация в панели не удалась")
	// ErrRemoteFailure панель ответила success=false
	ErrRemoteFailure = errors.New("панель вернула ошибку")
	// ErrInboundNotFound inbound отсутствует на панели
	ErrInboundNotFound = errors.New("inbound не найден")
	// ErrClientNotFound клиент с таким email отсутствует в inbound
	ErrClientNotFound = errors.New("клиент не найден")
	// ErrUnsupportedProtocol протокол inbound не поддерживается
	ErrUnsupportedProtocol = errors.New("неподдерживаемый протокол")
	// ErrUnsupportedCipher шифр Shadowsocks не поддерживается
	ErrUnsupportedCipher = errors.New("неподдерживаемый шифр shadowsocks")
	// ErrMalformedSettings settings inbound не разбирается как JSON
	ErrMalformedSettings = errors.New("некорректные settings inbound")
)

// RequestError ошибка запроса к панели с контекстом борда
type RequestError struct {
	Board  string
	Method string
	Path   string
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("[%s] %s %s: статус %d: %v", e.Board, e.Method, e.Path, e.Status, e.Err)
	}
	return fmt.Sprintf("[%s] %s %s: %v", e.Board, e.Method, e.Path, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}
