package proxy

import (
	"errors"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
)

// ErrorCategory категории ошибок прокси
type ErrorCategory string

const (
	ErrorCategoryTransport  ErrorCategory = "TRANSPORT"
	ErrorCategoryTimeout    ErrorCategory = "TIMEOUT"
	ErrorCategoryProtocol   ErrorCategory = "PROTOCOL"
	ErrorCategoryRouting    ErrorCategory = "ROUTING"
	ErrorCategoryConfig     ErrorCategory = "CONFIG"
	ErrorCategoryValidation ErrorCategory = "VALIDATION"
)

func (ec ErrorCategory) String() string {
	return string(ec)
}

var (
	// ErrContextClosed контекст запроса уже завершен и не принимает события
	ErrContextClosed = errors.New("request context closed")
	// ErrUnknownContext нет контекста для CANCEL или ответа
	ErrUnknownContext = errors.New("unknown request context")
)

// ProxyError структурированная ошибка обработки запроса.
// StatusCode - SIP код, которым прокси отвечает на запрос.
type ProxyError struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Category   ErrorCategory     `json:"category"`
	StatusCode int               `json:"status_code"`
	CallID     string            `json:"call_id,omitempty"`
	Method     sip.RequestMethod `json:"method,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Cause      error             `json:"cause,omitempty"`
}

// Error реализует интерфейс error
func (e *ProxyError) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("[%s:%s] %s (Call-ID: %s)", e.Category, e.Code, e.Message, e.CallID)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// WithCause добавляет исходную ошибку
func (e *ProxyError) WithCause(cause error) *ProxyError {
	e.Cause = cause
	return e
}

// WithRequest заполняет контекст запроса
func (e *ProxyError) WithRequest(req *sip.Request) *ProxyError {
	if req == nil {
		return e
	}
	e.Method = req.Method
	if callID := req.CallID(); callID != nil {
		e.CallID = callID.Value()
	}
	return e
}

// NewProxyError создает новую структурированную ошибку
func NewProxyError(code, message string, category ErrorCategory, statusCode int) *ProxyError {
	return &ProxyError{
		Code:       code,
		Message:    message,
		Category:   category,
		StatusCode: statusCode,
		Timestamp:  time.Now(),
	}
}

func ErrLoopDetected() *ProxyError {
	return NewProxyError("LOOP_DETECTED", "Обнаружена петля маршрутизации", ErrorCategoryProtocol, 482)
}

func ErrTooManyHops() *ProxyError {
	return NewProxyError("TOO_MANY_HOPS", "Max-Forwards исчерпан", ErrorCategoryProtocol, 483)
}

func ErrNoTargets(uri sip.Uri) *ProxyError {
	return NewProxyError("NO_TARGETS", fmt.Sprintf("Нет адресатов для %s", uri.String()), ErrorCategoryRouting, 404)
}

func ErrMalformedRequest(reason string) *ProxyError {
	return NewProxyError("MALFORMED_REQUEST", fmt.Sprintf("Некорректный запрос: %s", reason), ErrorCategoryValidation, 400)
}

func ErrInvalidConfig(field, reason string) *ProxyError {
	return NewProxyError("INVALID_CONFIG", fmt.Sprintf("Некорректная конфигурация %s: %s", field, reason), ErrorCategoryConfig, 500)
}

// StatusFor возвращает SIP код ответа для ошибки, 500 если ошибка не структурирована
func StatusFor(err error) (int, string) {
	var pe *ProxyError
	if errors.As(err, &pe) && pe.StatusCode != 0 {
		return pe.StatusCode, reasonPhrase(pe.StatusCode)
	}
	return 500, reasonPhrase(500)
}

func reasonPhrase(code int) string {
	switch code {
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 482:
		return "Loop Detected"
	case 483:
		return "Too Many Hops"
	case 500:
		return "Server Internal Error"
	default:
		return "Error"
	}
}
