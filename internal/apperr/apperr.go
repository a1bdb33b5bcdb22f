// Package apperr clasifica los errores de la aplicacion por tipo, de forma que
// la orquestacion nunca inspecciona errores de transporte crudos.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifica la categoria de un error.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindUnauthorized
	KindForbidden
	KindRateLimited
	KindExpired
	KindExhausted
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindRateLimited:
		return "rate_limited"
	case KindExpired:
		return "expired"
	case KindExhausted:
		return "exhausted"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// Retryable indica si un caller sincronico puede reintentar la misma operacion.
// Solo los fallos de upstream se reintentan en el pipeline asincronico.
func (k Kind) Retryable() bool {
	return k == KindUpstream
}

// Error es un error tipado. Msg es apto para mostrar al usuario.
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// RetryAt se informa en errores KindRateLimited.
	RetryAt time.Time
	// Remaining se informa cuando un OTP invalido todavia tiene intentos.
	Remaining int
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is compara por Kind y Msg para que los sentinels funcionen aun cuando el
// error fue reconstruido con datos adicionales (RetryAt, Remaining).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Msg == t.Msg
}

// New crea un error tipado sin causa.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// E crea un error tipado envolviendo una causa.
func E(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Upstream envuelve un fallo de un sistema externo.
func Upstream(msg string, cause error) *Error {
	return E(KindUpstream, msg, cause)
}

// KindOf devuelve el Kind del primer *Error de la cadena, o KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reporta si err pertenece a kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As devuelve el *Error de la cadena si existe.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// WithRetryAt devuelve una copia de e con RetryAt informado.
func (e *Error) WithRetryAt(t time.Time) *Error {
	c := *e
	c.RetryAt = t
	return &c
}

// WithRemaining devuelve una copia de e con Remaining informado.
func (e *Error) WithRemaining(n int) *Error {
	c := *e
	c.Remaining = n
	return &c
}

// Wrap devuelve una copia de e con la causa informada.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}
