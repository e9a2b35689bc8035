package fork

import (
	"errors"
	"fmt"
)

// ErrTransactionTimeout клиентская транзакция истекла без финального ответа.
// Передается в ProcessTransportError.
var ErrTransactionTimeout = errors.New("client transaction timeout")

// InvariantError значение паники при нарушении контракта ResponseContext
type InvariantError struct {
	Branch string
	Msg    string
}

func (e *InvariantError) Error() string {
	if e.Branch == "" {
		return fmt.Sprintf("fork invariant violated: %s", e.Msg)
	}
	return fmt.Sprintf("fork invariant violated on branch %s: %s", e.Branch, e.Msg)
}
