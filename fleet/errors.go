package fleet

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownBoard узел ссылается на борд без ServerConfig
	ErrUnknownBoard = errors.New("борд не настроен")
	// ErrNoPackage у пользователя нет пакета
	ErrNoPackage = errors.New("пакет не назначен")
)

// NodeError ошибка операции на одном узле
type NodeError struct {
	Operation string
	Board     string
	InboundID int
	Err       error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s %s/%d: %v", e.Operation, e.Board, e.InboundID, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// FanOutError сводная ошибка операции по нескольким узлам.
// Остальные узлы при этом обработаны, откат не выполняется.
type FanOutError struct {
	Operation string
	Attempted int
	Failures  []*NodeError
}

func (e *FanOutError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s/%d: %v", f.Board, f.InboundID, f.Err))
	}
	return fmt.Sprintf("%s: ошибки на %d из %d узлов: %s", e.Operation, len(e.Failures), e.Attempted, strings.Join(parts, "; "))
}

func (e *FanOutError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}
