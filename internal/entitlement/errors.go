package entitlement

import "errors"

var (
	// ErrNotFound пользователь с указанным идентификатором не существует.
	ErrNotFound = errors.New("user not found")
	// ErrInvalidTransition команда не применима к текущему статусу. Движок
	// сообщает об этом предупреждением, состояние не меняется.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrInvalidCommand у команды некорректные параметры.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrConcurrentModification запись проиграла гонку maxRetries раз подряд.
	ErrConcurrentModification = errors.New("concurrent modification")
)
