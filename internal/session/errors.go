package session

import (
	"errors"
	"fmt"
)

// ErrConfiguration is the root of every error that prevents a session from
// starting. The session never enters ACTIVE when Start returns one.
var ErrConfiguration = errors.New("invalid session configuration")

var (
	ErrNoQuestions       = fmt.Errorf("%w: exam has no questions", ErrConfiguration)
	ErrInvalidDuration   = fmt.Errorf("%w: exam duration must be positive", ErrConfiguration)
	ErrDuplicateQuestion = fmt.Errorf("%w: duplicate question id", ErrConfiguration)
)

var (
	ErrNotActive       = errors.New("session is not active")
	ErrAlreadyStarted  = errors.New("session already started")
	ErrUnknownQuestion = errors.New("question is not part of this exam")
	ErrInvalidOption   = errors.New("answer is not one of the question options")
)
