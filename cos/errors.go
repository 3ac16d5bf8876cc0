// Package cos provides small common types/errors shared across nprpc
// packages, mirroring aistore's cmn/cos.
/*
 * Copyright (c) 2024-2026, nprpc authors.
 */
package cos

import (
	"errors"
	"fmt"
	"sync"
)

type ErrNotFound struct{ what string }

func NewErrNotFound(format string, a ...any) *ErrNotFound {
	return &ErrNotFound{fmt.Sprintf(format, a...)}
}

func (e *ErrNotFound) Error() string { return e.what + " does not exist" }

func IsErrNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

// Errs collects up to maxErrs distinct errors and joins them lazily.
type Errs struct {
	mu   sync.Mutex
	errs []error
}

const maxErrs = 4

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
	}
}

func (e *Errs) Cnt() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.errs)
}

func (e *Errs) JoinErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) == 0 {
		return nil
	}
	return errors.Join(e.errs...)
}

// StopCh is a closeable "stop" signal, safe to Close() more than once.
type StopCh struct {
	once sync.Once
	ch   chan struct{}
}

func (s *StopCh) Init()          { s.ch = make(chan struct{}) }
func (s *StopCh) Listen() <-chan struct{} { return s.ch }
func (s *StopCh) Close()         { s.once.Do(func() { close(s.ch) }) }
