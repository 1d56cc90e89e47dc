package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("node not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrGuardRejected     = errors.New("submission rejected")
	ErrInvalidParent     = errors.New("invalid parent node")
	ErrInvalidInput      = errors.New("invalid input")
	ErrForbidden         = errors.New("operation not permitted")
)

// StoreError 存储层读写失败
type StoreError struct {
	Op     string
	NodeID string
	Err    error
}

func (e *StoreError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.NodeID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError 包装存储错误；ErrNotFound 原样返回
func NewStoreError(op, nodeID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, NodeID: nodeID, Err: err}
}

// TransitionError 状态迁移被拒绝
type TransitionError struct {
	NodeID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("node %s: cannot transition from %s to %s", e.NodeID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// GuardReason 提交被拦截的原因
type GuardReason string

const (
	GuardFlood     GuardReason = "flood"
	GuardDuplicate GuardReason = "duplicate"
)

// GuardError 防灌水 / 重复提交拦截
type GuardError struct {
	Reason GuardReason
}

func (e *GuardError) Error() string {
	switch e.Reason {
	case GuardFlood:
		return "submission rejected: posting too quickly"
	case GuardDuplicate:
		return "submission rejected: duplicate content"
	}
	return "submission rejected"
}

func (e *GuardError) Unwrap() error { return ErrGuardRejected }
