package core

import (
	"context"
	"strings"
)

// CodeStore is the external access-code table.
type CodeStore interface {
	IsValid(ctx context.Context, code string) (bool, error)
	MarkCompleted(ctx context.Context, code, metadata string) error
}

// CodeValidator applies the reusable-code rule on top of a CodeStore: the
// reusable code always validates and is never marked completed.
type CodeValidator struct {
	store    CodeStore
	reusable string
}

func NewCodeValidator(store CodeStore, reusableCode string) *CodeValidator {
	return &CodeValidator{store: store, reusable: strings.TrimSpace(reusableCode)}
}

func (v *CodeValidator) IsReusable(code string) bool {
	return v.reusable != "" && code == v.reusable
}

func (v *CodeValidator) IsValid(ctx context.Context, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return false, nil
	}
	if v.IsReusable(code) {
		return true, nil
	}
	if v.store == nil {
		return false, nil
	}
	return v.store.IsValid(ctx, code)
}

func (v *CodeValidator) MarkCompleted(ctx context.Context, code, metadata string) error {
	if code == "" || v.IsReusable(code) || v.store == nil {
		return nil
	}
	return v.store.MarkCompleted(ctx, code, metadata)
}
