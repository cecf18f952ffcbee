package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	t.Run("code survives wrapping", func(t *testing.T) {
		base := WithCode(CodeTransient, "server returned 503")
		wrapped := fmt.Errorf("deliver sos_1: %w", base)
		assert.True(t, IsTransient(wrapped))
		assert.False(t, IsPermanent(wrapped))
	})

	t.Run("outer code wins", func(t *testing.T) {
		err := WrapCode(WithCode(CodeTransient, "timeout"), CodePermanent, "rejected")
		assert.Equal(t, CodePermanent, GetCode(err))
	})

	t.Run("auth is retried", func(t *testing.T) {
		assert.True(t, IsTransient(WithCode(CodeAuth, "401")))
	})

	t.Run("plain errors have no code", func(t *testing.T) {
		assert.Equal(t, 0, GetCode(stderrors.New("boom")))
		assert.False(t, IsPrecondition(nil))
	})

	t.Run("message includes cause", func(t *testing.T) {
		err := Wrap(stderrors.New("disk full"), "persist timer")
		assert.Equal(t, "persist timer: disk full", err.Error())
		assert.Equal(t, "disk full", Cause(err).Error())
	})

	t.Run("context is copied", func(t *testing.T) {
		base := New("bad grace")
		withCtx := base.WithContext("controlTimeId", "ct_1")
		assert.Empty(t, base.Context)
		assert.Equal(t, []KeyValue{{Key: "controlTimeId", Value: "ct_1"}}, withCtx.Context)
	})
}
