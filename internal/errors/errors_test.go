package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"codeberg.org/mutker/recorderd/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	f := errors.New()

	assert.Equal(t, "Camera unreachable", f.New(errors.ErrCameraUnreachable).Error())
	assert.Equal(t, "custom", f.WithMessage(errors.ErrProcessCrashed, "custom").Error())
	assert.Equal(t, "Storage mount unhealthy: low-space",
		f.WithData(errors.ErrMountUnhealthy, "low-space").Error())

	cause := stderrors.New("exit status 1")
	assert.Equal(t, "Capture process crashed: exit status 1",
		f.Wrap(errors.ErrProcessCrashed, cause).Error())
}

func TestUnknownCodeFallsBackToCode(t *testing.T) {
	err := errors.New().New(errors.ErrorCode("something_new"))
	assert.Equal(t, "something_new", err.Error())
}

func TestCodeOfThroughWrapping(t *testing.T) {
	inner := errors.New().New(errors.ErrSegmentWriteFailed)
	wrapped := fmt.Errorf("attempt 2: %w", inner)

	assert.Equal(t, errors.ErrSegmentWriteFailed, errors.CodeOf(wrapped))
	assert.True(t, errors.HasCode(wrapped, errors.ErrSegmentWriteFailed))
	assert.False(t, errors.HasCode(nil, errors.ErrSegmentWriteFailed))
	assert.Equal(t, errors.ErrorCode(""), errors.CodeOf(stderrors.New("plain")))
}

func TestWithMessageKeepsCodeAndCause(t *testing.T) {
	cause := stderrors.New("boom")
	err := errors.New().Wrap(errors.ErrInternal, cause).WithMessage("journal flush")

	assert.Equal(t, errors.ErrInternal, err.Code())
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "journal flush: boom", err.Error())
}
