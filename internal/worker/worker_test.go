package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExecute_Success(t *testing.T) {
	err := Execute(context.Background(), time.Second, func(ctx context.Context, payload []byte) error {
		return nil
	}, nil)
	assert.NoError(t, err)
}

func TestExecute_HandlerError(t *testing.T) {
	want := errors.New("boom")
	err := Execute(context.Background(), time.Second, func(ctx context.Context, payload []byte) error {
		return want
	}, nil)
	assert.ErrorIs(t, err, want)
}

func TestExecute_Timeout(t *testing.T) {
	err := Execute(context.Background(), 10*time.Millisecond, func(ctx context.Context, payload []byte) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecute_ParentCancelled(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	cancel()
	err := Execute(parent, time.Second, func(ctx context.Context, payload []byte) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecute_Panic(t *testing.T) {
	err := Execute(context.Background(), time.Second, func(ctx context.Context, payload []byte) error {
		panic("kaboom")
	}, nil)
	assert.ErrorIs(t, err, ErrPanicked)
}
