package event

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanerRunsInOrder(t *testing.T) {
	cleaner := NewCleaner()
	var order []int
	failure := errors.New("close failed")

	cleaner.Add(CallableFunc(func(context.Context) error { order = append(order, 1); return nil }))
	cleaner.Add(CallableFunc(func(context.Context) error { order = append(order, 2); return failure }))
	cleaner.Add(CallableFunc(func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		order = append(order, 3)
		return nil
	}))

	cleaner.Clean()
	<-cleaner.Done()

	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, []error{failure}, cleaner.Errors())
}

func TestCleanerIgnoresLateHooks(t *testing.T) {
	cleaner := NewCleaner()
	calls := 0
	cleaner.Clean()

	cleaner.Add(CallableFunc(func(context.Context) error { calls++; return nil }))
	cleaner.Clean()

	assert.Zero(t, calls)
}

func TestCleanerFlushesLoggerLast(t *testing.T) {
	cleaner := NewCleaner()
	var order []string
	cleaner.loggerShutdown = CallableFunc(func(context.Context) error {
		order = append(order, "logger")
		return nil
	})
	cleaner.Add(CallableFunc(func(context.Context) error {
		order = append(order, "hook")
		return nil
	}))

	cleaner.Clean()

	assert.Equal(t, []string{"hook", "logger"}, order)
}
