package utils

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/loopfusion/logging"
)

func TestStoppableWorkers(t *testing.T) {
	var started atomic.Int32
	sw := NewStoppableWorkers(func(ctx context.Context) {
		started.Add(1)
		<-ctx.Done()
	})
	sw.AddWorkers(func(ctx context.Context) {
		started.Add(1)
		<-ctx.Done()
	})
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, started.Load(), test.ShouldEqual, int32(2))
	})
	sw.Stop()
	test.That(t, sw.Context().Err(), test.ShouldNotBeNil)

	// Workers added after Stop never run.
	sw.AddWorkers(func(ctx context.Context) { started.Add(1) })
	test.That(t, started.Load(), test.ShouldEqual, int32(2))
}

func TestTickerWorker(t *testing.T) {
	mock := clock.NewMock()
	kick := make(chan struct{})
	var runs atomic.Int32
	sw := NewStoppableWorkers(TickerWorker(mock, 2*time.Second, kick, func(ctx context.Context) {
		runs.Add(1)
	}))
	defer sw.Stop()

	kick <- struct{}{}
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, runs.Load(), test.ShouldEqual, int32(1))
	})

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		mock.Add(2 * time.Second)
		test.That(tb, runs.Load(), test.ShouldBeGreaterThanOrEqualTo, int32(2))
	})
}

func TestSlowLogger(t *testing.T) {
	logger, observed := logging.NewObservedTestLogger(t)
	mock := clock.NewMock()
	stop := SlowLogger(context.Background(), mock, "still solving", "window", "12", logger)
	defer stop()

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		mock.Add(2 * time.Second)
		test.That(tb, observed.FilterMessage("still solving").Len(), test.ShouldBeGreaterThan, 0)
	})
}
