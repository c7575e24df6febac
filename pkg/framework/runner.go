package framework

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/golang/glog"
)

type namedRunnable struct {
	Runnable
	name string
}

func (r *namedRunnable) Name() string {
	return r.name
}

// NamedRun wraps a Runnable with a name.
func NamedRun(name string, runnable Runnable) Runnable {
	return &namedRunnable{name: name, Runnable: runnable}
}

// Runner runs multiple Runnables and collect errors.
type Runner struct {
	Context context.Context
	Runners []Runnable
	// StopOnExit stops the other Runnables once any of them returns.
	StopOnExit bool

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errLock sync.Mutex
	errs    AggregatedError
	exitCh  chan struct{}
}

// NewRunner creates a runner with a default background context.
func NewRunner() *Runner {
	return NewRunnerWith(context.Background())
}

// NewRunnerWith creates a runner with a context derived from ctx.
// Stop cancels the derived context.
func NewRunnerWith(ctx context.Context) *Runner {
	ctx, cancel := context.WithCancel(ctx)
	return &Runner{Context: ctx, cancel: cancel, exitCh: make(chan struct{})}
}

// HandleSignals stops the runner on Ctrl-C or SIGTERM. A second signal
// makes Wait return immediately.
func (r *Runner) HandleSignals() *Runner {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		glog.Infof("%v: stopping", sig)
		r.Stop()
		sig = <-sigCh
		glog.Errorf("%v: stop requested again, force exit", sig)
		close(r.exitCh)
	}()
	return r
}

// OnSignal invokes fn every time one of sigs is received until the
// runner is stopped.
func (r *Runner) OnSignal(fn func(os.Signal), sigs ...os.Signal) *Runner {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sigs...)
	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-r.Context.Done():
				return
			case sig := <-sigCh:
				glog.V(4).Infof("signal %v", sig)
				fn(sig)
			}
		}
	}()
	return r
}

// Stop cancels the context of all Runnables started by Go.
func (r *Runner) Stop() {
	r.cancel()
}

// Go spawns Runnables with the context of the runner.
func (r *Runner) Go(runners ...Runnable) *Runner {
	return r.GoWith(r.Context, runners...)
}

// GoWith spawns Runnables with a specified context.
func (r *Runner) GoWith(ctx context.Context, runners ...Runnable) *Runner {
	for _, runner := range runners {
		name := strconv.Itoa(len(r.Runners))
		if named, ok := runner.(Named); ok {
			name = named.Name()
		}
		r.Runners = append(r.Runners, runner)
		r.wg.Add(1)
		go r.run(ctx, runner, name)
	}
	return r
}

func (r *Runner) run(ctx context.Context, runner Runnable, name string) {
	defer r.wg.Done()
	glog.V(4).Infof("Runner[%s] started", name)
	err := runner.Run(ctx)
	glog.V(4).Infof("Runner[%s] stopped: %v", name, err)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.errLock.Lock()
		r.errs.Add(fmt.Errorf("%s: %w", name, err))
		r.errLock.Unlock()
	}
	if r.StopOnExit {
		r.Stop()
	}
}

// Wait waits until all Runnables stop and aggregates their errors.
// Cancellation is not reported as an error.
func (r *Runner) Wait() error {
	doneCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-r.exitCh:
		return errors.New("forced exit")
	case <-doneCh:
	}
	r.errLock.Lock()
	defer r.errLock.Unlock()
	if len(r.errs.Errors) == 0 {
		return nil
	}
	return &AggregatedError{Errors: append([]error(nil), r.errs.Errors...)}
}

// RunWithContextCancel runs a func with doesn't accept a context.
// cancel is called only when the context is canceled.
func RunWithContextCancel(ctx context.Context, onCancel func(), fn func() error) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- fn()
	}()
	select {
	case <-ctx.Done():
		if onCancel != nil {
			onCancel()
		}
		<-errCh
		return context.Canceled
	case err := <-errCh:
		return err
	}
}

// RunWithContextCloser is a convinient wrapper for RunWithContextCancel and
// ensures closer.Close is either called on cancel or exit of fn.
func RunWithContextCloser(ctx context.Context, closer io.Closer, fn func() error) error {
	var closed bool
	err := RunWithContextCancel(ctx, func() {
		closer.Close()
		closed = true
	}, fn)
	if !closed {
		closer.Close()
	}
	return err
}
