package git

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerLimitsConcurrency(t *testing.T) {
	r := NewRunner(2)
	var running, peak atomic.Int32

	done := make(chan error)
	for range 8 {
		go func() {
			done <- r.Do(context.Background(), func() error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	for range 8 {
		require.NoError(t, <-done)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunnerWaitHonoursContext(t *testing.T) {
	r := NewRunner(1)
	hold := make(chan struct{})
	go func() {
		_ = r.Do(context.Background(), func() error { <-hold; return nil })
	}()
	require.Eventually(t, func() bool { return !r.sem.TryAcquire(1) }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := r.Do(ctx, func() error { t.Fatal("must not run"); return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(hold)
}

func TestNilRunnerRunsDirectly(t *testing.T) {
	var r *Runner
	ran := false
	require.NoError(t, r.Do(context.Background(), func() error { ran = true; return nil }))
	assert.True(t, ran)
}

func TestGitErrorCarriesStderr(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	_, err := NewRunner(1).Git(context.Background(), t.TempDir(), "rev-parse", "HEAD")
	require.Error(t, err)

	var gerr *Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, []string{"rev-parse", "HEAD"}, gerr.Args)
	assert.NotEmpty(t, gerr.Stderr)
	assert.True(t, strings.HasPrefix(err.Error(), "git rev-parse HEAD: "))
}

func TestGitOutput(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	out, err := NewRunner(1).Git(context.Background(), "", "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "git version")
}
