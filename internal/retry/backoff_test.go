package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	waits []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func TestBackoffDelay(t *testing.T) {
	b := AnalysisBackoff()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 2 * time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 8 * time.Second},
		{attempt: 6, want: 32 * time.Second},
		{attempt: 7, want: 60 * time.Second},
		{attempt: 30, want: 60 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoffDo(t *testing.T) {
	errTransient := errors.New("model overloaded")

	tests := []struct {
		name      string
		failures  int
		permanent bool
		wantCalls int
		wantWaits []time.Duration
		wantErr   error
	}{
		{
			name:      "succeeds first time",
			failures:  0,
			wantCalls: 1,
			wantWaits: nil,
		},
		{
			name:      "succeeds on third attempt",
			failures:  2,
			wantCalls: 3,
			wantWaits: []time.Duration{2 * time.Second, 2 * time.Second},
		},
		{
			name:      "exhausts attempts",
			failures:  10,
			wantCalls: 3,
			wantWaits: []time.Duration{2 * time.Second, 2 * time.Second},
			wantErr:   errTransient,
		},
		{
			name:      "permanent error stops immediately",
			failures:  10,
			permanent: true,
			wantCalls: 1,
			wantWaits: nil,
			wantErr:   errTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &sleepRecorder{}
			b := AnalysisBackoff()
			b.Sleep = rec.sleep

			calls := 0
			err := b.Do(context.Background(), func(ctx context.Context) error {
				calls++
				if calls <= tt.failures {
					if tt.permanent {
						return Permanent(errTransient)
					}
					return errTransient
				}
				return nil
			})

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.False(t, IsPermanent(err))
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantWaits, rec.waits)
			for _, w := range rec.waits {
				assert.GreaterOrEqual(t, w, 2*time.Second)
			}
		})
	}
}

func TestBackoffHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	b := Backoff{Attempts: 5, Multiplier: time.Hour}
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func(ctx context.Context) error {
			calls++
			return errors.New("down")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("backoff ignored cancellation")
	}
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	base := errors.New("bad request")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "bad request", err.Error())
}
