package download

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name      string
		priority  Priority
		queuedFor time.Duration
		failures  int
		want      int
	}{
		{"high fresh", PriorityHigh, 0, 0, 100},
		{"medium fresh", PriorityMedium, 0, 0, 50},
		{"low fresh", PriorityLow, 0, 0, 10},
		{"default fresh", PriorityDefault, 0, 0, 25},
		{"low waited 30m", PriorityLow, 30 * time.Minute, 0, 40},
		{"wait bonus capped", PriorityLow, 5 * time.Hour, 0, 70},
		{"partial minutes truncated", PriorityDefault, 90 * time.Second, 0, 26},
		{"failures penalized", PriorityHigh, 0, 3, 70},
		{"negative wait ignored", PriorityMedium, -time.Minute, 0, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Score(tt.priority, tt.queuedFor, tt.failures))
		})
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"high", PriorityHigh, false},
		{"MEDIUM", PriorityMedium, false},
		{" low ", PriorityLow, false},
		{"", PriorityDefault, false},
		{"default", PriorityDefault, false},
		{"urgent", PriorityDefault, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePriority(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPartition_ExactCover(t *testing.T) {
	for _, total := range []int64{1, 2, 7, 10, 1023, 1 << 20, 1<<20 + 3} {
		for _, n := range []int{1, 2, 3, 4, 7, 16} {
			t.Run(fmt.Sprintf("T=%d,N=%d", total, n), func(t *testing.T) {
				segs, err := Partition("d", total, n)
				require.NoError(t, err)

				var sum int64

				expected := int64(0)
				for i, s := range segs {
					assert.Equal(t, i, s.Index)
					assert.Equal(t, expected, s.Start, "segments must be contiguous")
					assert.Positive(t, s.Length())

					sum += s.Length()
					expected = s.End + 1
				}

				assert.Equal(t, total, sum)
				assert.Equal(t, total-1, segs[len(segs)-1].End)

				if int64(n) <= total {
					require.Len(t, segs, n)

					longer := 0
					for _, s := range segs {
						switch s.Length() {
						case total/int64(n) + 1:
							longer++
						case total / int64(n):
						default:
							t.Fatalf("unexpected segment length %d", s.Length())
						}
					}

					if total%int64(n) != 0 {
						assert.Equal(t, int(total%int64(n)), longer)
					}
				}
			})
		}
	}
}

func TestPartition_TenIntoThree(t *testing.T) {
	segs, err := Partition("d", 10, 3)
	require.NoError(t, err)

	lengths := make([]int64, 0, len(segs))
	for _, s := range segs {
		lengths = append(lengths, s.Length())
	}

	assert.Equal(t, []int64{4, 3, 3}, lengths)
	assert.Equal(t, int64(0), segs[0].Start)
	assert.Equal(t, int64(3), segs[0].End)
	assert.Equal(t, int64(4), segs[1].Start)
	assert.Equal(t, int64(9), segs[2].End)
}

func TestPartition_InvalidInput(t *testing.T) {
	_, err := Partition("d", 0, 3)
	assert.Error(t, err)

	_, err = Partition("d", 10, 0)
	assert.Error(t, err)
}

func TestDownload_CloneIsDeep(t *testing.T) {
	d := New("https://example.com/a.iso", "/tmp/a.iso", PriorityHigh)
	segs, err := Partition(d.ID, 100, 2)
	require.NoError(t, err)

	d.Segments = segs

	c := d.Clone()
	c.Segments[0].Status = StatusCompleted
	c.Status = StatusFailed

	assert.Equal(t, StatusQueued, d.Segments[0].Status)
	assert.Equal(t, StatusInitializing, d.Status)
}

func TestDownload_TransitionStampsCompletion(t *testing.T) {
	d := New("https://example.com/a.iso", "/tmp/a.iso", PriorityDefault)
	assert.True(t, d.CompletedAt.IsZero())

	d.Transition(StatusCompleted)
	assert.False(t, d.CompletedAt.IsZero())
	assert.True(t, d.Status.IsTerminal())
}

func TestProgress_Fraction(t *testing.T) {
	assert.Equal(t, 0.0, Progress{Downloaded: 10}.Fraction())
	assert.Equal(t, 0.5, Progress{Downloaded: 5, Total: 10}.Fraction())
	assert.Equal(t, 1.0, Progress{Downloaded: 12, Total: 10}.Fraction())
}

func TestErrors_Unwrap(t *testing.T) {
	root := errors.New("connection reset")

	tests := []struct {
		name string
		err  error
		msg  string
	}{
		{
			name: "enqueue",
			err:  &EnqueueError{URL: "ftp://x", Reason: "unsupported scheme", Err: root},
			msg:  "failed to enqueue ftp://x: unsupported scheme",
		},
		{
			name: "transient",
			err:  &TransientTransferError{Engine: "http", Err: root},
			msg:  "transfer failed on http: connection reset",
		},
		{
			name: "terminal",
			err:  &TerminalFailureError{DownloadID: "abc", Attempts: 4, Reason: "retries exhausted", Err: root},
			msg:  "download abc failed after 4 attempts: retries exhausted: connection reset",
		},
		{
			name: "size unknown",
			err:  &SizeUnknownError{URL: "https://x", Err: root},
			msg:  "content length unknown for https://x: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.msg, tt.err.Error())
			assert.ErrorIs(t, tt.err, root)
		})
	}
}

func TestErrors_Messages(t *testing.T) {
	assert.Equal(t, "no compatible engine for magnet:?xt=1",
		(&NoCompatibleEngineError{URL: "magnet:?xt=1"}).Error())
	assert.Equal(t, "no compatible engine for https://x (excluded: http, putio)",
		(&NoCompatibleEngineError{URL: "https://x", Excluded: []string{"http", "putio"}}).Error())
	assert.Equal(t, "download d1 has 2 incomplete segments: [1 3]",
		(&IncompleteSegmentsError{DownloadID: "d1", Pending: []int{1, 3}}).Error())
	assert.Equal(t, "cannot resume download d1 in status queued (want failed)",
		(&InvalidStateError{DownloadID: "d1", Operation: "resume", Status: StatusQueued, Want: StatusFailed}).Error())
	assert.Equal(t, "engine switch denied for download d1 on putio: partial resume not supported",
		(&EngineSwitchDeniedError{Engine: "putio", DownloadID: "d1", Reason: "partial resume not supported"}).Error())
}
