package progress

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_ReportsOnIntervalAndSteps(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1000)

	var reports []int64

	pr := NewReader(bytes.NewReader(data), int64(len(data)), 0, func(written, _ int64) {
		reports = append(reports, written)
	})

	buf := make([]byte, 50)
	for {
		_, err := pr.Read(buf)
		if err == io.EOF {
			break
		}

		require.NoError(t, err)
	}

	assert.Equal(t, int64(1000), pr.Written())
	assert.Equal(t, []int64{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000}, reports)
}

func TestReader_UnknownTotalUsesInterval(t *testing.T) {
	var reports int

	pr := NewReader(strings.NewReader(strings.Repeat("y", 300)), -1, 100, func(int64, int64) {
		reports++
	})

	buf := make([]byte, 25)
	for {
		if _, err := pr.Read(buf); err != nil {
			break
		}
	}

	assert.Equal(t, 3, reports)
	assert.Equal(t, int64(300), pr.Written())
	assert.GreaterOrEqual(t, pr.Speed(), 0.0)
}

func TestReader_NilCallback(t *testing.T) {
	pr := NewReader(strings.NewReader("abc"), 3, 1, nil)

	b, err := io.ReadAll(pr)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(b))
	assert.Equal(t, int64(3), pr.Total())
}

func TestLogFunc(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewTextHandler(&buf, nil))
	fn := LogFunc(context.Background(), logger, "/tmp/a.iso")

	fn(512, 1024)
	assert.Contains(t, buf.String(), "percent=50")
	assert.Contains(t, buf.String(), "1.0 KiB")

	buf.Reset()
	fn(2048, 0)
	assert.Contains(t, buf.String(), "downloaded=\"2.0 KiB\"")
}
