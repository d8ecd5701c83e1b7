package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPath = "/var/mail/me"

func testOptions() Options {
	return Options{
		ReasonableTransferSize: 64,
		MaxTransferSize:        256,
		MaxBufferSize:          1024,
		SizeCheckInterval:      time.Minute,
		MaxRetries:             3,
	}
}

func sampleData(n int) []byte {
	rng := rand.New(rand.NewSource(1))
	var b bytes.Buffer
	for b.Len() < n {
		line := make([]byte, rng.Intn(90))
		for i := range line {
			line[i] = byte('a' + rng.Intn(26))
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return b.Bytes()[:n]
}

func TestReadMatchesReferenceRegardlessOfWindowState(t *testing.T) {
	ctx := context.Background()
	data := sampleData(5000)
	f := NewBufferedFile(newFakeTransport(testPath, data), testPath, testOptions())

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		off := rng.Int63n(int64(len(data)))
		n := 1 + rng.Intn(300)

		f.Seek(off)
		got, err := f.Read(ctx, n)
		require.NoError(t, err)

		end := off + int64(n)
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		require.Equal(t, data[off:end], got, "read %d bytes at %d", n, off)
		require.Equal(t, end, f.Tell())
		require.LessOrEqual(t, f.buf.end()-f.buf.start, f.opts.MaxBufferSize)
	}
}

func TestGetsMatchesLines(t *testing.T) {
	ctx := context.Background()
	data := sampleData(3000)
	f := NewBufferedFile(newFakeTransport(testPath, data), testPath, testOptions())

	var lines [][]byte
	for {
		line, err := f.Gets(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		lines = append(lines, line)
	}

	assert.Equal(t, data, bytes.Join(lines, nil))
	for _, l := range lines[:len(lines)-1] {
		assert.True(t, bytes.HasSuffix(l, []byte("\n")))
	}

	eof, err := f.EOF(ctx)
	require.NoError(t, err)
	assert.True(t, eof)
}

func TestMonotonicReadsAmortizeFetches(t *testing.T) {
	ctx := context.Background()
	data := sampleData(4096)
	tr := newFakeTransport(testPath, data)
	opts := testOptions()
	f := NewBufferedFile(tr, testPath, opts)

	for {
		_, err := f.Gets(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}

	bound := len(data)/int(opts.ReasonableTransferSize) + 1
	assert.LessOrEqual(t, tr.rangeFetches(), bound)
	assert.Greater(t, tr.rangeFetches(), 1)
}

func TestReadInsideWindowDoesNoIO(t *testing.T) {
	ctx := context.Background()
	data := sampleData(1000)
	tr := newFakeTransport(testPath, data)
	f := NewBufferedFile(tr, testPath, testOptions())

	f.Seek(100)
	_, err := f.Read(ctx, 10)
	require.NoError(t, err)
	before := tr.calls

	f.Seek(105)
	got, err := f.Read(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, data[105:125], got)
	assert.Equal(t, before, tr.calls)
}

func TestLargeGapRestartsWindow(t *testing.T) {
	ctx := context.Background()
	data := sampleData(5000)
	tr := newFakeTransport(testPath, data)
	f := NewBufferedFile(tr, testPath, testOptions())

	f.Seek(0)
	_, err := f.Read(ctx, 10)
	require.NoError(t, err)

	f.Seek(4000)
	got, err := f.Read(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, data[4000:4010], got)
	assert.Equal(t, int64(4000), f.buf.start)
	assert.Equal(t, 2, tr.rangeFetches())
}

func TestMediumGapFetchesGapPlusRequest(t *testing.T) {
	ctx := context.Background()
	data := sampleData(5000)
	tr := newFakeTransport(testPath, data)
	f := NewBufferedFile(tr, testPath, testOptions())

	f.Seek(0)
	_, err := f.Read(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, int64(64), f.buf.end())

	// gap of 136 bytes is above the 64 byte chunk but below the 256 ceiling
	f.Seek(200)
	got, err := f.Read(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, data[200:210], got)
	assert.Equal(t, int64(0), f.buf.start)
	assert.Equal(t, int64(210), f.buf.end())
	assert.Equal(t, 2, tr.rangeFetches())
}

func TestBackwardScanPrependsChunks(t *testing.T) {
	ctx := context.Background()
	data := sampleData(2000)
	tr := newFakeTransport(testPath, data)
	f := NewBufferedFile(tr, testPath, testOptions())

	f.Seek(1000)
	_, err := f.Read(ctx, 1)
	require.NoError(t, err)

	f.Seek(990)
	got, err := f.Read(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, data[990:995], got)
	assert.Equal(t, int64(1000-64), f.buf.start)
	assert.Equal(t, 2, tr.rangeFetches())
}

func TestLargeReadStaysWithinLimits(t *testing.T) {
	ctx := context.Background()
	data := sampleData(4000)
	tr := newFakeTransport(testPath, data)
	f := NewBufferedFile(tr, testPath, testOptions())

	f.Seek(100)
	got, err := f.Read(ctx, 2000)
	require.NoError(t, err)
	assert.Equal(t, data[100:2100], got)
	assert.Equal(t, int64(2100), f.Tell())
	assert.LessOrEqual(t, int64(len(f.buf.data)), f.opts.MaxBufferSize)

	for _, c := range tr.commands {
		if !strings.HasPrefix(c, "tail ") {
			continue
		}
		var length int64
		_, err := fmt.Sscanf(c[strings.LastIndex(c, "head -c "):], "head -c %d", &length)
		require.NoError(t, err, c)
		assert.LessOrEqual(t, length, f.opts.MaxTransferSize, c)
	}

	// a backward read after the large one still prepends within the limits
	f.Seek(50)
	got, err = f.Read(ctx, 1500)
	require.NoError(t, err)
	assert.Equal(t, data[50:1550], got)
	assert.LessOrEqual(t, int64(len(f.buf.data)), f.opts.MaxBufferSize)
}

func TestReadNearEndReturnsRemainder(t *testing.T) {
	ctx := context.Background()
	data := sampleData(1500)
	f := NewBufferedFile(newFakeTransport(testPath, data), testPath, testOptions())

	f.Seek(300)
	got, err := f.Read(ctx, 5000)
	require.NoError(t, err)
	assert.Equal(t, data[300:], got)

	_, err = f.Read(ctx, 10)
	assert.ErrorIs(t, err, io.EOF)
}

func TestZeroRetriesTakesDefault(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(testPath, []byte("hello\n"))
	tr.failures = []error{
		&TransientError{Err: errFlaky},
		&TransientError{Err: errFlaky},
		&TransientError{Err: errFlaky},
	}
	opts := testOptions()
	opts.MaxRetries = 0
	f := NewBufferedFile(tr, testPath, opts)

	size, err := f.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), size)
	assert.Equal(t, 4, tr.calls)

	tr = newFakeTransport(testPath, []byte("hello\n"))
	tr.failures = []error{&TransientError{Err: errFlaky}}
	opts.MaxRetries = -1
	f = NewBufferedFile(tr, testPath, opts)

	_, err = f.Size(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, tr.calls)
}

func TestNonContiguousGrowthPanics(t *testing.T) {
	w := window{}
	w.add([]byte("abc"), 10)
	w.add([]byte("def"), 13)
	w.add([]byte("xyz"), 7)
	assert.Equal(t, "xyzabcdef", string(w.data))

	assert.Panics(t, func() {
		w.add([]byte("!"), 100)
	})
}

func TestSizeIsCachedForInterval(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(testPath, []byte("hello\n"))
	now := time.Unix(1000, 0)
	opts := testOptions()
	opts.Now = func() time.Time { return now }
	f := NewBufferedFile(tr, testPath, opts)

	size, err := f.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), size)

	tr.files[testPath] = []byte("hello\nworld\n")
	now = now.Add(30 * time.Second)
	size, err = f.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), size)

	now = now.Add(31 * time.Second)
	size, err = f.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12), size)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(testPath, []byte("hello\n"))
	tr.failures = []error{
		&TransientError{Err: errFlaky},
		&TransientError{Err: errFlaky},
	}
	f := NewBufferedFile(tr, testPath, testOptions())

	size, err := f.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), size)
	assert.Equal(t, 3, tr.calls)
	assert.Equal(t, 3, f.Stats().Attempts)
	assert.Equal(t, 1, f.Stats().RoundTrips)
	assert.Equal(t, 0, tr.closes)
}

func TestPersistentTransientFailuresSurfaceSourceError(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(testPath, []byte("hello\n"))
	for i := 0; i < 4; i++ {
		tr.failures = append(tr.failures, &TransientError{Err: errFlaky})
	}
	f := NewBufferedFile(tr, testPath, testOptions())

	_, err := f.Size(ctx)
	require.Error(t, err)
	assert.True(t, IsSourceError(err))
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 4, tr.calls)
	assert.Equal(t, 1, tr.closes)
}

func TestNonTransientFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(testPath, []byte("hello\n"))
	tr.failures = []error{errFlaky}
	f := NewBufferedFile(tr, testPath, testOptions())

	_, err := f.Size(ctx)
	require.Error(t, err)
	assert.True(t, IsSourceError(err))
	assert.Equal(t, 1, tr.calls)
}

func TestMissingRemoteFile(t *testing.T) {
	tr := newFakeTransport("/elsewhere", []byte("x"))
	f := NewBufferedFile(tr, testPath, testOptions())

	_, err := f.Read(context.Background(), 10)
	require.Error(t, err)
	assert.True(t, IsSourceError(err))
	assert.True(t, strings.Contains(err.Error(), "No such file"))
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts, err := Retry(ctx, 3, IsTransient, func(context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, attempts)
}
