package capture_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkeller/steersman/internal/capture"
	"github.com/pkeller/steersman/internal/guard"
)

// fakePage is a controllable capture source.
type fakePage struct {
	image      []byte
	source     string
	text       string
	delayMs    atomic.Int64
	inFlight   atomic.Int32
	overlapped atomic.Bool
	calls      atomic.Int32
}

func (f *fakePage) setDelay(d time.Duration) {
	f.delayMs.Store(d.Milliseconds())
}

func (f *fakePage) sleep() {
	if ms := f.delayMs.Load(); ms > 0 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
}

func validPNG() []byte {
	data := make([]byte, 1500)
	copy(data, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})
	return data
}

func (f *fakePage) Screenshot(ctx context.Context, format string) ([]byte, error) {
	f.calls.Add(1)
	if f.inFlight.Add(1) > 1 {
		f.overlapped.Store(true)
	}
	defer f.inFlight.Add(-1)

	f.sleep()
	return f.image, nil
}

func (f *fakePage) Source(ctx context.Context) (string, error) {
	f.sleep()
	return f.source, nil
}

func (f *fakePage) Text(ctx context.Context) (string, error) {
	f.sleep()
	return f.text, nil
}

func TestScreenshot_ValidOutput(t *testing.T) {
	page := &fakePage{image: validPNG()}
	c := capture.New(page, capture.Options{})

	data, err := c.Screenshot(context.Background())
	require.NoError(t, err)
	assert.Greater(t, len(data), 1000)
	assert.Equal(t, byte(0x89), data[0])
}

func TestScreenshot_RejectsWrongSignature(t *testing.T) {
	bogus := make([]byte, 2000)
	copy(bogus, "<html>not an image</html>")
	page := &fakePage{image: bogus}
	c := capture.New(page, capture.Options{})

	_, err := c.Screenshot(context.Background())
	require.ErrorIs(t, err, capture.ErrIntegrity)
}

func TestScreenshot_RejectsDegenerateSize(t *testing.T) {
	tiny := make([]byte, 64)
	copy(tiny, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})
	page := &fakePage{image: tiny}
	c := capture.New(page, capture.Options{})

	_, err := c.Screenshot(context.Background())
	require.ErrorIs(t, err, capture.ErrIntegrity)
	assert.Contains(t, err.Error(), "degenerate")
}

func TestScreenshot_RejectsExactThresholdSize(t *testing.T) {
	// The size check is strict: exactly 1000 bytes is still degenerate.
	boundary := make([]byte, 1000)
	copy(boundary, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})
	page := &fakePage{image: boundary}
	c := capture.New(page, capture.Options{})

	_, err := c.Screenshot(context.Background())
	require.ErrorIs(t, err, capture.ErrIntegrity)
	assert.Contains(t, err.Error(), "degenerate")
}

func TestScreenshotToFile_RoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	page := &fakePage{image: validPNG()}
	c := capture.New(page, capture.Options{Fs: fs})

	inMemory, err := c.Screenshot(context.Background())
	require.NoError(t, err)

	info, err := c.ScreenshotToFile(context.Background(), "artifacts/run1/shot.png")
	require.NoError(t, err)
	assert.Equal(t, "png", info.Format)
	assert.Equal(t, int64(len(inMemory)), info.SizeBytes)

	written, err := afero.ReadFile(fs, info.Path)
	require.NoError(t, err)
	assert.Equal(t, inMemory, written)
}

func TestScreenshotToFile_CreatesParentDirs(t *testing.T) {
	fs := afero.NewMemMapFs()
	page := &fakePage{image: validPNG()}
	c := capture.New(page, capture.Options{Fs: fs})

	info, err := c.ScreenshotToFile(context.Background(), "deeply/nested/dir/shot.png")
	require.NoError(t, err)

	exists, err := afero.Exists(fs, info.Path)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestScreenshot_TimeoutContainment(t *testing.T) {
	page := &fakePage{image: validPNG()}
	page.setDelay(2 * time.Second)
	c := capture.New(page, capture.Options{Timeout: 100 * time.Millisecond})

	start := time.Now()
	_, err := c.Screenshot(context.Background())
	elapsed := time.Since(start)

	require.ErrorIs(t, err, guard.ErrTimeout)
	assert.Less(t, elapsed, time.Second, "timeout must fire near the deadline")
}

func TestScreenshot_SessionUsableAfterTimeout(t *testing.T) {
	page := &fakePage{image: validPNG()}
	page.setDelay(300 * time.Millisecond)
	c := capture.New(page, capture.Options{Timeout: 50 * time.Millisecond})

	_, err := c.Screenshot(context.Background())
	require.ErrorIs(t, err, guard.ErrTimeout)

	// Subsequent operation on the same capturer succeeds once the page
	// responds promptly again.
	page.setDelay(0)
	time.Sleep(400 * time.Millisecond) // let the abandoned capture drain

	_, err = c.Screenshot(context.Background())
	assert.NoError(t, err)
}

func TestScreenshot_BackToBackCallsSerialized(t *testing.T) {
	page := &fakePage{image: validPNG()}
	page.setDelay(10 * time.Millisecond)
	c := capture.New(page, capture.Options{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Screenshot(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 5, page.calls.Load())
	assert.False(t, page.overlapped.Load(), "captures must fully resolve before the next begins")
}

func TestText_BlankPageIsNotAnError(t *testing.T) {
	page := &fakePage{text: ""}
	c := capture.New(page, capture.Options{})

	text, err := c.Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", text)
}

func TestDOM_NonEmptyMarkup(t *testing.T) {
	page := &fakePage{source: "<html><head></head><body>hi</body></html>"}
	c := capture.New(page, capture.Options{})

	html, err := c.DOM(context.Background())
	require.NoError(t, err)
	assert.Contains(t, html, "<body>")
}

func TestDOM_EmptyDocumentIsIntegrityFailure(t *testing.T) {
	page := &fakePage{source: ""}
	c := capture.New(page, capture.Options{})

	_, err := c.DOM(context.Background())
	assert.ErrorIs(t, err, capture.ErrIntegrity)
}

func TestScreenshot_JPEGSignature(t *testing.T) {
	data := make([]byte, 1500)
	copy(data, []byte{0xff, 0xd8, 0xff})
	page := &fakePage{image: data}
	c := capture.New(page, capture.Options{Format: "jpeg"})

	out, err := c.Screenshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(0xff), out[0])
}
