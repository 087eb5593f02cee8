package devloop

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startConsole(t *testing.T, r Restarter) (*ConsoleScanner, *io.PipeWriter) {
	t.Helper()
	pr, pw := io.Pipe()
	c := NewConsoleScanner(pr, discardLogger())
	require.NoError(t, c.Start(context.Background(), r))
	t.Cleanup(func() {
		c.Stop()
		_ = pw.Close()
	})
	return c, pw
}

func TestConsoleRestartsOnNewline(t *testing.T) {
	rec := newRecordingRestarter()
	_, pw := startConsole(t, rec)

	_, err := pw.Write([]byte("hello"))
	require.NoError(t, err)
	rec.none(t, 50*time.Millisecond)

	_, err = pw.Write([]byte("\n"))
	require.NoError(t, err)
	ev := rec.next(t)
	assert.Equal(t, OriginConsole, ev.Origin)
	assert.Empty(t, ev.Paths)
	assert.False(t, ev.TouchesBuildDescriptor)
	rec.none(t, 50*time.Millisecond)
}

func TestConsoleDiscardsInputTypedDuringRestart(t *testing.T) {
	rec := newRecordingRestarter()
	rec.block = make(chan struct{})
	_, pw := startConsole(t, rec)

	_, err := pw.Write([]byte("\n"))
	require.NoError(t, err)
	rec.next(t)

	_, err = pw.Write([]byte("again\n"))
	require.NoError(t, err)
	_, err = pw.Write([]byte("and again\n"))
	require.NoError(t, err)
	// Let the reader hand the chunks over before the restart completes.
	time.Sleep(50 * time.Millisecond)
	close(rec.block)
	rec.none(t, 100*time.Millisecond)

	_, err = pw.Write([]byte("\n"))
	require.NoError(t, err)
	rec.next(t)
}

func TestConsoleEndsOnEOF(t *testing.T) {
	rec := newRecordingRestarter()
	c, pw := startConsole(t, rec)

	_, err := pw.Write([]byte("last\n"))
	require.NoError(t, err)
	rec.next(t)
	require.NoError(t, pw.Close())

	waitClosed(t, c.Done(), "console done after EOF")
	rec.none(t, 50*time.Millisecond)
}

func TestConsoleEndsOnReadError(t *testing.T) {
	rec := newRecordingRestarter()
	c, pw := startConsole(t, rec)

	require.NoError(t, pw.CloseWithError(errors.New("terminal gone")))
	waitClosed(t, c.Done(), "console done after read error")
	rec.none(t, 50*time.Millisecond)
}

func TestConsoleStop(t *testing.T) {
	c, _ := startConsole(t, newRecordingRestarter())
	assert.ErrorIs(t, c.Start(context.Background(), newRecordingRestarter()), ErrAlreadyStarted)

	c.Stop()
	c.Stop()
	waitClosed(t, c.Done(), "console done after stop")
}

func TestConsoleDoneBeforeStart(t *testing.T) {
	c := NewConsoleScanner(nil, discardLogger())
	waitClosed(t, c.Done(), "unstarted console done")
}
