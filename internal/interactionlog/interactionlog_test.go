package interactionlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLog_WriteRequestAndResponse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interactions.log")
	l := New(path)
	defer l.Close()

	l.WriteRequest("req-1", []byte(`{"model":"M"}`))
	l.WriteResponse("req-1", `{"ok":true}`)
	require.NoError(t, l.writer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "REQUEST req-1")
	require.Contains(t, lines[1], "RESPONSE req-1")
}

func TestLog_WriteEntry_CollapsesEmbeddedNewlines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interactions.log")
	l := New(path)
	defer l.Close()

	l.WriteResponse("req-2", "line one\nline two\r\nline three")
	require.NoError(t, l.writer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 1)
	require.Equal(t, "line one line two line three", lines[0][strings.Index(lines[0], "RESPONSE req-2")+len("RESPONSE req-2 "):])
}

func TestErrorWindows_ReturnsMostRecentFirstWithContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interactions.log")
	l := New(path)

	l.WriteRequest("r1", []byte(`{"model":"M"}`))
	l.WriteError("r1", "boom")
	l.WriteRequest("r2", []byte(`{"model":"M"}`))
	l.WriteResponse("r2", `{"ok":true}`)
	l.WriteError("r2", "boom again")
	require.NoError(t, l.writer.Close())

	windows, err := ErrorWindows(path, 10)
	require.NoError(t, err)
	require.Len(t, windows, 2)
	require.Contains(t, windows[0].Lines[len(windows[0].Lines)-1], "boom again")
	require.Contains(t, windows[1].Lines[len(windows[1].Lines)-1], "ERROR r1")
}

func TestErrorWindows_MissingFileReturnsNoError(t *testing.T) {
	windows, err := ErrorWindows(filepath.Join(t.TempDir(), "does-not-exist.log"), 10)
	require.NoError(t, err)
	require.Nil(t, windows)
}

func TestErrorWindows_RespectsLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interactions.log")
	l := New(path)
	for i := 0; i < 5; i++ {
		l.WriteError("r", "boom")
	}
	require.NoError(t, l.writer.Close())

	windows, err := ErrorWindows(path, 3)
	require.NoError(t, err)
	require.Len(t, windows, 3)
}
