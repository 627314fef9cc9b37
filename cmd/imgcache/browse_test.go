package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anastasop/imgcache/internal/budget"
	"github.com/anastasop/imgcache/internal/collection"
	"github.com/anastasop/imgcache/internal/prefetch"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return logrus.NewEntry(l)
}

func newTestSession(t *testing.T, n int) (*session, *bytes.Buffer, []string) {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for i := range n {
		p := filepath.Join(dir, fmt.Sprintf("img%d.png", i))
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
		require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))
		paths = append(paths, p)
	}
	s, out := sessionFor(t, paths)
	return s, out, paths
}

// sessionFor starts a session over paths in the given order.
func sessionFor(t *testing.T, paths []string) (*session, *bytes.Buffer) {
	t.Helper()
	folder := collection.NewFolder(paths, nil)
	require.NoError(t, folder.LoadMetadata(context.Background(), 2, quietLog()))

	c := prefetch.New(prefetch.Options{
		Decoders:   2,
		Budget:     budget.Budget{MaxMB: 1},
		Available:  func() (float64, error) { return 1 << 20, nil },
		RetryDelay: time.Millisecond,
		Log:        quietLog(),
	})
	t.Cleanup(c.Close)
	require.NoError(t, c.ReplaceCollection(folder))

	var out bytes.Buffer
	return newSession(folder, c, 2, &out, quietLog()), &out
}

func TestSessionCommands(t *testing.T) {
	s, out, paths := newTestSession(t, 5)

	input := "n\nn\np\ng 4\ng 9\nN\nx\nrm\ns\nq\nn\n"
	require.NoError(t, s.run(context.Background(), strings.NewReader(input)))

	var shown []string
	for _, line := range strings.Split(out.String(), "\n") {
		if f := strings.Fields(line); len(f) > 0 && strings.Contains(f[0], "/") {
			shown = append(shown, f[0])
		}
	}
	assert.Equal(t, []string{"0/5", "1/5", "2/5", "1/5", "4/5", "3/4"}, shown)
	assert.Contains(t, out.String(), "?index 9 out of range [0, 5)")
	assert.Contains(t, out.String(), `?unknown command "x"`)
	assert.Contains(t, out.String(), progName)

	assert.Equal(t, 4, s.folder.Len())
	_, ok := s.folder.IndexOf(paths[4])
	assert.False(t, ok)
	_, err := os.Stat(paths[4])
	assert.NoError(t, err, "rm keeps the file")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := s.cache.WaitSettled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Position)
	assert.True(t, s.cache.IsCached(paths[3]))
}

func TestSessionJump(t *testing.T) {
	s, out, paths := newTestSession(t, 4)
	t.Chdir(filepath.Dir(paths[0]))

	require.NoError(t, s.jump(paths[2]))
	assert.Equal(t, 2, s.cursor.Pos())
	require.NoError(t, s.jump("img3.png"), "relative to the working directory")
	assert.Equal(t, 3, s.cursor.Pos())
	assert.Error(t, s.jump("missing.png"))
	assert.Contains(t, out.String(), "3/4 "+paths[3])
}

func TestSessionPlumbed(t *testing.T) {
	s, out, paths := newTestSession(t, 3)
	plumbed := make(chan string, 1)
	plumbed <- paths[2]
	close(plumbed)
	s.plumbed = plumbed

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	done := make(chan error, 1)
	go func() { done <- s.run(context.Background(), r) }()

	require.Eventually(t, func() bool { return s.cache.Status().Position == 2 }, 5*time.Second, 5*time.Millisecond)
	_, err = w.Write([]byte("q\n"))
	require.NoError(t, err)
	require.NoError(t, <-done)
	w.Close()
	assert.Contains(t, out.String(), "2/3 "+paths[2])
}

func TestSessionSortKeepsCurrent(t *testing.T) {
	_, _, paths := newTestSession(t, 4)
	reversed := slices.Clone(paths)
	slices.Reverse(reversed)
	s, out := sessionFor(t, reversed)

	_, err := s.exec("g 1")
	require.NoError(t, err)
	require.Equal(t, paths[2], s.current())

	_, err = s.exec("sort")
	require.NoError(t, err)
	assert.Equal(t, paths[2], s.current())
	assert.Equal(t, 2, s.cursor.Pos())
	assert.Equal(t, paths[0], s.folder.PathAt(0))
	assert.Contains(t, out.String(), "2/4 "+paths[2])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := s.cache.WaitSettled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Position)
}
