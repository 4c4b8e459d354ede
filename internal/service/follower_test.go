package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestLogFollower_ReadsAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	require.NoError(t, os.WriteFile(path, []byte("line1\n"), 0o644))

	lines := make(chan string, 16)
	f := NewLogFollower(zerolog.Nop(), lines)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	retarget := make(chan string)

	go f.Follow(ctx, path, retarget)

	require.Equal(t, "line1", mustRecvLine(t, lines))

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = file.WriteString("line2\n")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	require.Equal(t, "line2", mustRecvLine(t, lines))
}

func TestLogFollower_WaitsForMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")

	lines := make(chan string, 16)
	f := NewLogFollower(zerolog.Nop(), lines)

	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()
	retarget := make(chan string)

	go f.Follow(ctx, path, retarget)

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o644))

	require.Equal(t, "first", mustRecvLine(t, lines))
}

func TestLogFollower_DetectsRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	require.NoError(t, os.WriteFile(path, []byte("before\n"), 0o644))

	lines := make(chan string, 16)
	f := NewLogFollower(zerolog.Nop(), lines)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	retarget := make(chan string)

	go f.Follow(ctx, path, retarget)
	require.Equal(t, "before", mustRecvLine(t, lines))

	// Simulate log rotation: the old handle's inode is replaced by a
	// fresh file at the same path.
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.WriteFile(path, []byte("after\n"), 0o644))

	require.Equal(t, "after", mustRecvLine(t, lines))
}

func mustRecvLine(t *testing.T, lines <-chan string) string {
	t.Helper()
	select {
	case l := <-lines:
		return l
	case <-time.After(4 * time.Second):
		t.Fatal("timed out waiting for line")
		return ""
	}
}
