package log

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoggerFeed(t *testing.T) {
	logger := NewLogger()
	feed, cancel := logger.Subscribe()
	defer cancel()

	now := time.Unix(1000, 0)
	logger.Warn().Src("mp4").File("a.mp4").Time(now).Msg("resync")

	select {
	case entry := <-feed:
		require.Equal(t, LevelWarning, entry.Level)
		require.Equal(t, "mp4", entry.Src)
		require.Equal(t, "a.mp4", entry.File)
		require.Equal(t, "resync", entry.Msg)
		require.Equal(t, UnixMillisecond(now.UnixNano()/1000), entry.Time)
	case <-time.After(time.Second):
		t.Fatal("no entry received")
	}

	logger.Info().Src("matroska").Msgf("dropped track %d", 3)
	entry := <-feed
	require.Equal(t, LevelInfo, entry.Level)
	require.Equal(t, "dropped track 3", entry.Msg)
}

func TestLoggerCancel(t *testing.T) {
	logger := NewLogger()
	feed, cancel := logger.Subscribe()
	cancel()

	logger.Error().Msg("gone")
	select {
	case entry := <-feed:
		t.Fatalf("entry after cancel: %v", entry)
	default:
	}
}

func TestNilLogger(t *testing.T) {
	var logger *Logger
	// Every call on a nil logger is a no-op.
	logger.Warn().Src("mp4").File("x").Time(time.Now()).Msgf("x %d", 1)
	logger.Error().Msg("x")
	logger.Info().Msg("x")
	logger.Debug().Msg("x")
}

func TestSlowSubscriberDropsEntries(t *testing.T) {
	logger := NewLogger()
	feed, cancel := logger.Subscribe()
	defer cancel()

	// The buffer holds 64 entries; the rest must not block.
	for i := 0; i < 100; i++ {
		logger.Info().Msg("flood")
	}
	require.Len(t, feed, 64)
}
