package result

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSinkOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "results.txt")
	sink := NewFileSink(path)
	ctx := context.Background()

	require.NoError(t, sink.Write(ctx, Entry{Project: "firefly", Content: "Step 1 Analysis:\nok"}))
	require.NoError(t, sink.Write(ctx, Entry{Project: "firefly", Content: "Final Summary:\nhealthy", Final: true}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "firefly:\n\nFinal Summary:\nhealthy\n", string(data))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, sink.Close())
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()

	require.NoError(t, sink.Write(ctx, Entry{Project: "projecty", Content: "one"}))
	require.NoError(t, sink.Write(ctx, Entry{Project: "firefly", Content: "two"}))
	require.NoError(t, sink.Write(ctx, Entry{Project: "projecty", Content: "three", Final: true}))

	entry, ok := sink.Get("projecty")
	require.True(t, ok)
	assert.Equal(t, "three", entry.Content)
	assert.True(t, entry.Final)

	_, ok = sink.Get("besu")
	assert.False(t, ok)

	list := sink.List()
	require.Len(t, list, 2)
	assert.Equal(t, "firefly", list[0].Project)
	assert.Equal(t, "projecty", list[1].Project)
}

type failingSink struct{ err error }

func (f failingSink) Write(context.Context, Entry) error { return f.err }
func (f failingSink) Close() error                       { return f.err }

func TestMultiWritesAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	memory := NewMemorySink()
	multi := Multi{failingSink{err: boom}, memory}

	err := multi.Write(context.Background(), Entry{Project: "firefly", Content: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	_, ok := memory.Get("firefly")
	assert.True(t, ok)
	assert.ErrorIs(t, multi.Close(), boom)
}

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSinkPublishesKeyedEntry(t *testing.T) {
	writer := &fakeWriter{}
	sink := NewKafkaSinkWithWriter(writer, "project-health")
	updated := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, sink.Write(context.Background(), Entry{
		Project:   "firefly",
		Content:   "Final Summary:\nhealthy",
		Final:     true,
		PR:        42,
		UpdatedAt: updated,
	}))

	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	assert.Equal(t, "firefly", string(msg.Key))
	assert.Equal(t, updated, msg.Time)

	var decoded Entry
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, 42, decoded.PR)
	assert.True(t, decoded.Final)

	require.NoError(t, sink.Close())
	assert.True(t, writer.closed)
}

func TestKafkaSinkWriteError(t *testing.T) {
	writer := &fakeWriter{err: errors.New("leader not available")}
	sink := NewKafkaSinkWithWriter(writer, "project-health")

	err := sink.Write(context.Background(), Entry{Project: "firefly"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish result for firefly")
}
