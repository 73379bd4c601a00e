package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avhall/leverbot/internal/domain"
)

type fakeJournal struct {
	entries  []domain.JournalEntry
	listErr  error
	markErr  error
	archived [][]string
}

func (f *fakeJournal) ListClosedBefore(_ context.Context, _ time.Time, limit int) ([]domain.JournalEntry, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	n := min(limit, len(f.entries))
	out := f.entries[:n]
	f.entries = f.entries[n:]
	return out, nil
}

func (f *fakeJournal) MarkArchived(_ context.Context, ids []string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.archived = append(f.archived, ids)
	return nil
}

func (f *fakeJournal) RecordOpen(context.Context, domain.JournalEntry) error { return nil }
func (f *fakeJournal) RecordClose(context.Context, string, float64, float64, domain.CloseReason) error {
	return nil
}
func (f *fakeJournal) UpdateUnrealized(context.Context, string, float64, float64) error { return nil }
func (f *fakeJournal) FindOpenBySymbol(context.Context, string) (domain.JournalEntry, error) {
	return domain.JournalEntry{}, errors.New("unused")
}
func (f *fakeJournal) PruneArchivedBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type capturedPut struct {
	path        string
	contentType string
	body        []byte
}

type fakeWriter struct {
	puts       []capturedPut
	multiparts int
	err        error
}

func (f *fakeWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if f.err != nil {
		return f.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.puts = append(f.puts, capturedPut{path: path, contentType: contentType, body: b})
	return nil
}

func (f *fakeWriter) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	f.multiparts++
	_, err := io.Copy(io.Discard, data)
	return err
}

type fakeReader struct {
	exists    bool
	existsErr error
	checks    []string
}

func (f *fakeReader) Exists(_ context.Context, path string) (bool, error) {
	f.checks = append(f.checks, path)
	return f.exists, f.existsErr
}

func (f *fakeReader) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("unused")
}
func (f *fakeReader) List(context.Context, string) ([]domain.BlobInfo, error) { return nil, nil }

type fakeStream struct {
	events []domain.StreamEvent
}

func (f *fakeStream) Append(_ context.Context, ev domain.StreamEvent) error {
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStream) ReadSince(context.Context, string, int) ([]domain.StreamEvent, error) {
	return nil, nil
}

func closedEntries(n int) []domain.JournalEntry {
	out := make([]domain.JournalEntry, n)
	for i := range out {
		out[i] = domain.JournalEntry{
			ID:     fmt.Sprintf("pos-%d", i+1),
			Symbol: "BTCUSDT",
			Status: domain.PositionStatusClosed,
		}
	}
	return out
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestArchiveDrainsInBatches(t *testing.T) {
	j := &fakeJournal{entries: closedEntries(3)}
	w := &fakeWriter{}
	r := &fakeReader{exists: true}
	s := &fakeStream{}
	a := NewArchiver(w, r, j, s, 2, testLogger())

	total, err := a.ArchiveClosedPositions(context.Background(), time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)

	require.Len(t, w.puts, 2)
	assert.Equal(t, "application/x-ndjson", w.puts[0].contentType)
	assert.Equal(t, 2, bytes.Count(w.puts[0].body, []byte("\n")), "one line per record")
	assert.NotEqual(t, w.puts[0].path, w.puts[1].path, "batches must not share an object key")

	require.Len(t, j.archived, 2)
	assert.Equal(t, []string{"pos-1", "pos-2"}, j.archived[0])
	assert.Equal(t, []string{"pos-3"}, j.archived[1])

	require.Len(t, s.events, 2)
	assert.Equal(t, "archive_run", s.events[0].Kind)
	assert.Equal(t, "2", s.events[0].Payload["count"])
}

func TestArchiveNothingToDo(t *testing.T) {
	a := NewArchiver(&fakeWriter{}, nil, &fakeJournal{}, nil, 10, testLogger())

	total, err := a.ArchiveClosedPositions(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestArchiveStopsWhenObjectNotVisible(t *testing.T) {
	j := &fakeJournal{entries: closedEntries(1)}
	r := &fakeReader{exists: false}
	a := NewArchiver(&fakeWriter{}, r, j, nil, 10, testLogger())

	total, err := a.ArchiveClosedPositions(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not visible")
	assert.Zero(t, total)
	assert.Empty(t, j.archived, "rows must not be marked against an unreadable object")
}

func TestArchiveStopsOnConfirmError(t *testing.T) {
	boom := errors.New("store down")
	j := &fakeJournal{entries: closedEntries(1)}
	a := NewArchiver(&fakeWriter{}, &fakeReader{existsErr: boom}, j, nil, 10, testLogger())

	_, err := a.ArchiveClosedPositions(context.Background(), time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, j.archived)
}

func TestArchiveWithoutReaderSkipsConfirmation(t *testing.T) {
	j := &fakeJournal{entries: closedEntries(1)}
	a := NewArchiver(&fakeWriter{}, nil, j, nil, 10, testLogger())

	total, err := a.ArchiveClosedPositions(context.Background(), time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, j.archived, 1)
}

func TestArchiveUploadErrorStopsRun(t *testing.T) {
	boom := errors.New("bucket gone")
	j := &fakeJournal{entries: closedEntries(1)}
	a := NewArchiver(&fakeWriter{err: boom}, nil, j, nil, 10, testLogger())

	total, err := a.ArchiveClosedPositions(context.Background(), time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, total)
	assert.Empty(t, j.archived)
}

func TestArchiveMarkErrorStopsRun(t *testing.T) {
	boom := errors.New("journal readonly")
	j := &fakeJournal{entries: closedEntries(1), markErr: boom}
	a := NewArchiver(&fakeWriter{}, nil, j, nil, 10, testLogger())

	total, err := a.ArchiveClosedPositions(context.Background(), time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, total, "rows of the failed batch are not counted")
}

func TestUploadSwitchesToMultipart(t *testing.T) {
	w := &fakeWriter{}
	a := NewArchiver(w, nil, &fakeJournal{}, nil, 10, testLogger())

	require.NoError(t, a.upload(context.Background(), "small", make([]byte, 64)))
	assert.Len(t, w.puts, 1)
	assert.Zero(t, w.multiparts)

	require.NoError(t, a.upload(context.Background(), "big", make([]byte, multipartThreshold+1)))
	assert.Equal(t, 1, w.multiparts)
}

func TestArchivePathLayout(t *testing.T) {
	at := time.Date(2026, 8, 25, 14, 30, 5, 0, time.UTC)
	assert.Equal(t, "archive/positions/2026-08-25/", ArchivePrefix(at))
	assert.Equal(t, "archive/positions/2026-08-25/143005-001.jsonl", archivePath(at, 1))
	assert.NotEqual(t, archivePath(at, 1), archivePath(at, 2))
}
