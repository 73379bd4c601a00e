package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/avhall/leverbot/internal/domain"
)

// multipartThreshold is the serialized batch size above which uploads switch
// to the multipart path.
const multipartThreshold = 4 * 1024 * 1024

// Archiver implements domain.Archiver: closed journal rows older than the
// cutoff are serialized to JSONL, uploaded, and then marked archived so the
// next run skips them. Rows are never deleted here; pruning the journal is a
// separate, explicit operation once archives are verified.
type Archiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	journal   domain.PositionJournal
	stream    domain.EventStream
	batchSize int
	logger    *slog.Logger
}

// NewArchiver creates an Archiver. reader, when non-nil, is used to confirm
// each uploaded object is visible before its rows are marked archived. stream
// may be nil when no event stream is wired; archive runs are then only logged.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, journal domain.PositionJournal, stream domain.EventStream, batchSize int, logger *slog.Logger) *Archiver {
	if batchSize < 1 {
		batchSize = 500
	}
	return &Archiver{
		writer:    writer,
		reader:    reader,
		journal:   journal,
		stream:    stream,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveClosedPositions drains unarchived closed rows older than before in
// batches and returns the total count moved. A failed batch stops the run;
// rows are marked archived only after their upload succeeded, so a retry
// picks up exactly where this run stopped.
func (a *Archiver) ArchiveClosedPositions(ctx context.Context, before time.Time) (int64, error) {
	var total int64

	for batch := 1; ; batch++ {
		entries, err := a.journal.ListClosedBefore(ctx, before, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive query: %w", err)
		}
		if len(entries) == 0 {
			return total, nil
		}

		buf, err := marshalJSONL(entries)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive marshal: %w", err)
		}

		path := archivePath(time.Now().UTC(), batch)
		if err := a.upload(ctx, path, buf); err != nil {
			return total, fmt.Errorf("s3blob: archive upload: %w", err)
		}
		if err := a.confirmUpload(ctx, path); err != nil {
			return total, err
		}

		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		if err := a.journal.MarkArchived(ctx, ids); err != nil {
			// The objects are already uploaded; a repeat upload of these
			// rows on retry duplicates data but loses nothing.
			return total, fmt.Errorf("s3blob: mark archived: %w", err)
		}

		total += int64(len(entries))
		a.logger.Info("archived batch",
			slog.Int("count", len(entries)),
			slog.String("path", path),
		)
		a.publishRun(ctx, path, len(entries))

		if len(entries) < a.batchSize {
			return total, nil
		}
	}
}

// upload picks the single-shot or multipart path by payload size.
func (a *Archiver) upload(ctx context.Context, path string, buf []byte) error {
	if len(buf) > multipartThreshold {
		return a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), multipartThreshold)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
}

// confirmUpload checks the object is visible in the store before the batch is
// marked archived. Rows must never be marked against an object that cannot be
// read back.
func (a *Archiver) confirmUpload(ctx context.Context, path string) error {
	if a.reader == nil {
		return nil
	}
	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("s3blob: confirm upload %s: %w", path, err)
	}
	if !ok {
		return fmt.Errorf("s3blob: uploaded object %s not visible", path)
	}
	return nil
}

func (a *Archiver) publishRun(ctx context.Context, path string, count int) {
	if a.stream == nil {
		return
	}
	ev := domain.StreamEvent{
		Kind: "archive_run",
		Payload: map[string]string{
			"path":  path,
			"count": strconv.Itoa(count),
		},
		At: time.Now().UTC(),
	}
	if err := a.stream.Append(ctx, ev); err != nil {
		a.logger.Debug("event stream append failed", slog.String("error", err.Error()))
	}
}

// ArchivePrefix returns the object-key prefix holding the given day's
// archive runs. Keys are date-partitioned so prefix listings stay cheap.
func ArchivePrefix(day time.Time) string {
	return fmt.Sprintf("archive/positions/%s/", day.Format("2006-01-02"))
}

// archivePath builds a per-batch object key under the day prefix:
//
//	archive/positions/2026-08-25/143005-001.jsonl
//
// The batch number keeps consecutive batches of one run from landing on the
// same key; second-resolution timestamps alone collide there.
func archivePath(runAt time.Time, batch int) string {
	return fmt.Sprintf("%s%s-%03d.jsonl", ArchivePrefix(runAt), runAt.Format("150405"), batch)
}

// marshalJSONL serialises records as newline-delimited JSON, one compact
// line per record.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*Archiver)(nil)
