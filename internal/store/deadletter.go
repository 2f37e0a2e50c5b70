package store

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/redis/go-redis/v9"

	"remindq/internal/types"
)

func deadLetterKey(id string) string { return "deadletter:" + id }

const deadLetterIndexKey = "deadletters"

// AppendDeadLetters records dead-letter entries for permanently abandoned
// jobs. Entries carry their own retention, longer than the jobs they
// describe, and the original group payload gzip-compressed for manual
// inspection after the job itself has expired.
//
// All entries of one callback land in a single pipeline so the index never
// references a missing entry.
func (s *Store) AppendDeadLetters(ctx context.Context, entries []*types.DeadLetterEntry) error {
	if len(entries) == 0 {
		return nil
	}

	serialized := make(map[string][]byte, len(entries))
	ids := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		// Compress a copy; the caller's entry stays untouched.
		record := *e
		if len(record.Payload) > 0 {
			compressed, err := compressPayload(record.Payload)
			if err != nil {
				// Keep the entry, drop the payload. The error text and job
				// reference are the part operators cannot recover elsewhere.
				s.logger.WarnContext(ctx, "failed to compress dead-letter payload",
					"dead_letter_id", record.ID, "error", err)
				record.Payload = nil
			} else {
				record.Payload = compressed
			}
		}
		data, err := json.Marshal(&record)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalStore, "failed to marshal dead-letter entry "+record.ID, err)
		}
		serialized[record.ID] = data
		ids = append(ids, record.ID)
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, data := range serialized {
			pipe.Set(ctx, deadLetterKey(id), data, s.dlqTTL)
		}
		// Newest first for the paginated listing.
		pipe.LPush(ctx, deadLetterIndexKey, ids...)
		pipe.LTrim(ctx, deadLetterIndexKey, 0, deadLetterIndexMax-1)
		return nil
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to append dead-letter entries", err)
	}

	s.logger.InfoContext(ctx, "dead-letter entries recorded", "count", len(entries))
	return nil
}

// deadLetterIndexMax bounds the index list. Entries beyond it are still
// readable by key until their TTL lapses, just no longer listed.
const deadLetterIndexMax = 10_000

// ListDeadLetters returns one page of dead-letter entries, newest first.
// Pages are 1-based. Expired entries still present in the index are skipped.
func (s *Store) ListDeadLetters(ctx context.Context, page, pageSize int) ([]*types.DeadLetterEntry, error) {
	if page < 1 || pageSize < 1 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPage, "page and page_size must be >= 1", nil)
	}

	start := int64((page - 1) * pageSize)
	stop := start + int64(pageSize) - 1
	ids, err := s.rdb.LRange(ctx, deadLetterIndexKey, start, stop).Result()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to read dead-letter index", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = deadLetterKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to read dead-letter entries", err)
	}

	entries := make([]*types.DeadLetterEntry, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var e types.DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.logger.WarnContext(ctx, "skipping corrupt dead-letter entry", "dead_letter_id", ids[i], "error", err)
			continue
		}
		if len(e.Payload) > 0 {
			if decompressed, err := decompressPayload(e.Payload); err == nil {
				e.Payload = decompressed
			}
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

func compressPayload(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressPayload(payload []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
