// Package pgbackend is an optional docstore.Backend that stores the
// ground-truth log as rows in a Postgres table instead of the default
// filelog directory, grounded on the teacher repository's pkg/postgres
// client and internal/ingestion/publisher insert pattern. It exists for
// embedding scenarios where the host process already manages a Postgres
// connection (e.g. a desktop application backed by a local Postgres
// instance) and wants the engine's ground truth co-located with other
// application data instead of a separate directory on disk. The engine
// coordinator treats this exactly like filelog.Backend; nothing about
// Optimize, recovery, or liveness changes.
package pgbackend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kestrel-db/kestrel/internal/docstore"
	"github.com/kestrel-db/kestrel/pkg/postgres"
	"github.com/kestrel-db/kestrel/pkg/resilience"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS kestrel_document_log (
	seq BIGSERIAL PRIMARY KEY,
	kind SMALLINT NOT NULL,
	doc_id INTEGER NOT NULL,
	payload TEXT NOT NULL
)`

// wireRecord is the JSON-serialisable form of docstore.Record stored in
// the payload column; kind and doc_id are broken out into their own
// columns so Optimize's Rewrite can TRUNCATE without parsing JSON.
type wireRecord struct {
	Document      docstore.Document    `json:"document,omitempty"`
	UsageType     int                  `json:"usage_type,omitempty"`
	UsageAtMs     int64                `json:"usage_at_ms,omitempty"`
	UsageSnapshot docstore.UsageRecord `json:"usage_snapshot,omitempty"`
}

// Backend is a Postgres-backed docstore.Backend. Append retries transient
// failures with backoff since it sits on every Put's hot path; Scan and
// Rewrite run through a CircuitBreaker instead, since a replay or
// compaction is already an infrequent, bulk operation where failing fast
// during an outage matters more than retrying one more time.
type Backend struct {
	client *postgres.Client
	table  string
	cb     *resilience.CircuitBreaker
}

// Open creates (if needed) the backing table and returns a ready Backend.
func Open(client *postgres.Client) (*Backend, error) {
	if _, err := client.DB.Exec(createTableSQL); err != nil {
		return nil, fmt.Errorf("creating document log table: %w", err)
	}
	return &Backend{
		client: client,
		table:  "kestrel_document_log",
		cb:     resilience.NewCircuitBreaker("pgbackend", resilience.CircuitBreakerConfig{}),
	}, nil
}

// Append inserts rec as a new row.
func (b *Backend) Append(rec docstore.Record) error {
	payload, err := json.Marshal(wireRecord{
		Document:      rec.Document,
		UsageType:     rec.UsageType,
		UsageAtMs:     rec.UsageAtMs,
		UsageSnapshot: rec.UsageSnapshot,
	})
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	err = resilience.Retry(context.Background(), "pgbackend.append", resilience.RetryConfig{}, func() error {
		_, err := b.client.DB.Exec(
			`INSERT INTO kestrel_document_log (kind, doc_id, payload) VALUES ($1, $2, $3)`,
			int(rec.Kind), int32(rec.Id), string(payload),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting document log row: %w", err)
	}
	return nil
}

// Scan replays every row in insertion (seq) order.
func (b *Backend) Scan(fn func(docstore.Record) error) error {
	var rows *sql.Rows
	err := b.cb.Execute(func() error {
		var queryErr error
		rows, queryErr = b.client.DB.Query(`SELECT kind, doc_id, payload FROM kestrel_document_log ORDER BY seq ASC`)
		return queryErr
	})
	if err != nil {
		return fmt.Errorf("querying document log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind int
		var docID int32
		var payload string
		if err := rows.Scan(&kind, &docID, &payload); err != nil {
			return fmt.Errorf("scanning document log row: %w", err)
		}
		var w wireRecord
		if err := json.Unmarshal([]byte(payload), &w); err != nil {
			return fmt.Errorf("parsing document log row: %w", err)
		}
		rec := docstore.Record{
			Kind:          docstore.RecordKind(kind),
			Id:            docstore.DocumentId(docID),
			Document:      w.Document,
			UsageType:     w.UsageType,
			UsageAtMs:     w.UsageAtMs,
			UsageSnapshot: w.UsageSnapshot,
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Rewrite replaces every row with records inside a single transaction, so
// Optimize either fully publishes the compacted log or leaves the
// original rows untouched.
func (b *Backend) Rewrite(records []docstore.Record) error {
	return b.cb.Execute(func() error {
		return b.client.InTx(context.Background(), func(tx *sql.Tx) error {
			if _, err := tx.Exec(`TRUNCATE TABLE kestrel_document_log`); err != nil {
				return fmt.Errorf("truncating document log: %w", err)
			}
			for _, rec := range records {
				payload, err := json.Marshal(wireRecord{
					Document:      rec.Document,
					UsageType:     rec.UsageType,
					UsageAtMs:     rec.UsageAtMs,
					UsageSnapshot: rec.UsageSnapshot,
				})
				if err != nil {
					return fmt.Errorf("marshaling record: %w", err)
				}
				if _, err := tx.Exec(
					`INSERT INTO kestrel_document_log (kind, doc_id, payload) VALUES ($1, $2, $3)`,
					int(rec.Kind), int32(rec.Id), string(payload),
				); err != nil {
					return fmt.Errorf("inserting compacted row: %w", err)
				}
			}
			return nil
		})
	})
}

// Close closes the underlying Postgres client.
func (b *Backend) Close() error {
	return b.client.Close()
}
