package store

import (
	"database/sql"
	_ "embed"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/gatesight/facecount/event"
	"github.com/gatesight/facecount/identity"
)

// schema.sql defines the visitor, embedding and event tables.
//
//go:embed schema.sql
var schemaSQL string

// Store persists visitor identities and the event log in SQLite. Durability
// contract: an acknowledged write survives process restart; the core assumes
// nothing beyond atomicity of a single upsert or append.
type Store struct {
	*sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open visitor database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db}, nil
}

// UpsertVisitor writes the visitor row and all its embeddings. An existing
// row keeps its first-seen time; last-seen and the visit count move forward.
func (s *Store) UpsertVisitor(v identity.Visitor) error {
	query := `
		INSERT INTO visitors (visitor_id, first_seen_unix_nanos, last_seen_unix_nanos, total_visits)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(visitor_id) DO UPDATE SET
			last_seen_unix_nanos = excluded.last_seen_unix_nanos,
			total_visits = excluded.total_visits
	`
	_, err := s.Exec(query, v.ID.String(), v.FirstSeen.UnixNano(), v.LastSeen.UnixNano(), v.TotalVisits)
	if err != nil {
		return fmt.Errorf("upsert visitor: %w", err)
	}

	for position, emb := range v.Embeddings {
		query := `
			INSERT INTO visitor_embeddings (visitor_id, position, dim, vector)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(visitor_id, position) DO UPDATE SET
				dim = excluded.dim,
				vector = excluded.vector
		`
		_, err := s.Exec(query, v.ID.String(), position, len(emb), encodeVector(emb))
		if err != nil {
			return fmt.Errorf("upsert visitor embedding %d: %w", position, err)
		}
	}
	return nil
}

// AppendEvent appends one event to the log.
func (s *Store) AppendEvent(ev event.Event) error {
	query := `
		INSERT INTO events (visitor_id, kind, ts_unix_nanos, track_id, confidence, snapshot_path)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.Exec(query,
		ev.VisitorID.String(),
		string(ev.Kind),
		ev.Timestamp.UnixNano(),
		ev.TrackID.String(),
		ev.Confidence,
		ev.SnapshotPath,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// LoadVisitors reads every persisted visitor with its embeddings, ordered by
// first-seen time. Any malformed row is an error: the registry must refuse
// to start on data it cannot trust.
func (s *Store) LoadVisitors() ([]identity.Visitor, error) {
	rows, err := s.Query(`
		SELECT visitor_id, first_seen_unix_nanos, last_seen_unix_nanos, total_visits
		FROM visitors
		ORDER BY first_seen_unix_nanos, visitor_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load visitors: %w", err)
	}
	defer rows.Close()

	var visitors []identity.Visitor
	for rows.Next() {
		var (
			id          string
			firstSeen   int64
			lastSeen    int64
			totalVisits int
		)
		if err := rows.Scan(&id, &firstSeen, &lastSeen, &totalVisits); err != nil {
			return nil, fmt.Errorf("scan visitor: %w", err)
		}
		visitorID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse visitor id %q: %w", id, err)
		}
		visitors = append(visitors, identity.Visitor{
			ID:          visitorID,
			FirstSeen:   time.Unix(0, firstSeen),
			LastSeen:    time.Unix(0, lastSeen),
			TotalVisits: totalVisits,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate visitors: %w", err)
	}

	for i := range visitors {
		embeddings, err := s.loadEmbeddings(visitors[i].ID)
		if err != nil {
			return nil, err
		}
		visitors[i].Embeddings = embeddings
	}
	return visitors, nil
}

func (s *Store) loadEmbeddings(visitorID uuid.UUID) ([][]float32, error) {
	rows, err := s.Query(`
		SELECT dim, vector FROM visitor_embeddings
		WHERE visitor_id = ?
		ORDER BY position
	`, visitorID.String())
	if err != nil {
		return nil, fmt.Errorf("load embeddings for %s: %w", visitorID, err)
	}
	defer rows.Close()

	var embeddings [][]float32
	for rows.Next() {
		var (
			dim  int
			blob []byte
		)
		if err := rows.Scan(&dim, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding for %s: %w", visitorID, err)
		}
		vec, err := decodeVector(blob, dim)
		if err != nil {
			return nil, fmt.Errorf("decode embedding for %s: %w", visitorID, err)
		}
		embeddings = append(embeddings, vec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings for %s: %w", visitorID, err)
	}
	return embeddings, nil
}

// Stats summarizes the stored visitors and events.
type Stats struct {
	TotalVisitors int
	TotalEvents   int
	EntryEvents   int
	ExitEvents    int
}

// LoadStats computes counts over the whole database.
func (s *Store) LoadStats() (Stats, error) {
	var st Stats
	err := s.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM visitors),
			(SELECT COUNT(*) FROM events),
			(SELECT COUNT(*) FROM events WHERE kind = 'entry'),
			(SELECT COUNT(*) FROM events WHERE kind = 'exit')
	`).Scan(&st.TotalVisitors, &st.TotalEvents, &st.EntryEvents, &st.ExitEvents)
	if err != nil {
		return Stats{}, fmt.Errorf("load stats: %w", err)
	}
	return st, nil
}

// RecentEvents returns the newest events first, up to limit.
func (s *Store) RecentEvents(limit int) ([]event.Event, error) {
	rows, err := s.Query(`
		SELECT visitor_id, kind, ts_unix_nanos, track_id, confidence, snapshot_path
		FROM events
		ORDER BY ts_unix_nanos DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// VisitorEvents returns one visitor's events, newest first, up to limit.
func (s *Store) VisitorEvents(visitorID uuid.UUID, limit int) ([]event.Event, error) {
	rows, err := s.Query(`
		SELECT visitor_id, kind, ts_unix_nanos, track_id, confidence, snapshot_path
		FROM events
		WHERE visitor_id = ?
		ORDER BY ts_unix_nanos DESC, id DESC
		LIMIT ?
	`, visitorID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", visitorID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]event.Event, error) {
	var events []event.Event
	for rows.Next() {
		var (
			visitorID    string
			kind         string
			tsNanos      int64
			trackID      string
			confidence   sql.NullFloat64
			snapshotPath sql.NullString
		)
		if err := rows.Scan(&visitorID, &kind, &tsNanos, &trackID, &confidence, &snapshotPath); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		vID, err := uuid.Parse(visitorID)
		if err != nil {
			return nil, fmt.Errorf("parse event visitor id %q: %w", visitorID, err)
		}
		tID, err := uuid.Parse(trackID)
		if err != nil {
			return nil, fmt.Errorf("parse event track id %q: %w", trackID, err)
		}
		events = append(events, event.Event{
			VisitorID:    vID,
			Kind:         event.Kind(kind),
			Timestamp:    time.Unix(0, tsNanos),
			TrackID:      tID,
			Confidence:   confidence.Float64,
			SnapshotPath: snapshotPath.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte, dim int) ([]float32, error) {
	if dim <= 0 || len(blob) != dim*4 {
		return nil, fmt.Errorf("embedding blob of %d bytes does not hold %d float32 values", len(blob), dim)
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}
