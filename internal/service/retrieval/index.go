package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/viterin/vek/vek32"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/harbour-desk/backend/internal/model/chat"
)

// Match is one passage returned by a similarity query.
type Match struct {
	Text   string
	Source string
	Score  float64
}

// VectorIndex answers nearest-neighbour queries over the knowledge corpus.
type VectorIndex interface {
	Query(ctx context.Context, vector []float64, topK int) ([]Match, error)
}

// Passage is a corpus entry with its embedding.
type Passage struct {
	Text   string
	Source string
	Vector []float32
}

type entry struct {
	Passage
	norm float64
}

// MemoryIndex is a brute-force cosine index held in memory.
type MemoryIndex struct {
	mu      sync.RWMutex
	dim     int
	entries []entry
}

// NewMemoryIndex builds an index from passages. All vectors must share a dimension.
func NewMemoryIndex(passages []Passage) (*MemoryIndex, error) {
	idx := &MemoryIndex{}
	for _, p := range passages {
		if err := idx.Add(p); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// Add inserts one passage.
func (m *MemoryIndex) Add(p Passage) error {
	if len(p.Vector) == 0 {
		return fmt.Errorf("passage %q has no vector", p.Source)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dim == 0 {
		m.dim = len(p.Vector)
	}
	if len(p.Vector) != m.dim {
		return fmt.Errorf("passage %q has dimension %d, index is %d", p.Source, len(p.Vector), m.dim)
	}
	norm := math.Sqrt(float64(vek32.Dot(p.Vector, p.Vector)))
	m.entries = append(m.entries, entry{Passage: p, norm: norm})
	return nil
}

// Len reports the number of passages.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Query implements VectorIndex.
func (m *MemoryIndex) Query(ctx context.Context, vector []float64, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return []Match{}, nil
	}
	if len(vector) != m.dim {
		return nil, fmt.Errorf("%w: query dimension %d, index is %d", chat.ErrUpstream, len(vector), m.dim)
	}

	query := make([]float32, len(vector))
	for i, v := range vector {
		query[i] = float32(v)
	}
	queryNorm := math.Sqrt(float64(vek32.Dot(query, query)))
	if queryNorm == 0 {
		return []Match{}, nil
	}

	matches := make([]Match, 0, len(m.entries))
	for i, e := range m.entries {
		if i%1024 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if e.norm == 0 {
			continue
		}
		score := float64(vek32.Dot(query, e.Vector)) / (queryNorm * e.norm)
		matches = append(matches, Match{Text: e.Text, Source: e.Source, Score: score})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

const passagesSchema = `
CREATE TABLE IF NOT EXISTS passages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	text TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	embedding BLOB NOT NULL
);`

// LoadSQLiteIndex reads the pre-built passages table into a MemoryIndex.
func LoadSQLiteIndex(ctx context.Context, dbPath string, logger *zap.Logger) (*MemoryIndex, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT text, source, embedding FROM passages ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query passages: %w", err)
	}
	defer rows.Close()

	idx := &MemoryIndex{}
	for rows.Next() {
		var (
			p    Passage
			blob []byte
		)
		if err := rows.Scan(&p.Text, &p.Source, &blob); err != nil {
			return nil, fmt.Errorf("scan passage: %w", err)
		}
		p.Vector, err = decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decode passage %q: %w", p.Source, err)
		}
		if err := idx.Add(p); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate passages: %w", err)
	}

	if logger != nil {
		logger.Named("retrieval").Info("vector index loaded",
			zap.String("path", dbPath),
			zap.Int("passages", idx.Len()),
			zap.Int("dimension", idx.dim))
	}
	return idx, nil
}

// WritePassages appends passages to a SQLite index file, creating the table if needed.
func WritePassages(ctx context.Context, dbPath string, passages []Passage) error {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("open vector index: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, passagesSchema); err != nil {
		return fmt.Errorf("create passages table: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range passages {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO passages (text, source, embedding) VALUES (?, ?, ?)`,
			p.Text, p.Source, encodeVector(p.Vector)); err != nil {
			return fmt.Errorf("insert passage: %w", err)
		}
	}
	return tx.Commit()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(blob))
	}
	v := make([]float32, len(blob)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return v, nil
}
