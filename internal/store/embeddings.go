package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

const (
	EmbeddingKindMessage = "message"
	EmbeddingKindEntry   = "entry"
)

type Embedding struct {
	Kind            string
	RefID           string
	UserID          string
	ConversationID  string
	Content         string
	Vector          []float32
	CreatedAtUnixMs int64
}

type EmbeddingFilter struct {
	Kind           string
	UserID         string
	ConversationID string
	ExcludeRefIDs  []string
	SinceUnixMs    int64
}

type ScoredEmbedding struct {
	Embedding
	Similarity float64
}

// PutEmbedding upserts the vector for (kind, ref_id).
func (s *Store) PutEmbedding(ctx context.Context, e Embedding) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	e.Kind = strings.TrimSpace(e.Kind)
	e.RefID = strings.TrimSpace(e.RefID)
	e.UserID = strings.TrimSpace(e.UserID)
	if e.Kind == "" || e.RefID == "" || e.UserID == "" || len(e.Vector) == 0 {
		return errors.New("invalid request")
	}
	if e.CreatedAtUnixMs <= 0 {
		e.CreatedAtUnixMs = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO embeddings(kind, ref_id, user_id, conversation_id, content, dims, vector, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(kind, ref_id) DO UPDATE SET
  content = excluded.content,
  dims = excluded.dims,
  vector = excluded.vector
`, e.Kind, e.RefID, e.UserID, strings.TrimSpace(e.ConversationID), e.Content, len(e.Vector), encodeVector(e.Vector), e.CreatedAtUnixMs)
	return err
}

// SearchEmbeddings ranks stored vectors by cosine similarity to query and
// returns at most limit rows with similarity >= threshold, best first.
func (s *Store) SearchEmbeddings(ctx context.Context, query []float32, f EmbeddingFilter, threshold float64, limit int) ([]ScoredEmbedding, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	f.UserID = strings.TrimSpace(f.UserID)
	if f.UserID == "" || len(query) == 0 {
		return nil, errors.New("invalid request")
	}
	if limit <= 0 {
		return nil, nil
	}

	q := `
SELECT kind, ref_id, user_id, conversation_id, content, dims, vector, created_at_unix_ms
FROM embeddings
WHERE user_id = ?`
	args := []any{f.UserID}
	if k := strings.TrimSpace(f.Kind); k != "" {
		q += ` AND kind = ?`
		args = append(args, k)
	}
	if c := strings.TrimSpace(f.ConversationID); c != "" {
		q += ` AND conversation_id = ?`
		args = append(args, c)
	}
	if f.SinceUnixMs > 0 {
		q += ` AND created_at_unix_ms >= ?`
		args = append(args, f.SinceUnixMs)
	}
	if len(f.ExcludeRefIDs) > 0 {
		q += ` AND ref_id NOT IN (` + strings.TrimSuffix(strings.Repeat("?,", len(f.ExcludeRefIDs)), ",") + `)`
		for _, id := range f.ExcludeRefIDs {
			args = append(args, id)
		}
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ScoredEmbedding, 0, limit)
	for rows.Next() {
		var (
			e    ScoredEmbedding
			dims int
			blob []byte
		)
		if err := rows.Scan(&e.Kind, &e.RefID, &e.UserID, &e.ConversationID, &e.Content, &dims, &blob, &e.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		vec, err := decodeVector(blob, dims)
		if err != nil {
			return nil, fmt.Errorf("decode embedding %s/%s: %w", e.Kind, e.RefID, err)
		}
		if len(vec) != len(query) {
			continue
		}
		sim := CosineSimilarity(query, vec)
		if sim < threshold {
			continue
		}
		e.Similarity = sim
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity == out[j].Similarity {
			return out[i].CreatedAtUnixMs > out[j].CreatedAtUnixMs
		}
		return out[i].Similarity > out[j].Similarity
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte, dims int) ([]float32, error) {
	if dims <= 0 || len(b) != 4*dims {
		return nil, errors.New("vector size mismatch")
	}
	out := make([]float32, dims)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}
