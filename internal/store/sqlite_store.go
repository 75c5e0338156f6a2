package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
)

// SQLiteStore is the SQLite-backed data store.
// Thread-safe; a Tx obtained from Begin shares the store's lock.
type SQLiteStore struct {
	mu *sync.RWMutex
	db *sql.DB
	q  querier
	tx *sql.Tx
}

// querier is the subset of *sql.DB and *sql.Tx used by the store.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const schema = `
CREATE TABLE IF NOT EXISTS notes (
    id TEXT PRIMARY KEY,
    world_id TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    markdown_content TEXT,
    folder_id TEXT,
    entity_kind TEXT,
    entity_subtype TEXT,
    is_entity INTEGER DEFAULT 0,
    is_pinned INTEGER DEFAULT 0,
    favorite INTEGER DEFAULT 0,
    owner_id TEXT,
    narrative_id TEXT,
    "order" REAL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notes_folder ON notes(folder_id);

CREATE TABLE IF NOT EXISTS folders (
    id TEXT PRIMARY KEY,
    world_id TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL,
    parent_id TEXT,
    entity_kind TEXT,
    entity_subtype TEXT,
    color TEXT,
    narrative_id TEXT,
    "order" REAL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_folders_parent ON folders(parent_id);

CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    label TEXT NOT NULL,
    kind TEXT NOT NULL,
    subtype TEXT,
    aliases TEXT,
    first_note TEXT,
    total_mentions INTEGER DEFAULT 0,
    narrative_id TEXT,
    created_by TEXT DEFAULT 'user',
    confidence REAL DEFAULT 1.0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_label ON entities(label);
CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities(kind);

-- No foreign keys: cascades are applied by the sync engine.
CREATE TABLE IF NOT EXISTS edges (
    id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL,
    target_id TEXT NOT NULL,
    rel_type TEXT NOT NULL,
    weight REAL DEFAULT 1.0,
    confidence REAL DEFAULT 1.0,
    bidirectional INTEGER DEFAULT 0,
    source_note TEXT,
    episode_ids TEXT,
    note_ids TEXT,
    valid_at INTEGER DEFAULT 0,
    invalid_at INTEGER,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_id);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id);

-- Vectors are stored as JSON text, which sqlite-vec accepts directly.
CREATE TABLE IF NOT EXISTS embeddings (
    id TEXT NOT NULL,
    tier TEXT NOT NULL,
    vector TEXT NOT NULL,
    PRIMARY KEY (id, tier)
);
`

// NewSQLiteStore creates a new in-memory SQLite store.
func NewSQLiteStore() (*SQLiteStore, error) {
	return NewSQLiteStoreWithDSN(":memory:")
}

// NewSQLiteStoreWithDSN creates a store with a specific data source name.
// Use ":memory:" for in-memory or a file path for persistent storage.
func NewSQLiteStoreWithDSN(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: every ":memory:" connection is its own database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{mu: &sync.RWMutex{}, db: db, q: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.tx != nil {
		return s.Rollback()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Begin starts a database transaction.
func (s *SQLiteStore) Begin() (Tx, error) {
	if s.tx != nil {
		return nil, errors.New("transaction already open")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{mu: s.mu, db: s.db, q: tx, tx: tx}, nil
}

// Commit commits the transaction opened by Begin.
func (s *SQLiteStore) Commit() error {
	if s.tx == nil {
		return errors.New("no transaction open")
	}
	return s.tx.Commit()
}

// Rollback aborts the transaction opened by Begin.
func (s *SQLiteStore) Rollback() error {
	if s.tx == nil {
		return errors.New("no transaction open")
	}
	err := s.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// =============================================================================
// Note CRUD
// =============================================================================

const noteColumns = `id, world_id, title, content, COALESCE(markdown_content, ''), COALESCE(folder_id, ''),
	COALESCE(entity_kind, ''), COALESCE(entity_subtype, ''), is_entity, is_pinned, favorite,
	COALESCE(owner_id, ''), COALESCE(narrative_id, ''), COALESCE("order", 0), created_at, updated_at`

// UpsertNote creates or replaces a note.
func (s *SQLiteStore) UpsertNote(note *Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.q.Exec(`
		INSERT INTO notes (id, world_id, title, content, markdown_content, folder_id,
			entity_kind, entity_subtype, is_entity, is_pinned, favorite, owner_id,
			narrative_id, "order", created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			world_id = excluded.world_id,
			title = excluded.title,
			content = excluded.content,
			markdown_content = excluded.markdown_content,
			folder_id = excluded.folder_id,
			entity_kind = excluded.entity_kind,
			entity_subtype = excluded.entity_subtype,
			is_entity = excluded.is_entity,
			is_pinned = excluded.is_pinned,
			favorite = excluded.favorite,
			owner_id = excluded.owner_id,
			narrative_id = excluded.narrative_id,
			"order" = excluded."order",
			updated_at = excluded.updated_at
	`, note.ID, note.WorldID, note.Title, note.Content, note.MarkdownContent,
		note.FolderID, note.EntityKind, note.EntitySubtype,
		boolToInt(note.IsEntity), boolToInt(note.IsPinned), boolToInt(note.Favorite),
		note.OwnerID, note.NarrativeID, note.Order, note.CreatedAt, note.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert note: %w", err)
	}
	return nil
}

// GetNote retrieves a note by ID.
func (s *SQLiteStore) GetNote(id string) (*Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	note, err := scanNote(s.q.QueryRow(`SELECT `+noteColumns+` FROM notes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return note, err
}

// DeleteNote removes a note by ID.
func (s *SQLiteStore) DeleteNote(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.q.Exec("DELETE FROM notes WHERE id = ?", id)
	return err
}

// ListNotes returns notes, optionally filtered by folder.
func (s *SQLiteStore) ListNotes(folderID string) ([]*Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if folderID != "" {
		rows, err = s.q.Query(`SELECT `+noteColumns+` FROM notes WHERE folder_id = ? ORDER BY "order", id`, folderID)
	} else {
		rows, err = s.q.Query(`SELECT ` + noteColumns + ` FROM notes ORDER BY "order", id`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []*Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

// CountNotes returns the number of notes.
func (s *SQLiteStore) CountNotes() (int, error) {
	return s.count("notes")
}

func scanNote(r rowScanner) (*Note, error) {
	var note Note
	var isEntity, isPinned, favorite int
	err := r.Scan(
		&note.ID, &note.WorldID, &note.Title, &note.Content, &note.MarkdownContent,
		&note.FolderID, &note.EntityKind, &note.EntitySubtype,
		&isEntity, &isPinned, &favorite,
		&note.OwnerID, &note.NarrativeID, &note.Order, &note.CreatedAt, &note.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	note.IsEntity = isEntity == 1
	note.IsPinned = isPinned == 1
	note.Favorite = favorite == 1
	return &note, nil
}

// =============================================================================
// Folder CRUD
// =============================================================================

const folderColumns = `id, world_id, name, COALESCE(parent_id, ''), COALESCE(entity_kind, ''),
	COALESCE(entity_subtype, ''), COALESCE(color, ''), COALESCE(narrative_id, ''),
	COALESCE("order", 0), created_at, updated_at`

// UpsertFolder creates or replaces a folder.
func (s *SQLiteStore) UpsertFolder(folder *Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.q.Exec(`
		INSERT INTO folders (id, world_id, name, parent_id, entity_kind, entity_subtype,
			color, narrative_id, "order", created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			world_id = excluded.world_id,
			name = excluded.name,
			parent_id = excluded.parent_id,
			entity_kind = excluded.entity_kind,
			entity_subtype = excluded.entity_subtype,
			color = excluded.color,
			narrative_id = excluded.narrative_id,
			"order" = excluded."order",
			updated_at = excluded.updated_at
	`, folder.ID, folder.WorldID, folder.Name, folder.ParentID, folder.EntityKind,
		folder.EntitySubtype, folder.Color, folder.NarrativeID, folder.Order,
		folder.CreatedAt, folder.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert folder: %w", err)
	}
	return nil
}

// GetFolder retrieves a folder by ID.
func (s *SQLiteStore) GetFolder(id string) (*Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	folder, err := scanFolder(s.q.QueryRow(`SELECT `+folderColumns+` FROM folders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return folder, err
}

// DeleteFolder removes a folder by ID. Child notes and folders are untouched.
func (s *SQLiteStore) DeleteFolder(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.q.Exec("DELETE FROM folders WHERE id = ?", id)
	return err
}

// ListFolders returns all folders ordered by position.
func (s *SQLiteStore) ListFolders() ([]*Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.q.Query(`SELECT ` + folderColumns + ` FROM folders ORDER BY "order", id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var folders []*Folder
	for rows.Next() {
		folder, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, folder)
	}
	return folders, rows.Err()
}

// CountFolders returns the number of folders.
func (s *SQLiteStore) CountFolders() (int, error) {
	return s.count("folders")
}

func scanFolder(r rowScanner) (*Folder, error) {
	var f Folder
	err := r.Scan(&f.ID, &f.WorldID, &f.Name, &f.ParentID, &f.EntityKind, &f.EntitySubtype,
		&f.Color, &f.NarrativeID, &f.Order, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// =============================================================================
// Entity CRUD
// =============================================================================

const entityColumns = `id, label, kind, COALESCE(subtype, ''), COALESCE(aliases, ''),
	COALESCE(first_note, ''), total_mentions, COALESCE(narrative_id, ''),
	COALESCE(created_by, ''), confidence, created_at, updated_at`

// UpsertEntity creates or updates an entity.
func (s *SQLiteStore) UpsertEntity(entity *Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	aliasesJSON, err := json.Marshal(entity.Aliases)
	if err != nil {
		return fmt.Errorf("failed to marshal aliases: %w", err)
	}

	_, err = s.q.Exec(`
		INSERT INTO entities (id, label, kind, subtype, aliases, first_note,
			total_mentions, narrative_id, created_by, confidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			kind = excluded.kind,
			subtype = excluded.subtype,
			aliases = excluded.aliases,
			first_note = excluded.first_note,
			total_mentions = excluded.total_mentions,
			narrative_id = excluded.narrative_id,
			created_by = excluded.created_by,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at
	`, entity.ID, entity.Label, entity.Kind, entity.Subtype, string(aliasesJSON),
		entity.FirstNote, entity.TotalMentions, entity.NarrativeID,
		entity.CreatedBy, nullFloat(entity.Confidence), entity.CreatedAt, entity.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	return nil
}

// GetEntity retrieves an entity by ID.
func (s *SQLiteStore) GetEntity(id string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entity, err := scanEntity(s.q.QueryRow(`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return entity, err
}

// GetEntityByLabel finds an entity by its label (case-insensitive).
func (s *SQLiteStore) GetEntityByLabel(label string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entity, err := scanEntity(s.q.QueryRow(
		`SELECT `+entityColumns+` FROM entities WHERE LOWER(label) = LOWER(?) ORDER BY id LIMIT 1`, label))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return entity, err
}

// DeleteEntity removes an entity by ID.
func (s *SQLiteStore) DeleteEntity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.q.Exec("DELETE FROM entities WHERE id = ?", id)
	return err
}

// ListEntities returns all entities, optionally filtered by kind.
func (s *SQLiteStore) ListEntities(kind string) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if kind != "" {
		rows, err = s.q.Query(`SELECT `+entityColumns+` FROM entities WHERE kind = ? ORDER BY label, id`, kind)
	} else {
		rows, err = s.q.Query(`SELECT ` + entityColumns + ` FROM entities ORDER BY label, id`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, rows.Err()
}

// CountEntities returns the number of entities.
func (s *SQLiteStore) CountEntities() (int, error) {
	return s.count("entities")
}

func scanEntity(r rowScanner) (*Entity, error) {
	var entity Entity
	var aliasesJSON string
	var confidence sql.NullFloat64
	err := r.Scan(
		&entity.ID, &entity.Label, &entity.Kind, &entity.Subtype, &aliasesJSON,
		&entity.FirstNote, &entity.TotalMentions, &entity.NarrativeID,
		&entity.CreatedBy, &confidence, &entity.CreatedAt, &entity.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if confidence.Valid {
		entity.Confidence = Confidence(confidence.Float64)
	}
	entity.Aliases = decodeStrings(aliasesJSON)
	return &entity, nil
}

// =============================================================================
// Edge CRUD
// =============================================================================

const edgeColumns = `id, source_id, target_id, rel_type, COALESCE(weight, 1.0), confidence,
	bidirectional, COALESCE(source_note, ''), COALESCE(episode_ids, ''), COALESCE(note_ids, ''),
	COALESCE(valid_at, 0), invalid_at, created_at`

// UpsertEdge creates or updates an edge.
func (s *SQLiteStore) UpsertEdge(edge *Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	episodes, err := json.Marshal(edge.EpisodeIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal episode ids: %w", err)
	}
	noteIDs, err := json.Marshal(edge.NoteIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal note ids: %w", err)
	}

	var invalidAt sql.NullInt64
	if edge.InvalidAt != nil {
		invalidAt = sql.NullInt64{Int64: *edge.InvalidAt, Valid: true}
	}

	_, err = s.q.Exec(`
		INSERT INTO edges (id, source_id, target_id, rel_type, weight, confidence,
			bidirectional, source_note, episode_ids, note_ids, valid_at, invalid_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_id = excluded.source_id,
			target_id = excluded.target_id,
			rel_type = excluded.rel_type,
			weight = excluded.weight,
			confidence = excluded.confidence,
			bidirectional = excluded.bidirectional,
			source_note = excluded.source_note,
			episode_ids = excluded.episode_ids,
			note_ids = excluded.note_ids,
			valid_at = excluded.valid_at,
			invalid_at = excluded.invalid_at
	`, edge.ID, edge.SourceID, edge.TargetID, edge.RelType, edge.Weight, nullFloat(edge.Confidence),
		boolToInt(edge.Bidirectional), edge.SourceNote, string(episodes), string(noteIDs),
		edge.ValidAt, invalidAt, edge.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert edge: %w", err)
	}
	return nil
}

// GetEdge retrieves an edge by ID.
func (s *SQLiteStore) GetEdge(id string) (*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	edge, err := scanEdge(s.q.QueryRow(`SELECT `+edgeColumns+` FROM edges WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return edge, err
}

// DeleteEdge removes an edge by ID.
func (s *SQLiteStore) DeleteEdge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.q.Exec("DELETE FROM edges WHERE id = ?", id)
	return err
}

// ListEdges returns every edge ordered by ID.
func (s *SQLiteStore) ListEdges() ([]*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEdges(`SELECT ` + edgeColumns + ` FROM edges ORDER BY id`)
}

// ListEdgesForEntity returns all edges connected to an entity.
func (s *SQLiteStore) ListEdgesForEntity(entityID string) ([]*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEdges(`SELECT `+edgeColumns+` FROM edges
		WHERE source_id = ? OR target_id = ? ORDER BY id`, entityID, entityID)
}

// CountEdges returns the number of edges.
func (s *SQLiteStore) CountEdges() (int, error) {
	return s.count("edges")
}

func (s *SQLiteStore) queryEdges(query string, args ...any) ([]*Edge, error) {
	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []*Edge
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

func scanEdge(r rowScanner) (*Edge, error) {
	var edge Edge
	var bidirectional int
	var episodes, noteIDs string
	var invalidAt sql.NullInt64
	var confidence sql.NullFloat64
	err := r.Scan(
		&edge.ID, &edge.SourceID, &edge.TargetID, &edge.RelType, &edge.Weight, &confidence,
		&bidirectional, &edge.SourceNote, &episodes, &noteIDs,
		&edge.ValidAt, &invalidAt, &edge.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	edge.Bidirectional = bidirectional == 1
	if confidence.Valid {
		edge.Confidence = Confidence(confidence.Float64)
	}
	edge.EpisodeIDs = decodeStrings(episodes)
	edge.NoteIDs = decodeStrings(noteIDs)
	if invalidAt.Valid {
		v := invalidAt.Int64
		edge.InvalidAt = &v
	}
	return &edge, nil
}

// =============================================================================
// Embeddings (sqlite-vec)
// =============================================================================

// EmbeddingHit is one nearest-neighbour result.
type EmbeddingHit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// UpsertEmbedding stores the vector for id under a model tier.
func (s *SQLiteStore) UpsertEmbedding(id, tier string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("failed to marshal vector: %w", err)
	}
	_, err = s.q.Exec(`
		INSERT INTO embeddings (id, tier, vector) VALUES (?, ?, ?)
		ON CONFLICT(id, tier) DO UPDATE SET vector = excluded.vector
	`, id, tier, string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert embedding: %w", err)
	}
	return nil
}

// DeleteEmbedding removes every tier's vector for id.
func (s *SQLiteStore) DeleteEmbedding(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.q.Exec("DELETE FROM embeddings WHERE id = ?", id)
	return err
}

// SearchEmbeddings returns the limit nearest vectors in tier by cosine
// similarity (1 - cosine distance), closest first.
func (s *SQLiteStore) SearchEmbeddings(query []float32, tier string, limit int) ([]EmbeddingHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query vector: %w", err)
	}

	rows, err := s.q.Query(`
		SELECT id, vec_distance_cosine(vector, ?) AS distance
		FROM embeddings WHERE tier = ?
		ORDER BY distance, id LIMIT ?
	`, string(data), tier, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search embeddings: %w", err)
	}
	defer rows.Close()

	var hits []EmbeddingHit
	for rows.Next() {
		var hit EmbeddingHit
		var distance float64
		if err := rows.Scan(&hit.ID, &distance); err != nil {
			return nil, err
		}
		hit.Score = 1 - distance
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// =============================================================================
// Helpers
// =============================================================================

func (s *SQLiteStore) count(table string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.q.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count)
	return count, err
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func decodeStrings(raw string) []string {
	out := []string{}
	if raw == "" || raw == "null" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return []string{}
	}
	return out
}

// Compile-time interface check
var (
	_ Storer        = (*SQLiteStore)(nil)
	_ Transactional = (*SQLiteStore)(nil)
	_ Tx            = (*SQLiteStore)(nil)
)
