package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Store is a local SQLite-backed persistence layer for coaching data,
// conversations and similarity-search embeddings.
//
// Notes:
// - Every record is scoped by user_id.
// - WAL is enabled to support concurrent reads while writing (request handler + background indexer).
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("missing db path")
	}
	p = filepath.Clean(p)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 2

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if v < 1 {
		if err := migrateV1(tx); err != nil {
			return err
		}
	}
	if v < 2 {
		if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS confirmed_actions (
  action_id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  tool_name TEXT NOT NULL,
  status TEXT NOT NULL,
  record_ids TEXT NOT NULL DEFAULT '[]',
  updated_at_unix_ms INTEGER NOT NULL
);
`); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// migrateV1 creates the base schema and seeds the food reference table.
func migrateV1(tx *sql.Tx) error {
	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS users (
  user_id TEXT PRIMARY KEY,
  display_name TEXT NOT NULL DEFAULT '',
  auto_save INTEGER NOT NULL DEFAULT 0,
  goal TEXT NOT NULL DEFAULT '',
  daily_calorie_target REAL NOT NULL DEFAULT 0,
  daily_protein_target_g REAL NOT NULL DEFAULT 0,
  weight_unit TEXT NOT NULL DEFAULT 'kg',
  locale TEXT NOT NULL DEFAULT 'en',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS programs (
  program_id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  title TEXT NOT NULL,
  details TEXT NOT NULL DEFAULT '',
  active INTEGER NOT NULL DEFAULT 1,
  started_at_unix_ms INTEGER NOT NULL,
  ended_at_unix_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_programs_user_active ON programs(user_id, active);

CREATE TABLE IF NOT EXISTS meals (
  meal_id TEXT PRIMARY KEY,
  log_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  meal_type TEXT NOT NULL DEFAULT '',
  name TEXT NOT NULL,
  quantity REAL NOT NULL DEFAULT 0,
  unit TEXT NOT NULL DEFAULT '',
  calories REAL NOT NULL DEFAULT 0,
  protein_g REAL NOT NULL DEFAULT 0,
  carbs_g REAL NOT NULL DEFAULT 0,
  fat_g REAL NOT NULL DEFAULT 0,
  notes TEXT NOT NULL DEFAULT '',
  eaten_at_unix_ms INTEGER NOT NULL,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_meals_user_eaten ON meals(user_id, eaten_at_unix_ms DESC);

CREATE TABLE IF NOT EXISTS activities (
  activity_id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  duration_min REAL NOT NULL DEFAULT 0,
  distance_km REAL NOT NULL DEFAULT 0,
  calories REAL NOT NULL DEFAULT 0,
  intensity TEXT NOT NULL DEFAULT '',
  notes TEXT NOT NULL DEFAULT '',
  performed_at_unix_ms INTEGER NOT NULL,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activities_user_performed ON activities(user_id, performed_at_unix_ms DESC);

CREATE TABLE IF NOT EXISTS measurements (
  measurement_id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  value REAL NOT NULL,
  unit TEXT NOT NULL DEFAULT '',
  notes TEXT NOT NULL DEFAULT '',
  measured_at_unix_ms INTEGER NOT NULL,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_measurements_user_measured ON measurements(user_id, kind, measured_at_unix_ms DESC);

CREATE TABLE IF NOT EXISTS foods (
  food_id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  serving_qty REAL NOT NULL,
  serving_unit TEXT NOT NULL,
  calories REAL NOT NULL,
  protein_g REAL NOT NULL DEFAULT 0,
  carbs_g REAL NOT NULL DEFAULT 0,
  fat_g REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_foods_name ON foods(name);

CREATE TABLE IF NOT EXISTS conversations (
  conversation_id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations(user_id, updated_at_unix_ms DESC);

CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  message_id TEXT NOT NULL UNIQUE,
  conversation_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  token_estimate INTEGER NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at_unix_ms ASC, id ASC);

CREATE TABLE IF NOT EXISTS conversation_summaries (
  conversation_id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  summary TEXT NOT NULL,
  covered_until_unix_ms INTEGER NOT NULL DEFAULT 0,
  updated_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS embeddings (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  kind TEXT NOT NULL,
  ref_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  conversation_id TEXT NOT NULL DEFAULT '',
  content TEXT NOT NULL,
  dims INTEGER NOT NULL,
  vector BLOB NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  UNIQUE(kind, ref_id)
);
CREATE INDEX IF NOT EXISTS idx_embeddings_user_kind ON embeddings(user_id, kind, created_at_unix_ms DESC);
`); err != nil {
		return err
	}

	if err := seedFoods(tx); err != nil {
		return fmt.Errorf("seed foods: %w", err)
	}
	return nil
}

// seedFoods loads a small static reference table (values per serving).
func seedFoods(tx *sql.Tx) error {
	foods := []Food{
		{ID: "food_apple", Name: "apple", ServingQty: 1, ServingUnit: "medium", Calories: 95, ProteinG: 0.5, CarbsG: 25, FatG: 0.3},
		{ID: "food_banana", Name: "banana", ServingQty: 1, ServingUnit: "medium", Calories: 105, ProteinG: 1.3, CarbsG: 27, FatG: 0.4},
		{ID: "food_egg", Name: "egg", ServingQty: 1, ServingUnit: "large", Calories: 72, ProteinG: 6.3, CarbsG: 0.4, FatG: 4.8},
		{ID: "food_oats", Name: "oats", ServingQty: 40, ServingUnit: "g", Calories: 150, ProteinG: 5, CarbsG: 27, FatG: 2.5},
		{ID: "food_rice_white", Name: "white rice (cooked)", ServingQty: 100, ServingUnit: "g", Calories: 130, ProteinG: 2.7, CarbsG: 28, FatG: 0.3},
		{ID: "food_chicken_breast", Name: "chicken breast (cooked)", ServingQty: 100, ServingUnit: "g", Calories: 165, ProteinG: 31, CarbsG: 0, FatG: 3.6},
		{ID: "food_salmon", Name: "salmon (cooked)", ServingQty: 100, ServingUnit: "g", Calories: 206, ProteinG: 22, CarbsG: 0, FatG: 12},
		{ID: "food_greek_yogurt", Name: "greek yogurt (plain)", ServingQty: 170, ServingUnit: "g", Calories: 100, ProteinG: 17, CarbsG: 6, FatG: 0.7},
		{ID: "food_almonds", Name: "almonds", ServingQty: 28, ServingUnit: "g", Calories: 164, ProteinG: 6, CarbsG: 6, FatG: 14},
		{ID: "food_broccoli", Name: "broccoli", ServingQty: 100, ServingUnit: "g", Calories: 34, ProteinG: 2.8, CarbsG: 7, FatG: 0.4},
		{ID: "food_whole_milk", Name: "whole milk", ServingQty: 240, ServingUnit: "ml", Calories: 149, ProteinG: 7.7, CarbsG: 12, FatG: 8},
		{ID: "food_bread_whole_wheat", Name: "whole wheat bread", ServingQty: 1, ServingUnit: "slice", Calories: 81, ProteinG: 4, CarbsG: 14, FatG: 1.1},
	}
	for _, f := range foods {
		if _, err := tx.Exec(`
INSERT OR IGNORE INTO foods(food_id, name, serving_qty, serving_unit, calories, protein_g, carbs_g, fat_g)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
`, f.ID, f.Name, f.ServingQty, f.ServingUnit, f.Calories, f.ProteinG, f.CarbsG, f.FatG); err != nil {
			return err
		}
	}
	return nil
}
