package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"voxelcraft.ai/pilot/internal/actions"
)

const schemaVersion = "1"

// tsLayout has a fixed width so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Meta keys.
const (
	keyResumeToken    = "resume_token"
	keySelfPrompt     = "self_prompt"
	keySelfPromptOn   = "self_prompt_active"
	keyLastDeathPlace = "last_death_position"
)

// Store keeps the pilot's session state across restarts: mode switches,
// the self-prompt goal, the world resume token, remembered places and an
// index of finished actions.
type Store struct {
	db  *sql.DB
	log *zap.Logger

	ch   chan actions.Record
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type Goal struct {
	Prompt string
	Active bool
}

type ActionRow struct {
	ID        string
	Label     string
	StartedAt time.Time
	Elapsed   time.Duration
	Success   bool
	Timeout   bool
	Message   string
	Err       string
}

func OpenSQLite(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:  db,
		log: logger.Named("store"),
		ch:  make(chan actions.Record, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS modes (
			name TEXT PRIMARY KEY,
			is_on INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS places (
			name TEXT PRIMARY KEY,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS actions (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			started_at TEXT NOT NULL,
			elapsed_ms INTEGER NOT NULL,
			success INTEGER NOT NULL,
			interrupted INTEGER NOT NULL,
			timed_out INTEGER NOT NULL,
			message TEXT NOT NULL,
			err TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_actions_label_started ON actions(label, started_at);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','` + schemaVersion + `');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func now() string { return time.Now().UTC().Format(tsLayout) }

func (s *Store) getMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) setMeta(ctx context.Context, kv ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for i := 0; i+1 < len(kv); i += 2 {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, kv[i], kv[i+1]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ResumeToken(ctx context.Context) (string, error) {
	v, _, err := s.getMeta(ctx, keyResumeToken)
	return v, err
}

func (s *Store) SaveResumeToken(ctx context.Context, token string) error {
	return s.setMeta(ctx, keyResumeToken, token)
}

func (s *Store) SaveGoal(ctx context.Context, g Goal) error {
	return s.setMeta(ctx, keySelfPrompt, g.Prompt, keySelfPromptOn, strconv.FormatBool(g.Active))
}

func (s *Store) Goal(ctx context.Context) (Goal, error) {
	prompt, _, err := s.getMeta(ctx, keySelfPrompt)
	if err != nil {
		return Goal{}, err
	}
	on, _, err := s.getMeta(ctx, keySelfPromptOn)
	if err != nil {
		return Goal{}, err
	}
	active, _ := strconv.ParseBool(on)
	return Goal{Prompt: prompt, Active: active && prompt != ""}, nil
}

// SaveModes replaces the stored on/off switches.
func (s *Store) SaveModes(ctx context.Context, states map[string]bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO modes(name,is_on,updated_at) VALUES(?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	ts := now()
	for name, on := range states {
		if _, err := stmt.ExecContext(ctx, name, boolInt(on), ts); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Modes returns the stored switches; nil when nothing was saved yet.
func (s *Store) Modes(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, is_on FROM modes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out map[string]bool
	for rows.Next() {
		var name string
		var on int
		if err := rows.Scan(&name, &on); err != nil {
			return nil, err
		}
		if out == nil {
			out = map[string]bool{}
		}
		out[name] = on != 0
	}
	return out, rows.Err()
}

func (s *Store) RememberPlace(ctx context.Context, name string, pos [3]int) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO places(name,x,y,z,updated_at) VALUES(?,?,?,?,?)`,
		name, pos[0], pos[1], pos[2], now())
	return err
}

func (s *Store) Place(ctx context.Context, name string) ([3]int, bool, error) {
	var p [3]int
	err := s.db.QueryRowContext(ctx, `SELECT x,y,z FROM places WHERE name=?`, name).Scan(&p[0], &p[1], &p[2])
	if errors.Is(err, sql.ErrNoRows) {
		return p, false, nil
	}
	if err != nil {
		return p, false, err
	}
	return p, true, nil
}

func (s *Store) PlaceNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM places ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// RememberDeath stores where the agent last died as a place.
func (s *Store) RememberDeath(ctx context.Context, pos [3]int) error {
	return s.RememberPlace(ctx, keyLastDeathPlace, pos)
}

// RecordAction queues r for the action index. Records are dropped when
// the writer falls behind.
func (s *Store) RecordAction(r actions.Record) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		s.log.Warn("action index full, dropping record", zap.String("label", r.Label))
	}
}

// RecentActions returns up to limit indexed actions, newest first.
func (s *Store) RecentActions(ctx context.Context, limit int) ([]ActionRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id,label,started_at,elapsed_ms,success,timed_out,message,COALESCE(err,'')
		FROM actions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ActionRow
	for rows.Next() {
		var (
			r         ActionRow
			started   string
			elapsedMS int64
			ok, to    int
		)
		if err := rows.Scan(&r.ID, &r.Label, &started, &elapsedMS, &ok, &to, &r.Message, &r.Err); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(tsLayout, started)
		r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		r.Success, r.Timeout = ok != 0, to != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) loop() {
	ctx := context.Background()
	insert, err := s.db.Prepare(`INSERT OR REPLACE INTO actions(id,label,started_at,elapsed_ms,success,interrupted,timed_out,message,err) VALUES(?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		s.log.Error("prepare action insert", zap.Error(err))
		for range s.ch {
		}
		return
	}
	defer insert.Close()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 64
		commitMaxWait = time.Second
	)
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.log.Warn("commit action index", zap.Error(err))
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		if tx == nil {
			txx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				s.log.Warn("begin action index tx", zap.Error(err))
				continue
			}
			tx = txx
			lastCommit = time.Now()
		}
		var errText interface{}
		if r.Err != "" {
			errText = r.Err
		}
		if _, err := tx.Stmt(insert).Exec(
			r.ID,
			r.Label,
			r.StartedAt.UTC().Format(tsLayout),
			r.Elapsed.Milliseconds(),
			boolInt(r.Result.Success),
			boolInt(r.Result.Interrupted),
			boolInt(r.Result.TimedOut),
			r.Result.Message,
			errText,
		); err != nil {
			_ = tx.Rollback()
			tx = nil
			continue
		}
		opCount++
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0 {
			commit()
		}
	}
	commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
