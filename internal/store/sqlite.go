package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite" // Register sqlite driver

	"github.com/luan/facmandu/internal/models"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrEssentialLocked is returned when a caller tries to disable an
	// essential mod. Essential mods can never be disabled.
	ErrEssentialLocked = errors.New("store: essential mods cannot be disabled")
	// ErrDuplicateName is returned when a mod name already exists in the
	// target list.
	ErrDuplicateName = errors.New("store: mod name already in list")
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if err := initSchema(db); err != nil {
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			factorio_username TEXT DEFAULT '',
			factorio_token TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS modlists (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(owner) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS mods (
			id TEXT PRIMARY KEY,
			modlist_id TEXT NOT NULL,
			name TEXT NOT NULL,
			version TEXT DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			essential INTEGER NOT NULL DEFAULT 0,
			icebox INTEGER NOT NULL DEFAULT 0,
			dependencies TEXT DEFAULT '',
			FOREIGN KEY(modlist_id) REFERENCES modlists(id) ON DELETE CASCADE,
			UNIQUE(modlist_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS collaborators (
			modlist_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY(modlist_id, user_id),
			FOREIGN KEY(modlist_id) REFERENCES modlists(id) ON DELETE CASCADE,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
	}

	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users ---

func (s *Store) CreateUser(ctx context.Context, username, password string) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	u := &models.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, factorio_username, factorio_token, created_at
		 FROM users WHERE username = ?`, username)

	u := &models.User{}
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash,
		&u.FactorioUsername, &u.FactorioToken, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

// CheckPassword verifies a user's password against the stored hash.
func (s *Store) CheckPassword(u *models.User, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// --- modlists ---

func (s *Store) CreateModList(ctx context.Context, owner, name string) (*models.ModList, error) {
	ml := &models.ModList{
		ID:        uuid.NewString(),
		Owner:     owner,
		Name:      name,
		CreatedAt: time.Now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO modlists (id, owner, name, created_at) VALUES (?, ?, ?, ?)`,
		ml.ID, ml.Owner, ml.Name, ml.CreatedAt)
	if err != nil {
		return nil, err
	}
	return ml, nil
}

func (s *Store) GetModList(ctx context.Context, id string) (*models.ModList, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, name, created_at FROM modlists WHERE id = ?`, id)

	ml := &models.ModList{}
	if err := row.Scan(&ml.ID, &ml.Owner, &ml.Name, &ml.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return ml, nil
}

func (s *Store) RenameModList(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE modlists SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) ListModLists(ctx context.Context, userID string) ([]models.ModList, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT l.id, l.owner, l.name, l.created_at FROM modlists l
		 LEFT JOIN collaborators c ON c.modlist_id = l.id
		 WHERE l.owner = ? OR c.user_id = ?
		 ORDER BY l.created_at`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lists []models.ModList
	for rows.Next() {
		var ml models.ModList
		if err := rows.Scan(&ml.ID, &ml.Owner, &ml.Name, &ml.CreatedAt); err != nil {
			return nil, err
		}
		lists = append(lists, ml)
	}
	return lists, rows.Err()
}

// UserHasAccess reports whether a user owns or collaborates on a list.
func (s *Store) UserHasAccess(ctx context.Context, userID, modlistID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM modlists l
		 LEFT JOIN collaborators c ON c.modlist_id = l.id AND c.user_id = ?
		 WHERE l.id = ? AND (l.owner = ? OR c.user_id IS NOT NULL)`,
		userID, modlistID, userID)

	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) AddCollaborator(ctx context.Context, modlistID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO collaborators (modlist_id, user_id) VALUES (?, ?)`,
		modlistID, userID)
	return err
}

// --- mods ---

func (s *Store) ListMods(ctx context.Context, modlistID string) ([]models.Mod, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, modlist_id, name, version, enabled, essential, icebox, dependencies
		 FROM mods WHERE modlist_id = ? ORDER BY name`, modlistID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mods []models.Mod
	for rows.Next() {
		var m models.Mod
		if err := rows.Scan(&m.ID, &m.ModlistID, &m.Name, &m.Version,
			&m.Enabled, &m.Essential, &m.Icebox, &m.Dependencies); err != nil {
			return nil, err
		}
		mods = append(mods, m)
	}
	return mods, rows.Err()
}

func (s *Store) GetMod(ctx context.Context, modlistID, modID string) (*models.Mod, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, modlist_id, name, version, enabled, essential, icebox, dependencies
		 FROM mods WHERE modlist_id = ? AND id = ?`, modlistID, modID)

	m := &models.Mod{}
	if err := row.Scan(&m.ID, &m.ModlistID, &m.Name, &m.Version,
		&m.Enabled, &m.Essential, &m.Icebox, &m.Dependencies); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

func (s *Store) AddMod(ctx context.Context, m *models.Mod) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mods (id, modlist_id, name, version, enabled, essential, icebox, dependencies)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ModlistID, m.Name, m.Version, m.Enabled, m.Essential, m.Icebox, m.Dependencies)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateName
	}
	return err
}

func (s *Store) RemoveMod(ctx context.Context, modlistID, modID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mods WHERE modlist_id = ? AND id = ?`, modlistID, modID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetModEnabled toggles a mod. Disabling an essential mod is rejected
// outright.
func (s *Store) SetModEnabled(ctx context.Context, modlistID, modID string, enabled bool) error {
	if enabled {
		res, err := s.db.ExecContext(ctx,
			`UPDATE mods SET enabled = 1 WHERE modlist_id = ? AND id = ?`, modlistID, modID)
		if err != nil {
			return err
		}
		return requireRow(res)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE mods SET enabled = 0 WHERE modlist_id = ? AND id = ? AND essential = 0`,
		modlistID, modID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetMod(ctx, modlistID, modID); err != nil {
			return err
		}
		return ErrEssentialLocked
	}
	return nil
}

// SetModEssential marks or unmarks a mod essential. Marking essential
// forces the mod enabled in the same update; unmarking leaves the enabled
// flag untouched.
func (s *Store) SetModEssential(ctx context.Context, modlistID, modID string, essential bool) error {
	var res sql.Result
	var err error
	if essential {
		res, err = s.db.ExecContext(ctx,
			`UPDATE mods SET essential = 1, enabled = 1 WHERE modlist_id = ? AND id = ?`,
			modlistID, modID)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE mods SET essential = 0 WHERE modlist_id = ? AND id = ?`,
			modlistID, modID)
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetModIcebox parks or activates a mod. Parked mods are excluded from
// dependency validation.
func (s *Store) SetModIcebox(ctx context.Context, modlistID, modID string, icebox bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mods SET icebox = ? WHERE modlist_id = ? AND id = ?`,
		icebox, modlistID, modID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
