package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"tgpromote/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// Store is the SQLite-backed persistence for accounts, content and targets.
// Rows with admin_id 0 are visible to every admin.
type Store struct {
	DB *sqlx.DB
}

// Open opens/initializes SQLite database with WAL and foreign keys, then migrates schema.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// One writer at a time; campaign loops and the API share this handle.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		// continue; non-fatal
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes underlying DB.
func (s *Store) Close() error { return s.DB.Close() }

func migrate(db *sqlx.DB) error {
	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS admins (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL UNIQUE,
			username TEXT NOT NULL DEFAULT '',
			full_name TEXT NOT NULL DEFAULT '',
			is_super_admin INTEGER NOT NULL DEFAULT 0,
			added_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_string TEXT NOT NULL UNIQUE,
			phone TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			admin_id INTEGER NOT NULL DEFAULT 0,
			added_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_activity TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS ads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL DEFAULT 'text',
			text TEXT NOT NULL DEFAULT '',
			media_path TEXT NOT NULL DEFAULT '',
			file_type TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			admin_id INTEGER NOT NULL DEFAULT 0,
			added_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS groups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			link TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			join_date TIMESTAMP,
			last_checked TIMESTAMP,
			admin_id INTEGER NOT NULL DEFAULT 0,
			added_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(link, admin_id)
		);`,
		`CREATE TABLE IF NOT EXISTS private_replies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			reply_text TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			admin_id INTEGER NOT NULL DEFAULT 0,
			added_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS keyword_replies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trigger TEXT NOT NULL,
			reply_text TEXT NOT NULL DEFAULT '',
			media_path TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			admin_id INTEGER NOT NULL DEFAULT 0,
			added_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS random_replies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			reply_text TEXT NOT NULL DEFAULT '',
			media_path TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			admin_id INTEGER NOT NULL DEFAULT 0,
			added_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			admin_id INTEGER NOT NULL,
			action TEXT NOT NULL,
			details TEXT NOT NULL DEFAULT '',
			ts TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_admin ON accounts(admin_id, is_active);`,
		`CREATE INDEX IF NOT EXISTS idx_groups_admin_status ON groups(admin_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_logs_ts ON logs(ts);`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// scope is the WHERE fragment shared by every admin-scoped query.
const scope = `(admin_id=? OR admin_id=0)`

/********** Admins **********/

// AddAdmin registers a bot admin. Returns ErrDuplicate if the user is already one.
func (s *Store) AddAdmin(ctx context.Context, a model.Admin) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `INSERT INTO admins (user_id,username,full_name,is_super_admin) VALUES (?,?,?,?)`,
		a.UserID, a.Username, a.FullName, btoi(a.IsSuper))
	if err != nil {
		return 0, dupOr(err)
	}
	return res.LastInsertId()
}

// EnsureAdmin adds the admin unless the user already is one.
func (s *Store) EnsureAdmin(ctx context.Context, a model.Admin) error {
	_, err := s.DB.ExecContext(ctx, `INSERT OR IGNORE INTO admins (user_id,username,full_name,is_super_admin) VALUES (?,?,?,?)`,
		a.UserID, a.Username, a.FullName, btoi(a.IsSuper))
	return err
}

func (s *Store) ListAdmins(ctx context.Context) ([]model.Admin, error) {
	var list []model.Admin
	err := s.DB.SelectContext(ctx, &list, `SELECT id,user_id,username,full_name,is_super_admin,added_at FROM admins ORDER BY id`)
	return list, err
}

// GetAdmin looks an admin up by Telegram user ID.
func (s *Store) GetAdmin(ctx context.Context, userID int64) (model.Admin, error) {
	var a model.Admin
	err := s.DB.GetContext(ctx, &a, `SELECT id,user_id,username,full_name,is_super_admin,added_at FROM admins WHERE user_id=?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

func (s *Store) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	var n int
	if err := s.DB.GetContext(ctx, &n, `SELECT COUNT(1) FROM admins WHERE user_id=?`, userID); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) DeleteAdmin(ctx context.Context, id int64) error {
	return s.execOne(ctx, `DELETE FROM admins WHERE id=? AND is_super_admin=0`, id)
}

/********** Accounts **********/

// CreateAccount inserts a new account session and returns its ID.
func (s *Store) CreateAccount(ctx context.Context, a model.Account) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `INSERT INTO accounts (session_string,phone,name,username,is_active,admin_id)
		VALUES (?,?,?,?,?,?)`,
		a.Session, a.Phone, a.Name, a.Username, btoi(a.Active), a.AdminID)
	if err != nil {
		return 0, dupOr(err)
	}
	return res.LastInsertId()
}

const accountCols = `id,admin_id,session_string,phone,name,username,is_active,added_at,last_activity`

// ListAccounts returns every account visible to the admin.
func (s *Store) ListAccounts(ctx context.Context, adminID int64) ([]model.Account, error) {
	var list []model.Account
	err := s.DB.SelectContext(ctx, &list, `SELECT `+accountCols+` FROM accounts WHERE `+scope+` ORDER BY id`, adminID)
	return list, err
}

// ActiveAccounts returns the accounts a campaign cycle should use.
func (s *Store) ActiveAccounts(ctx context.Context, adminID int64) ([]model.Account, error) {
	var list []model.Account
	err := s.DB.SelectContext(ctx, &list, `SELECT `+accountCols+` FROM accounts WHERE `+scope+` AND is_active=1 ORDER BY id`, adminID)
	return list, err
}

func (s *Store) GetAccount(ctx context.Context, id, adminID int64) (model.Account, error) {
	var a model.Account
	err := s.DB.GetContext(ctx, &a, `SELECT `+accountCols+` FROM accounts WHERE id=? AND `+scope, id, adminID)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

// ToggleAccount flips is_active and returns the new value.
func (s *Store) ToggleAccount(ctx context.Context, id, adminID int64) (bool, error) {
	a, err := s.GetAccount(ctx, id, adminID)
	if err != nil {
		return false, err
	}
	active := !a.Active
	if _, err := s.DB.ExecContext(ctx, `UPDATE accounts SET is_active=? WHERE id=?`, btoi(active), id); err != nil {
		return false, err
	}
	return active, nil
}

func (s *Store) DeleteAccount(ctx context.Context, id, adminID int64) error {
	return s.execOne(ctx, `DELETE FROM accounts WHERE id=? AND `+scope, id, adminID)
}

// TouchAccount records that the account was just used by a campaign.
func (s *Store) TouchAccount(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE accounts SET last_activity=CURRENT_TIMESTAMP WHERE id=?`, id)
	return err
}

/********** Ads **********/

func (s *Store) CreateAd(ctx context.Context, ad model.Ad) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `INSERT INTO ads (type,text,media_path,file_type,is_active,admin_id) VALUES (?,?,?,?,1,?)`,
		ad.Type, ad.Text, ad.MediaPath, ad.FileType, ad.AdminID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) ListAds(ctx context.Context, adminID int64) ([]model.Ad, error) {
	var list []model.Ad
	err := s.DB.SelectContext(ctx, &list, `SELECT id,admin_id,type,text,media_path,file_type,is_active,added_at FROM ads WHERE `+scope+` ORDER BY id`, adminID)
	return list, err
}

// Ads returns the active ads a publish cycle sends.
func (s *Store) Ads(ctx context.Context, adminID int64) ([]model.Ad, error) {
	var list []model.Ad
	err := s.DB.SelectContext(ctx, &list, `SELECT id,admin_id,type,text,media_path,file_type,is_active,added_at FROM ads WHERE `+scope+` AND is_active=1 ORDER BY id`, adminID)
	return list, err
}

func (s *Store) DeleteAd(ctx context.Context, id, adminID int64) error {
	return s.execOne(ctx, `DELETE FROM ads WHERE id=? AND `+scope, id, adminID)
}

/********** Groups **********/

// AddGroup stores a target link as pending. Returns ErrDuplicate if the admin already has it.
func (s *Store) AddGroup(ctx context.Context, adminID int64, link string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `INSERT INTO groups (link,status,admin_id) VALUES (?,?,?)`, link, model.GroupPending, adminID)
	if err != nil {
		return 0, dupOr(err)
	}
	return res.LastInsertId()
}

const groupCols = `id,admin_id,link,status,join_date,last_checked,added_at`

// Groups returns the admin's groups, filtered by status unless status is empty.
func (s *Store) Groups(ctx context.Context, adminID int64, status model.GroupStatus) ([]model.Group, error) {
	q := `SELECT ` + groupCols + ` FROM groups WHERE ` + scope
	args := []any{adminID}
	if status != "" {
		q += ` AND status=?`
		args = append(args, status)
	}
	q += ` ORDER BY id`
	var list []model.Group
	err := s.DB.SelectContext(ctx, &list, q, args...)
	return list, err
}

func (s *Store) GetGroup(ctx context.Context, id, adminID int64) (model.Group, error) {
	var g model.Group
	err := s.DB.GetContext(ctx, &g, `SELECT `+groupCols+` FROM groups WHERE id=? AND `+scope, id, adminID)
	if errors.Is(err, sql.ErrNoRows) {
		return g, ErrNotFound
	}
	return g, err
}

// SetGroupStatus is the join loop's write-back. join_date is only stamped on joins.
func (s *Store) SetGroupStatus(ctx context.Context, id int64, status model.GroupStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid group status %q", status)
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE groups SET status=?,
		join_date=CASE WHEN ?='joined' THEN CURRENT_TIMESTAMP ELSE join_date END,
		last_checked=CURRENT_TIMESTAMP WHERE id=?`, status, status, id)
	return err
}

func (s *Store) DeleteGroup(ctx context.Context, id, adminID int64) error {
	return s.execOne(ctx, `DELETE FROM groups WHERE id=? AND `+scope, id, adminID)
}

/********** Replies **********/

func (s *Store) CreatePrivateReply(ctx context.Context, adminID int64, text string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `INSERT INTO private_replies (reply_text,admin_id) VALUES (?,?)`, text, adminID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PrivateReplies returns active private replies, oldest first.
func (s *Store) PrivateReplies(ctx context.Context, adminID int64) ([]model.PrivateReply, error) {
	var list []model.PrivateReply
	err := s.DB.SelectContext(ctx, &list, `SELECT id,admin_id,reply_text,is_active,added_at FROM private_replies WHERE `+scope+` AND is_active=1 ORDER BY id`, adminID)
	return list, err
}

func (s *Store) CreateKeywordReply(ctx context.Context, r model.KeywordReply) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `INSERT INTO keyword_replies (trigger,reply_text,media_path,admin_id) VALUES (?,?,?,?)`,
		r.Trigger, r.Text, r.MediaPath, r.AdminID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) KeywordReplies(ctx context.Context, adminID int64) ([]model.KeywordReply, error) {
	var list []model.KeywordReply
	err := s.DB.SelectContext(ctx, &list, `SELECT id,admin_id,trigger,reply_text,media_path,is_active,added_at FROM keyword_replies WHERE `+scope+` AND is_active=1 ORDER BY id`, adminID)
	return list, err
}

func (s *Store) CreateRandomReply(ctx context.Context, r model.RandomReply) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `INSERT INTO random_replies (reply_text,media_path,admin_id) VALUES (?,?,?)`,
		r.Text, r.MediaPath, r.AdminID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) RandomReplies(ctx context.Context, adminID int64) ([]model.RandomReply, error) {
	var list []model.RandomReply
	err := s.DB.SelectContext(ctx, &list, `SELECT id,admin_id,reply_text,media_path,is_active,added_at FROM random_replies WHERE `+scope+` AND is_active=1 ORDER BY id`, adminID)
	return list, err
}

// DeleteReply removes a reply of the given table kind ("private", "keyword", "random").
func (s *Store) DeleteReply(ctx context.Context, kind string, id, adminID int64) error {
	table, ok := replyTables[kind]
	if !ok {
		return fmt.Errorf("unknown reply kind %q", kind)
	}
	return s.execOne(ctx, `DELETE FROM `+table+` WHERE id=? AND `+scope, id, adminID)
}

var replyTables = map[string]string{
	"private": "private_replies",
	"keyword": "keyword_replies",
	"random":  "random_replies",
}

/********** Logs & stats **********/

// LogAction appends an admin audit entry.
func (s *Store) LogAction(ctx context.Context, adminID int64, action, details string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO logs (admin_id,action,details) VALUES (?,?,?)`, adminID, action, details)
	return err
}

// LogEntry is one audit row.
type LogEntry struct {
	ID      int64  `json:"id" db:"id"`
	AdminID int64  `json:"admin_id" db:"admin_id"`
	Action  string `json:"action" db:"action"`
	Details string `json:"details" db:"details"`
	TS      string `json:"ts" db:"ts"`
}

// RecentLogs returns the newest audit rows of one admin, or of everyone
// when adminID is 0.
func (s *Store) RecentLogs(ctx context.Context, adminID int64, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var list []LogEntry
	err := s.DB.SelectContext(ctx, &list, `SELECT id,admin_id,action,details,CAST(ts AS TEXT) AS ts FROM logs
		WHERE (?=0 OR admin_id=?) ORDER BY id DESC LIMIT ?`, adminID, adminID, limit)
	return list, err
}

// Totals summarizes what an admin has configured.
type Totals struct {
	Accounts       int `json:"accounts" db:"accounts"`
	ActiveAccounts int `json:"active_accounts" db:"active_accounts"`
	Ads            int `json:"ads" db:"ads"`
	GroupsPending  int `json:"groups_pending" db:"groups_pending"`
	GroupsJoined   int `json:"groups_joined" db:"groups_joined"`
	GroupsFailed   int `json:"groups_failed" db:"groups_failed"`
}

func (s *Store) Totals(ctx context.Context, adminID int64) (Totals, error) {
	var t Totals
	err := s.DB.GetContext(ctx, &t, `
		SELECT
			(SELECT COUNT(*) FROM accounts WHERE `+scope+`) AS accounts,
			(SELECT COUNT(*) FROM accounts WHERE `+scope+` AND is_active=1) AS active_accounts,
			(SELECT COUNT(*) FROM ads WHERE `+scope+`) AS ads,
			(SELECT COUNT(*) FROM groups WHERE `+scope+` AND status='pending') AS groups_pending,
			(SELECT COUNT(*) FROM groups WHERE `+scope+` AND status='joined') AS groups_joined,
			(SELECT COUNT(*) FROM groups WHERE `+scope+` AND status='failed') AS groups_failed`,
		adminID, adminID, adminID, adminID, adminID, adminID)
	return t, err
}

func (s *Store) execOne(ctx context.Context, q string, args ...any) error {
	res, err := s.DB.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func dupOr(err error) error {
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}
