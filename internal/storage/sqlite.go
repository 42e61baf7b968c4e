package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shohag/salondesk/internal/models"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers, which makes CreateAppointment's
	// check-and-insert transaction exclusive for the whole calendar.
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS clients (
			id TEXT PRIMARY KEY,
			phone TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS services (
			id TEXT PRIMARY KEY,
			keyword TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			duration_minutes INTEGER NOT NULL,
			price_cents INTEGER NOT NULL,
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS appointments (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL REFERENCES clients(id),
			service_id TEXT NOT NULL REFERENCES services(id),
			start_unix INTEGER NOT NULL,
			end_unix INTEGER NOT NULL,
			duration_minutes INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'scheduled',
			notes TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_window ON appointments(start_unix, end_unix)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_client ON appointments(client_id)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}

	for _, svc := range DefaultServices {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO services (id, keyword, name, description, duration_minutes, price_cents, active)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			svc.ID, svc.Keyword, svc.Name, svc.Description, svc.DurationMinutes, svc.PriceCents, boolToInt(svc.Active),
		); err != nil {
			return fmt.Errorf("seed service %q: %w", svc.Keyword, err)
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Clients ---

// GetOrCreateClient inserts the client on first contact and fills in a
// missing name. Concurrent first contacts from one phone resolve to one row.
func (s *SQLiteStorage) GetOrCreateClient(ctx context.Context, phone, name string) (*models.Client, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (id, phone, name, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(phone) DO NOTHING`,
		models.NewID("cli"), phone, name, time.Now().UTC(),
	)
	if err != nil {
		return nil, err
	}
	if name != "" {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE clients SET name = ? WHERE phone = ? AND name = ''`, name, phone,
		); err != nil {
			return nil, err
		}
	}
	return s.GetClientByPhone(ctx, phone)
}

func (s *SQLiteStorage) GetClientByPhone(ctx context.Context, phone string) (*models.Client, error) {
	var c models.Client
	err := s.db.QueryRowContext(ctx,
		`SELECT id, phone, name, created_at FROM clients WHERE phone = ?`, phone,
	).Scan(&c.ID, &c.Phone, &c.Name, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStorage) UpdateClientName(ctx context.Context, phone, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE clients SET name = ? WHERE phone = ?`, name, phone)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Services ---

const serviceColumns = `id, keyword, name, description, duration_minutes, price_cents, active`

func scanService(row interface{ Scan(...interface{}) error }) (*models.Service, error) {
	var svc models.Service
	var active int
	if err := row.Scan(&svc.ID, &svc.Keyword, &svc.Name, &svc.Description, &svc.DurationMinutes, &svc.PriceCents, &active); err != nil {
		return nil, err
	}
	svc.Active = active == 1
	return &svc, nil
}

func (s *SQLiteStorage) ListServices(ctx context.Context) ([]models.Service, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE active = 1 ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []models.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, *svc)
	}
	return services, rows.Err()
}

func (s *SQLiteStorage) GetService(ctx context.Context, id string) (*models.Service, error) {
	svc, err := scanService(s.db.QueryRowContext(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE id = ? AND active = 1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return svc, err
}

func (s *SQLiteStorage) FindServiceByKeyword(ctx context.Context, keyword string) (*models.Service, error) {
	svc, err := scanService(s.db.QueryRowContext(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE keyword = ? AND active = 1`, keyword))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return svc, err
}

// --- Appointments ---

const blockingStatuses = `('scheduled', 'confirmed')`

func (s *SQLiteStorage) FindOverlapping(ctx context.Context, start, end time.Time) ([]models.Interval, error) {
	return findOverlapping(ctx, s.db, start, end, "")
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// findOverlapping lists blocking appointments overlapping [start, end),
// ignoring the appointment excludeID.
func findOverlapping(ctx context.Context, q querier, start, end time.Time, excludeID string) ([]models.Interval, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT start_unix, duration_minutes FROM appointments
		 WHERE status IN `+blockingStatuses+` AND start_unix < ? AND end_unix > ? AND id != ?
		 ORDER BY start_unix`,
		end.Unix(), start.Unix(), excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intervals []models.Interval
	for rows.Next() {
		var startUnix int64
		var minutes int
		if err := rows.Scan(&startUnix, &minutes); err != nil {
			return nil, err
		}
		intervals = append(intervals, models.Interval{
			Start:    time.Unix(startUnix, 0).UTC(),
			Duration: time.Duration(minutes) * time.Minute,
		})
	}
	return intervals, rows.Err()
}

// CreateAppointment inserts the appointment only if no blocking appointment
// overlaps it. The check and the insert share one transaction.
func (s *SQLiteStorage) CreateAppointment(ctx context.Context, a *models.Appointment) error {
	if a.Status == "" {
		a.Status = models.AppointmentScheduled
	}
	if a.ID == "" {
		a.ID = models.NewID("apt")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	iv := a.Interval()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if a.Status.Blocking() {
		existing, err := findOverlapping(ctx, tx, iv.Start, iv.End(), "")
		if err != nil {
			return fmt.Errorf("check overlap: %w", err)
		}
		if len(existing) > 0 {
			return ErrSlotTaken
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO appointments (id, client_id, service_id, start_unix, end_unix, duration_minutes, status, notes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ClientID, a.ServiceID, iv.Start.Unix(), iv.End().Unix(), a.DurationMinutes, a.Status, a.Notes, a.CreatedAt,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStorage) ListAppointments(ctx context.Context, from, to time.Time) ([]models.Appointment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_id, service_id, start_unix, duration_minutes, status, notes, created_at
		 FROM appointments WHERE start_unix >= ? AND start_unix < ? ORDER BY start_unix, rowid`,
		from.Unix(), to.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Appointment
	for rows.Next() {
		var a models.Appointment
		var startUnix int64
		if err := rows.Scan(&a.ID, &a.ClientID, &a.ServiceID, &startUnix, &a.DurationMinutes, &a.Status, &a.Notes, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Start = time.Unix(startUnix, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAppointmentStatus changes the status of an appointment. Moving it back
// into a blocking status re-checks its interval like a new booking would.
func (s *SQLiteStorage) UpdateAppointmentStatus(ctx context.Context, id string, status models.AppointmentStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var startUnix, endUnix int64
	var current models.AppointmentStatus
	err = tx.QueryRowContext(ctx,
		`SELECT start_unix, end_unix, status FROM appointments WHERE id = ?`, id,
	).Scan(&startUnix, &endUnix, &current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if status.Blocking() && !current.Blocking() {
		existing, err := findOverlapping(ctx, tx, time.Unix(startUnix, 0), time.Unix(endUnix, 0), id)
		if err != nil {
			return fmt.Errorf("check overlap: %w", err)
		}
		if len(existing) > 0 {
			return ErrSlotTaken
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE appointments SET status = ? WHERE id = ?`, status, id); err != nil {
		return err
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
