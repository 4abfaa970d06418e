package student

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"schooltrack/internal/reconcile"
)

// Student is a registered student with parent contact details.
type Student struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	IndexNumber          string     `json:"indexNumber"`
	Email                *string    `json:"email,omitempty"`
	ParentPhone          *string    `json:"parentPhone,omitempty"`
	Address              *string    `json:"address,omitempty"`
	Active               bool       `json:"active"`
	AttendancePercentage float64    `json:"attendancePercentage"`
	LastAttendance       *time.Time `json:"lastAttendance,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
}

// AttendanceRecord is one day's scan history for a student.
type AttendanceRecord struct {
	ID        string     `json:"id"`
	StudentID string     `json:"studentId"`
	Date      time.Time  `json:"date"`
	Status    string     `json:"status"`
	EntryTime *time.Time `json:"entryTime,omitempty"`
	LeaveTime *time.Time `json:"leaveTime,omitempty"`
}

// Repository persists students and attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetStudent returns a student by id, or nil when not found.
func (r *Repository) GetStudent(ctx context.Context, id string) (*Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, index_number, email, parent_phone, address, active,
		       attendance_percentage, last_attendance, created_at
		FROM students WHERE id = $1
	`, id)
	var s Student
	if err := row.Scan(&s.ID, &s.Name, &s.IndexNumber, &s.Email, &s.ParentPhone, &s.Address,
		&s.Active, &s.AttendancePercentage, &s.LastAttendance, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// FindOpenRecords returns student+record pairs for open records (status
// entered/present, no leave time) dated in [from, to). A zero from drops
// the lower bound.
func (r *Repository) FindOpenRecords(ctx context.Context, from, to time.Time) ([]reconcile.OpenRecord, error) {
	query := `
		SELECT s.id, a.id, s.name, s.index_number, COALESCE(s.parent_phone, ''),
		       a.date, a.entry_time, a.status
		FROM attendance_records a
		JOIN students s ON s.id = a.student_id
		WHERE a.leave_time IS NULL
		  AND a.status IN ('entered', 'present')
		  AND a.date < $1`
	args := []any{to}
	if !from.IsZero() {
		query += ` AND a.date >= $2`
		args = append(args, from)
	}
	query += ` ORDER BY s.id, a.date`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reconcile.OpenRecord
	for rows.Next() {
		var rec reconcile.OpenRecord
		if err := rows.Scan(&rec.StudentID, &rec.RecordID, &rec.Name, &rec.IndexNumber,
			&rec.ParentPhone, &rec.Date, &rec.EntryTime, &rec.Status); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CloseRecord stamps a leave time onto one attendance record. The update is
// conditional on the record still being open, so concurrent scan-triggered
// closes and repeated reconciliation runs cannot double-close it. Returns
// whether the record transitioned.
func (r *Repository) CloseRecord(ctx context.Context, studentID, recordID string, leaveTime time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET leave_time = $3, status = 'left'
		WHERE id = $1 AND student_id = $2
		  AND leave_time IS NULL
		  AND status IN ('entered', 'present')
	`, recordID, studentID, leaveTime)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecomputePercentage refreshes the student's attendance percentage
// ((present or entered) / total * 100) and last attendance timestamp.
func (r *Repository) RecomputePercentage(ctx context.Context, studentID string, lastAttendance time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE students SET
			attendance_percentage = COALESCE((
				SELECT COUNT(*) FILTER (WHERE status IN ('present', 'entered')) * 100.0
				       / NULLIF(COUNT(*), 0)
				FROM attendance_records WHERE student_id = $1
			), 0),
			last_attendance = $2
		WHERE id = $1
	`, studentID, lastAttendance)
	return err
}

// CountActive returns the number of active students.
func (r *Repository) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM students WHERE active`).Scan(&n)
	return n, err
}

// OpenRecordForDay returns the student's open record for the day containing
// ts, or nil when there is none.
func (r *Repository) OpenRecordForDay(ctx context.Context, studentID string, dayStart, dayEnd time.Time) (*AttendanceRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, date, status, entry_time, leave_time
		FROM attendance_records
		WHERE student_id = $1 AND date >= $2 AND date < $3
		  AND leave_time IS NULL AND status IN ('entered', 'present')
		ORDER BY date DESC
		LIMIT 1
	`, studentID, dayStart, dayEnd)
	var rec AttendanceRecord
	if err := row.Scan(&rec.ID, &rec.StudentID, &rec.Date, &rec.Status, &rec.EntryTime, &rec.LeaveTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// InsertRecord writes a new attendance record.
func (r *Repository) InsertRecord(ctx context.Context, rec AttendanceRecord) (AttendanceRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, student_id, date, status, entry_time, leave_time)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.StudentID, rec.Date, rec.Status, rec.EntryTime, rec.LeaveTime)
	if err != nil {
		return AttendanceRecord{}, err
	}
	return rec, nil
}

// ListForMessaging returns students who have a parent phone on file,
// filtered by a case-insensitive search over name, index number, and email.
func (r *Repository) ListForMessaging(ctx context.Context, search string, limit, offset int) ([]Student, int, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	where := `parent_phone IS NOT NULL AND parent_phone <> ''`
	args := []any{}
	if search != "" {
		where += fmt.Sprintf(` AND (name ILIKE $%d OR index_number ILIKE $%d OR email ILIKE $%d)`,
			len(args)+1, len(args)+1, len(args)+1)
		args = append(args, "%"+search+"%")
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM students WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT id, name, index_number, email, parent_phone, address, active,
		       attendance_percentage, last_attendance, created_at
		FROM students WHERE %s
		ORDER BY name
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Student
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.ID, &s.Name, &s.IndexNumber, &s.Email, &s.ParentPhone, &s.Address,
			&s.Active, &s.AttendancePercentage, &s.LastAttendance, &s.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}
