package student

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a scan references an unknown student.
var ErrNotFound = errors.New("student not found")

// Service coordinates QR scan processing: the first scan of the day records
// an entry, the next one records the departure.
type Service struct {
	repo *Repository
	loc  *time.Location
	now  func() time.Time
}

// NewService creates a service backed by a repository, operating in loc
// (nil = time.Local).
func NewService(repo *Repository, loc *time.Location) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{repo: repo, loc: loc, now: time.Now}
}

// ScanOutcome reports what a scan did.
type ScanOutcome struct {
	Student *Student         `json:"student"`
	Record  AttendanceRecord `json:"record"`
	Status  string           `json:"status"` // entered or left
}

// MarkScan records a QR scan for the student. An open record for today
// means this scan is a departure; otherwise it is an arrival.
func (s *Service) MarkScan(ctx context.Context, studentID string) (ScanOutcome, error) {
	st, err := s.repo.GetStudent(ctx, studentID)
	if err != nil {
		return ScanOutcome{}, err
	}
	if st == nil {
		return ScanOutcome{}, ErrNotFound
	}

	now := s.now().In(s.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	open, err := s.repo.OpenRecordForDay(ctx, studentID, dayStart, dayEnd)
	if err != nil {
		return ScanOutcome{}, err
	}

	if open != nil {
		closed, err := s.repo.CloseRecord(ctx, studentID, open.ID, now)
		if err != nil {
			return ScanOutcome{}, err
		}
		if closed {
			if err := s.repo.RecomputePercentage(ctx, studentID, now); err != nil {
				return ScanOutcome{}, err
			}
		}
		open.LeaveTime = &now
		open.Status = "left"
		return ScanOutcome{Student: st, Record: *open, Status: "left"}, nil
	}

	rec, err := s.repo.InsertRecord(ctx, AttendanceRecord{
		StudentID: studentID,
		Date:      dayStart,
		Status:    "entered",
		EntryTime: &now,
	})
	if err != nil {
		return ScanOutcome{}, err
	}
	if err := s.repo.RecomputePercentage(ctx, studentID, now); err != nil {
		return ScanOutcome{}, err
	}
	return ScanOutcome{Student: st, Record: rec, Status: "entered"}, nil
}
