package notify

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"schooltrack/internal/chat"
	"schooltrack/internal/student"
)

// Service resolves a student and sends the attendance alert to the parent.
// Used by the QR-scan dispatch loop and the on-demand messaging endpoint.
type Service struct {
	repo       *student.Repository
	dispatcher *chat.Dispatcher
	log        zerolog.Logger
}

// NewService creates a notification service.
func NewService(repo *student.Repository, dispatcher *chat.Dispatcher, log zerolog.Logger) *Service {
	return &Service{repo: repo, dispatcher: dispatcher, log: log}
}

// SendForStudent looks up the student and delivers an attendance alert to
// the parent phone on file.
func (s *Service) SendForStudent(ctx context.Context, studentID, status string, ts time.Time) chat.SendResult {
	if !s.dispatcher.Ready() {
		s.log.Debug().Msg("chat service not ready, skipping notification")
		return chat.SendResult{Success: false, Error: "chat service not ready", Code: chat.CodeClientNotReady}
	}

	st, err := s.repo.GetStudent(ctx, studentID)
	if err != nil {
		s.log.Error().Err(err).Str("student_id", studentID).Msg("student lookup failed")
		return chat.SendResult{Success: false, Error: err.Error(), Code: chat.CodeNotificationError}
	}
	if st == nil {
		s.log.Warn().Str("student_id", studentID).Msg("student not found")
		return chat.SendResult{Success: false, Error: "student not found", Code: chat.CodeStudentNotFound}
	}
	if st.ParentPhone == nil || *st.ParentPhone == "" {
		s.log.Warn().Str("student", st.Name).Msg("no parent phone number available")
		return chat.SendResult{Success: false, Error: "no parent phone number available", Code: chat.CodeMissingPhone}
	}

	if ts.IsZero() {
		ts = time.Now()
	}

	summary := chat.StudentSummary{
		Name:        st.Name,
		IndexNumber: st.IndexNumber,
		ParentPhone: *st.ParentPhone,
	}
	if st.Email != nil {
		summary.Email = *st.Email
	}
	if st.Address != nil {
		summary.Address = *st.Address
	}

	phone := strings.ReplaceAll(*st.ParentPhone, " ", "")
	res := s.dispatcher.SendAttendanceAlert(ctx, phone, summary, status, ts)
	if res.Success {
		s.log.Info().Str("student", st.Name).Str("status", status).Msg("attendance notification sent")
	} else {
		s.log.Error().Str("student", st.Name).Str("error", res.Error).Msg("attendance notification failed")
	}
	return res
}
