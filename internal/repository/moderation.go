package repository

import (
	"github.com/ecoshare/backend/internal/apperr"
	"github.com/ecoshare/backend/internal/models"
)

const moderationHide = "hide"

// applyReport records report on m. Once threshold reports have accumulated
// the message is hidden from standard reads.
func applyReport(m *models.Message, report models.Report, threshold int) error {
	if m.HasReportFrom(report.ReportedBy) {
		return apperr.Conflict("message already reported by this user")
	}
	m.Moderation.Reports = append(m.Moderation.Reports, report)
	m.Moderation.IsReported = true
	if threshold > 0 && len(m.Moderation.Reports) >= threshold && !m.Moderation.IsModerated {
		at := report.ReportedAt
		m.Moderation.IsModerated = true
		m.Moderation.ModerationAction = moderationHide
		m.Moderation.ModeratedAt = &at
	}
	m.UpdatedAt = report.ReportedAt
	return nil
}
