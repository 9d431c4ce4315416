package entities

import "time"

// WorkerStatus is the lifecycle state of the offline cache worker.
type WorkerStatus string

const (
	WorkerStatusIdle       WorkerStatus = "idle"
	WorkerStatusInstalling WorkerStatus = "installing"
	WorkerStatusWaiting    WorkerStatus = "waiting"
	WorkerStatusActive     WorkerStatus = "active"
)

// WorkerState is a single-row table (ID 1) holding the active cache version
// so it survives restarts.
type WorkerState struct {
	ID                uint         `gorm:"primaryKey" json:"id"`
	State             WorkerStatus `gorm:"size:20;not null;default:'idle'" json:"state"`
	ActiveVersion     string       `gorm:"size:255;default:''" json:"active_version"`
	InstallingVersion string       `gorm:"size:255;default:''" json:"installing_version"`
	LastError         string       `gorm:"type:text" json:"last_error,omitempty"`
	ActivatedAt       *time.Time   `json:"activated_at,omitempty"`
	UpdatedAt         time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (WorkerState) TableName() string {
	return "worker_state"
}

// RestorePrevious drops the installing version and falls back to active, or
// idle when nothing was ever activated.
func (s *WorkerState) RestorePrevious() {
	s.InstallingVersion = ""
	if s.ActiveVersion != "" {
		s.State = WorkerStatusActive
		return
	}
	s.State = WorkerStatusIdle
}
