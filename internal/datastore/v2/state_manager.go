package v2

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dinoproject/dinocache/internal/datastore/v2/entities"
	"github.com/dinoproject/dinocache/internal/errors"
	"gorm.io/gorm"
)

const workerStateID = 1

// StateManager persists the offline worker lifecycle in a single row.
type StateManager struct {
	db *gorm.DB
	mu sync.Mutex
}

// NewStateManager creates a StateManager.
func NewStateManager(db *gorm.DB) *StateManager {
	return &StateManager{db: db}
}

// GetState returns the current state, creating the idle row on first use.
func (sm *StateManager) GetState() (*entities.WorkerState, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.load(sm.db)
}

func (sm *StateManager) load(tx *gorm.DB) (*entities.WorkerState, error) {
	state := entities.WorkerState{ID: workerStateID, State: entities.WorkerStatusIdle}
	if err := tx.FirstOrCreate(&state, entities.WorkerState{ID: workerStateID}).Error; err != nil {
		return nil, fmt.Errorf("failed to load worker state: %w", err)
	}
	return &state, nil
}

// transition loads the row, checks the current status is one of from, applies
// mutate and saves, all in one transaction.
func (sm *StateManager) transition(op string, from []entities.WorkerStatus, mutate func(*entities.WorkerState) error) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.db.Transaction(func(tx *gorm.DB) error {
		state, err := sm.load(tx)
		if err != nil {
			return err
		}
		if !slices.Contains(from, state.State) {
			return errors.Newf("cannot %s: expected %s, got %s", op, joinStatuses(from), state.State).
				Component("datastore").
				Category(errors.CategoryValidation).
				Context("state", string(state.State)).
				Build()
		}
		if err := mutate(state); err != nil {
			return err
		}
		if err := tx.Save(state).Error; err != nil {
			return fmt.Errorf("failed to save worker state: %w", err)
		}
		return nil
	})
}

func joinStatuses(statuses []entities.WorkerStatus) string {
	s := ""
	for i, st := range statuses {
		switch {
		case i == 0:
		case i == len(statuses)-1:
			s += " or "
		default:
			s += ", "
		}
		s += string(st)
	}
	return s
}

// StartInstall records that version is being installed. A waiting version
// is superseded.
func (sm *StateManager) StartInstall(version string) error {
	return sm.transition("start install",
		[]entities.WorkerStatus{entities.WorkerStatusIdle, entities.WorkerStatusActive, entities.WorkerStatusWaiting},
		func(s *entities.WorkerState) error {
			s.State = entities.WorkerStatusInstalling
			s.InstallingVersion = version
			s.LastError = ""
			return nil
		})
}

// MarkInstalled moves the installing version to waiting.
func (sm *StateManager) MarkInstalled(version string) error {
	return sm.transition("mark installed",
		[]entities.WorkerStatus{entities.WorkerStatusInstalling},
		func(s *entities.WorkerState) error {
			if s.InstallingVersion != version {
				return fmt.Errorf("cannot mark installed: installing %q, not %q", s.InstallingVersion, version)
			}
			s.State = entities.WorkerStatusWaiting
			return nil
		})
}

// Activate makes version the active one.
func (sm *StateManager) Activate(version string) error {
	return sm.transition("activate",
		[]entities.WorkerStatus{entities.WorkerStatusInstalling, entities.WorkerStatusWaiting},
		func(s *entities.WorkerState) error {
			if s.InstallingVersion != version {
				return fmt.Errorf("cannot activate: installed %q, not %q", s.InstallingVersion, version)
			}
			now := time.Now().UTC()
			s.State = entities.WorkerStatusActive
			s.ActiveVersion = version
			s.InstallingVersion = ""
			s.ActivatedAt = &now
			return nil
		})
}

// FailInstall abandons the installing version and restores the previous
// status.
func (sm *StateManager) FailInstall(version string, cause error) error {
	return sm.transition("fail install",
		[]entities.WorkerStatus{entities.WorkerStatusInstalling},
		func(s *entities.WorkerState) error {
			if s.InstallingVersion != version {
				return fmt.Errorf("cannot fail install: installing %q, not %q", s.InstallingVersion, version)
			}
			s.RestorePrevious()
			if cause != nil {
				s.LastError = cause.Error()
			}
			return nil
		})
}

// RestoreWaiting abandons the installing version failed and puts back
// waiting, the installed version it had superseded.
func (sm *StateManager) RestoreWaiting(failed, waiting string, cause error) error {
	return sm.transition("restore waiting",
		[]entities.WorkerStatus{entities.WorkerStatusInstalling},
		func(s *entities.WorkerState) error {
			if s.InstallingVersion != failed {
				return fmt.Errorf("cannot restore waiting: installing %q, not %q", s.InstallingVersion, failed)
			}
			s.State = entities.WorkerStatusWaiting
			s.InstallingVersion = waiting
			s.LastError = ""
			if cause != nil {
				s.LastError = cause.Error()
			}
			return nil
		})
}

// RecoverInterrupted resets an install that was cut short by a restart.
// Returns true if the state was changed.
func (sm *StateManager) RecoverInterrupted() (bool, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var recovered bool
	err := sm.db.Transaction(func(tx *gorm.DB) error {
		state, err := sm.load(tx)
		if err != nil {
			return err
		}
		if state.State != entities.WorkerStatusInstalling {
			return nil
		}
		state.RestorePrevious()
		state.LastError = "install interrupted"
		recovered = true
		return tx.Save(state).Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to recover worker state: %w", err)
	}
	return recovered, nil
}

// Reset returns to idle with nothing active.
func (sm *StateManager) Reset() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	state := entities.WorkerState{ID: workerStateID, State: entities.WorkerStatusIdle}
	if err := sm.db.Save(&state).Error; err != nil {
		return fmt.Errorf("failed to reset worker state: %w", err)
	}
	return nil
}

// ActiveVersion returns the persisted active version, empty when none.
func (sm *StateManager) ActiveVersion() (string, error) {
	state, err := sm.GetState()
	if err != nil {
		return "", err
	}
	return state.ActiveVersion, nil
}
