package workflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/tonieflash/flash-console/internal/flashstore"
	"github.com/tonieflash/flash-console/internal/models"
)

// Snapshot is the observable view of a workflow.
type Snapshot struct {
	ID                  uuid.UUID              `json:"id"`
	State               Kind                   `json:"state"`
	CurrentStep         Step                   `json:"currentStep"`
	StepStatus          [stepCount]StepStatus  `json:"stepStatus"`
	OperationInProgress bool                   `json:"operationInProgress"`
	Action              Action                 `json:"action,omitempty"`
	Mode                Mode                   `json:"mode"`
	Progress            int                    `json:"progress"`
	LastMessage         string                 `json:"lastMessage"`
	LastMessageIsError  bool                   `json:"lastMessageIsError"`
	Failure             *Failure               `json:"failure,omitempty"`
	CanAdvance          bool                   `json:"canAdvance"`
	CanRetreat          bool                   `json:"canRetreat"`
	Params              models.PatchParameters `json:"params"`
	Images              flashstore.Summary     `json:"images"`
	UpdatedAt           time.Time              `json:"updatedAt"`
}

// Snapshot returns the current view.
func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Workflow) snapshotLocked() Snapshot {
	running := w.state.Kind == KindRunning

	return Snapshot{
		ID:                  w.id,
		State:               w.state.Kind,
		CurrentStep:         w.state.Step,
		StepStatus:          w.stepStatusLocked(),
		OperationInProgress: running,
		Action:              w.state.Action,
		Mode:                w.mode,
		Progress:            w.progress,
		LastMessage:         w.message,
		LastMessageIsError:  w.state.Kind == KindErrored,
		Failure:             w.state.Failure,
		CanAdvance:          !running && w.canAdvanceLocked(),
		CanRetreat:          !running && w.state.Step > StepAcquire,
		Params:              w.params.Redacted(),
		Images:              w.store.Summary(),
		UpdatedAt:           w.updated,
	}
}

func (w *Workflow) canAdvanceLocked() bool {
	switch w.state.Step {
	case StepAcquire:
		return w.store.Input() != nil
	case StepPatch:
		return w.store.Output() != nil
	case StepWrite:
		return w.writtenLocked()
	default:
		return false
	}
}

// writtenLocked reports whether the current output image is the one last written
// successfully. A new output or a failed write clears it.
func (w *Workflow) writtenLocked() bool {
	return w.written != nil && w.written == w.store.Output()
}

// stepStatusLocked derives the per-step indicators. Step 1 stays "wait" in reset mode.
func (w *Workflow) stepStatusLocked() [stepCount]StepStatus {
	finished := [stepCount]bool{
		StepAcquire: w.store.Input() != nil,
		StepPatch:   w.mode == ModeNormal && w.store.Output() != nil,
		StepWrite:   w.writtenLocked(),
		StepDone:    w.state.Kind == KindDone,
	}

	var st [stepCount]StepStatus
	for i := range st {
		st[i] = StatusWait
		if finished[i] {
			st[i] = StatusFinish
		}
	}

	switch w.state.Kind {
	case KindRunning:
		st[w.state.Step] = StatusProcess
	case KindErrored:
		st[w.state.Step] = StatusError
	}
	return st
}
