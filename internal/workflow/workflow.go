// Package workflow sequences acquiring, patching and writing a box's flash image.
//
// A Workflow owns the serial device: at most one step action runs at a time, and every
// action opens and closes its own device connection. All state changes go through
// transition; observers receive a Snapshot after each change.
package workflow

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tonieflash/flash-console/internal/device"
	"github.com/tonieflash/flash-console/internal/flashstore"
	"github.com/tonieflash/flash-console/internal/models"
	"github.com/tonieflash/flash-console/internal/patch"
	"github.com/tonieflash/flash-console/internal/transfer"
)

// Patcher is the patch service boundary.
type Patcher interface {
	Validate(params models.PatchParameters) patch.ValidationResult
	Upload(ctx context.Context, filename string, image *models.FlashImage) (string, error)
	RequestPatch(ctx context.Context, reference string, params models.PatchParameters) (*models.FlashImage, error)
	ExtractCertificates(ctx context.Context, reference string, overwrite bool) error
}

// Notifier receives a snapshot after every state change. Publish is called with the
// workflow lock held and must not block.
type Notifier interface {
	Publish(snap Snapshot)
}

// Recorder persists the audit trail.
type Recorder interface {
	CreateEventLog(ctx context.Context, ev *models.EventLog) error
	SaveImageBackup(ctx context.Context, b *models.ImageBackup) error
}

// Deps are the collaborators of a Workflow. Store, Notifier and Recorder are optional.
type Deps struct {
	Programmer device.Programmer
	Pipeline   *transfer.Pipeline
	Patcher    Patcher
	Store      *flashstore.Store
	Notifier   Notifier
	Recorder   Recorder
}

// Request starts a step action.
type Request struct {
	Action Action

	// File is the image for ActionLoadFile.
	File io.Reader

	// Overwrite confirms replacing existing certificates for ActionCertificates.
	Overwrite bool
}

// Workflow is the flashing state machine.
type Workflow struct {
	mu sync.Mutex

	id       uuid.UUID
	state    State
	mode     Mode
	params   models.PatchParameters
	progress int
	message  string
	written  *models.FlashImage
	updated  time.Time

	cancel context.CancelFunc
	done   chan struct{}

	programmer device.Programmer
	pipeline   *transfer.Pipeline
	patcher    Patcher
	store      *flashstore.Store
	notifier   Notifier
	recorder   Recorder
}

// New creates a workflow at step 0 in normal mode.
func New(deps Deps) *Workflow {
	if deps.Store == nil {
		deps.Store = flashstore.New()
	}
	if deps.Pipeline == nil {
		deps.Pipeline = transfer.New()
	}

	return &Workflow{
		id:         uuid.New(),
		state:      State{Kind: KindAwaiting, Step: StepAcquire},
		mode:       ModeNormal,
		updated:    time.Now(),
		programmer: deps.Programmer,
		pipeline:   deps.Pipeline,
		patcher:    deps.Patcher,
		store:      deps.Store,
		notifier:   deps.Notifier,
		recorder:   deps.Recorder,
	}
}

// ID identifies this workflow instance.
func (w *Workflow) ID() uuid.UUID {
	return w.id
}

// Store exposes the image buffers for downloads.
func (w *Workflow) Store() *flashstore.Store {
	return w.store
}

// State returns the current tagged state.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// InProgress reports whether an action is running.
func (w *Workflow) InProgress() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Kind == KindRunning
}

// Mode returns the current branch.
func (w *Workflow) Mode() Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// Advance moves to the next step when the current step is complete. It reports
// whether the step changed; an unmet precondition is a no-op.
func (w *Workflow) Advance() bool {
	w.mu.Lock()

	if w.state.Kind == KindRunning {
		w.mu.Unlock()
		return false
	}

	from := w.state.Step
	var to Step

	switch from {
	case StepAcquire:
		input := w.store.Input()
		if input == nil {
			w.mu.Unlock()
			return false
		}
		to = StepPatch
		if w.mode == ModeResetToStock {
			// The stock image is written as is.
			w.store.SetOutput(input.Retag(models.ProvenancePatched))
			to = StepWrite
		}
	case StepPatch:
		if w.store.Output() == nil {
			w.mu.Unlock()
			return false
		}
		to = StepWrite
	case StepWrite:
		if !w.writtenLocked() {
			w.mu.Unlock()
			return false
		}
		to = StepDone
	default:
		w.mu.Unlock()
		return false
	}

	moved := w.gotoLocked(to)
	w.mu.Unlock()

	if moved {
		w.record(models.EventTypeStepChanged, models.EventLevelInfo, "", "Advanced to "+to.String(), models.Variables{"from": int(from), "to": int(to)})
	}
	return moved
}

// Retreat moves to the previous step without discarding images.
func (w *Workflow) Retreat() bool {
	w.mu.Lock()

	if w.state.Kind == KindRunning || w.state.Step == StepAcquire {
		w.mu.Unlock()
		return false
	}

	from := w.state.Step
	to := from - 1
	if to == StepPatch && w.mode == ModeResetToStock {
		to = StepAcquire
	}

	moved := w.gotoLocked(to)
	w.mu.Unlock()

	if moved {
		w.record(models.EventTypeStepChanged, models.EventLevelInfo, "", "Returned to "+to.String(), models.Variables{"from": int(from), "to": int(to)})
	}
	return moved
}

func (w *Workflow) gotoLocked(to Step) bool {
	next, err := transition(w.state, event{kind: evGoto, to: to})
	if err != nil {
		return false
	}
	w.state = next
	w.message = ""
	w.progress = 0
	w.changedLocked()

	log.Info().
		Str("workflow_id", w.id.String()).
		Int("step", int(to)).
		Msg("Workflow step changed")
	return true
}

// Restart returns to step 0 and drops every image. Mode and parameters are kept.
func (w *Workflow) Restart() error {
	w.mu.Lock()

	next, err := transition(w.state, event{kind: evRestart})
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.state = next
	w.resetSessionLocked()
	w.changedLocked()
	w.mu.Unlock()

	log.Info().Str("workflow_id", w.id.String()).Msg("Workflow restarted")
	w.record(models.EventTypeRestarted, models.EventLevelInfo, "", "Workflow restarted", nil)
	return nil
}

// SetMode switches between normal and reset-to-stock. Switching restarts the workflow.
func (w *Workflow) SetMode(mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}

	w.mu.Lock()
	if w.mode == mode {
		w.mu.Unlock()
		return nil
	}

	next, err := transition(w.state, event{kind: evRestart})
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.state = next
	w.mode = mode
	w.resetSessionLocked()
	w.changedLocked()
	w.mu.Unlock()

	log.Info().Str("workflow_id", w.id.String()).Str("mode", string(mode)).Msg("Workflow mode changed")
	w.record(models.EventTypeModeChanged, models.EventLevelInfo, "", "Mode set to "+string(mode), models.Variables{"mode": string(mode)})
	return nil
}

func (w *Workflow) resetSessionLocked() {
	w.store.Reset()
	w.written = nil
	w.progress = 0
	w.message = ""
}

// SetParams stores the patch parameters and returns every violation.
// Invalid parameters are kept so the form can be corrected field by field.
func (w *Workflow) SetParams(params models.PatchParameters) patch.ValidationResult {
	res := w.patcher.Validate(params)

	w.mu.Lock()
	w.params = params
	w.changedLocked()
	w.mu.Unlock()

	return res
}

// Params returns the stored patch parameters.
func (w *Workflow) Params() models.PatchParameters {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.params
}

// Cancel aborts the running action at its next chunk boundary. It reports whether
// an action was running.
func (w *Workflow) Cancel() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state.Kind != KindRunning || w.cancel == nil {
		return false
	}
	w.cancel()
	log.Warn().
		Str("workflow_id", w.id.String()).
		Str("action", string(w.state.Action)).
		Msg("Cancelling action")
	return true
}

// Wait blocks until no action is running or ctx ends.
func (w *Workflow) Wait(ctx context.Context) error {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the action and blocks until it finishes. The returned error is the
// action's cause; the errored state carries its classified Failure.
func (w *Workflow) Run(ctx context.Context, req Request) error {
	run, err := w.begin(ctx, req)
	if err != nil {
		return err
	}
	return run()
}

// Start validates and begins the action, then runs it in the background.
// ErrBusy and ErrActionNotAllowed are returned synchronously.
func (w *Workflow) Start(req Request) error {
	run, err := w.begin(context.Background(), req)
	if err != nil {
		return err
	}
	go run()
	return nil
}

// begin enters Running and returns the function that executes and completes the action.
func (w *Workflow) begin(parent context.Context, req Request) (func() error, error) {
	w.mu.Lock()

	if w.state.Kind == KindRunning {
		w.mu.Unlock()
		return nil, ErrBusy
	}
	if !allowed(req.Action, w.state.Step, w.mode) {
		w.mu.Unlock()
		return nil, ErrActionNotAllowed
	}

	next, err := transition(w.state, event{kind: evStart, action: req.Action})
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	w.state = next
	w.cancel = cancel
	w.done = done
	w.progress = 0
	w.message = startMessage(req.Action)
	var target *models.FlashImage
	if req.Action == ActionWrite {
		// The box no longer holds a known image once a write starts.
		w.written = nil
		target = w.store.Output()
	}
	step := w.state.Step
	mode := w.mode
	params := w.params
	w.changedLocked()
	w.mu.Unlock()

	log.Info().
		Str("workflow_id", w.id.String()).
		Int("step", int(step)).
		Str("action", string(req.Action)).
		Msg("Action started")
	w.record(models.EventTypeActionStarted, models.EventLevelInfo, "", startMessage(req.Action), models.Variables{"action": string(req.Action)})

	run := func() error {
		defer close(done)
		defer cancel()

		msg, err := w.execute(ctx, req, mode, params)
		w.finish(req.Action, step, target, msg, err)
		return err
	}
	return run, nil
}

func (w *Workflow) execute(ctx context.Context, req Request, mode Mode, params models.PatchParameters) (msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("action", string(req.Action)).Msg("Action panicked")
			msg, err = "", &Failure{Kind: FailureInternal, Message: "internal error"}
		}
	}()

	switch req.Action {
	case ActionRead:
		return w.readDevice(ctx)
	case ActionLoadFile:
		return w.loadFile(ctx, req.File, mode)
	case ActionPatch:
		return w.patchImage(ctx, params)
	case ActionCertificates:
		return w.extractCertificates(ctx, req.Overwrite)
	case ActionWrite:
		return w.writeDevice(ctx, mode)
	default:
		return "", ErrActionNotAllowed
	}
}

// finish leaves Running. It is the only path out of Running, so the in-progress
// flag cannot stay set after an action returns. target is the image a write action wrote.
func (w *Workflow) finish(action Action, step Step, target *models.FlashImage, msg string, err error) {
	w.mu.Lock()

	ev := event{kind: evSucceed}
	var failure *Failure
	if err != nil {
		failure = Classify(err)
		ev = event{kind: evFail, failure: failure}
	}

	next, terr := transition(w.state, ev)
	if terr != nil {
		log.Error().Err(terr).Str("workflow_id", w.id.String()).Msg("Invalid completion")
	}
	w.state = next
	w.cancel = nil
	if failure != nil {
		w.message = failure.Message
	} else {
		w.message = msg
		if action == ActionWrite {
			w.written = target
		}
	}
	w.changedLocked()
	w.mu.Unlock()

	if failure != nil {
		log.Error().
			Err(err).
			Str("workflow_id", w.id.String()).
			Int("step", int(step)).
			Str("action", string(action)).
			Str("failure", string(failure.Kind)).
			Msg("Action failed")
		w.record(models.EventTypeActionFailed, models.EventLevelError, string(failure.Kind), failure.Message, models.Variables{"action": string(action), "error": err.Error()})
		return
	}

	log.Info().
		Str("workflow_id", w.id.String()).
		Int("step", int(step)).
		Str("action", string(action)).
		Msg("Action succeeded")
	w.record(models.EventTypeActionSucceeded, models.EventLevelInfo, "", msg, models.Variables{"action": string(action)})
}

// reportProgress is the pipeline callback; only changed values are published.
func (w *Workflow) reportProgress(pct int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state.Kind != KindRunning || pct == w.progress {
		return
	}
	w.progress = pct
	w.changedLocked()
}

func (w *Workflow) setMessage(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.message = msg
	w.changedLocked()
}

func (w *Workflow) changedLocked() {
	w.updated = time.Now()
	if w.notifier != nil {
		w.notifier.Publish(w.snapshotLocked())
	}
}

func (w *Workflow) record(typ models.EventType, level models.EventLevel, code, description string, details models.Variables) {
	if w.recorder == nil {
		return
	}

	w.mu.Lock()
	step := w.state.Step
	w.mu.Unlock()

	mac := ""
	if src := w.store.Source(); src != nil {
		mac = src.MACAddress
	}

	ev := &models.EventLog{
		ID:          uuid.New(),
		CreatedAt:   time.Now(),
		WorkflowID:  w.id,
		Step:        int(step),
		MACAddress:  mac,
		Type:        typ,
		Level:       level,
		Code:        code,
		Description: description,
		Details:     details,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.recorder.CreateEventLog(ctx, ev); err != nil {
		log.Warn().Err(err).Str("workflow_id", w.id.String()).Msg("Failed to record event")
	}
}

func (w *Workflow) backup(image *models.FlashImage, mac, reference string) {
	if w.recorder == nil || image == nil {
		return
	}

	b := &models.ImageBackup{
		ID:         uuid.New(),
		CreatedAt:  time.Now(),
		WorkflowID: w.id,
		MACAddress: mac,
		Provenance: image.Provenance(),
		Size:       image.Len(),
		SHA256:     image.SHA256(),
		Reference:  reference,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.recorder.SaveImageBackup(ctx, b); err != nil {
		log.Warn().Err(err).Str("workflow_id", w.id.String()).Msg("Failed to register image backup")
	}
}

func startMessage(a Action) string {
	switch a {
	case ActionRead:
		return "Reading flash from the box"
	case ActionLoadFile:
		return "Loading image file"
	case ActionPatch:
		return "Patching image"
	case ActionCertificates:
		return "Extracting certificates"
	case ActionWrite:
		return "Writing image to the box"
	default:
		return string(a)
	}
}
