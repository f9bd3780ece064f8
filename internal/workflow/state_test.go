package workflow

import (
	"errors"
	"testing"
)

func TestTransition(t *testing.T) {
	failure := &Failure{Kind: FailureTransfer, Message: "boom"}

	tests := []struct {
		name    string
		from    State
		ev      event
		want    State
		wantErr error
	}{
		{
			name: "start from awaiting",
			from: State{Kind: KindAwaiting, Step: StepAcquire},
			ev:   event{kind: evStart, action: ActionRead},
			want: State{Kind: KindRunning, Step: StepAcquire, Action: ActionRead},
		},
		{
			name: "start from errored retries",
			from: State{Kind: KindErrored, Step: StepWrite, Failure: failure},
			ev:   event{kind: evStart, action: ActionWrite},
			want: State{Kind: KindRunning, Step: StepWrite, Action: ActionWrite},
		},
		{
			name:    "start while running",
			from:    State{Kind: KindRunning, Step: StepAcquire, Action: ActionRead},
			ev:      event{kind: evStart, action: ActionLoadFile},
			want:    State{Kind: KindRunning, Step: StepAcquire, Action: ActionRead},
			wantErr: ErrBusy,
		},
		{
			name:    "start when done",
			from:    State{Kind: KindDone, Step: StepDone},
			ev:      event{kind: evStart, action: ActionWrite},
			want:    State{Kind: KindDone, Step: StepDone},
			wantErr: ErrActionNotAllowed,
		},
		{
			name: "succeed",
			from: State{Kind: KindRunning, Step: StepPatch, Action: ActionPatch},
			ev:   event{kind: evSucceed},
			want: State{Kind: KindAwaiting, Step: StepPatch},
		},
		{
			name: "fail keeps step",
			from: State{Kind: KindRunning, Step: StepWrite, Action: ActionWrite},
			ev:   event{kind: evFail, failure: failure},
			want: State{Kind: KindErrored, Step: StepWrite, Failure: failure},
		},
		{
			name: "goto clears failure",
			from: State{Kind: KindErrored, Step: StepPatch, Failure: failure},
			ev:   event{kind: evGoto, to: StepAcquire},
			want: State{Kind: KindAwaiting, Step: StepAcquire},
		},
		{
			name: "goto done",
			from: State{Kind: KindAwaiting, Step: StepWrite},
			ev:   event{kind: evGoto, to: StepDone},
			want: State{Kind: KindDone, Step: StepDone},
		},
		{
			name:    "goto while running",
			from:    State{Kind: KindRunning, Step: StepAcquire, Action: ActionRead},
			ev:      event{kind: evGoto, to: StepPatch},
			want:    State{Kind: KindRunning, Step: StepAcquire, Action: ActionRead},
			wantErr: ErrBusy,
		},
		{
			name: "restart from done",
			from: State{Kind: KindDone, Step: StepDone},
			ev:   event{kind: evRestart},
			want: State{Kind: KindAwaiting, Step: StepAcquire},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := transition(tt.from, tt.ev)
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("state = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCompletionRequiresRunning(t *testing.T) {
	for _, kind := range []eventKind{evSucceed, evFail} {
		if _, err := transition(State{Kind: KindAwaiting}, event{kind: kind}); err == nil {
			t.Errorf("event %d accepted outside Running", kind)
		}
	}
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		action Action
		step   Step
		mode   Mode
		want   bool
	}{
		{ActionRead, StepAcquire, ModeNormal, true},
		{ActionRead, StepAcquire, ModeResetToStock, false},
		{ActionLoadFile, StepAcquire, ModeResetToStock, true},
		{ActionLoadFile, StepAcquire, ModeNormal, true},
		{ActionPatch, StepPatch, ModeNormal, true},
		{ActionPatch, StepAcquire, ModeNormal, false},
		{ActionCertificates, StepPatch, ModeNormal, true},
		{ActionWrite, StepWrite, ModeResetToStock, true},
		{ActionWrite, StepPatch, ModeNormal, false},
		{Action("erase"), StepAcquire, ModeNormal, false},
	}
	for _, tt := range tests {
		if got := allowed(tt.action, tt.step, tt.mode); got != tt.want {
			t.Errorf("allowed(%s, %s, %s) = %v, want %v", tt.action, tt.step, tt.mode, got, tt.want)
		}
	}
}
