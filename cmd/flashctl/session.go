package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/tonieflash/flash-console/internal/config"
	"github.com/tonieflash/flash-console/internal/flashstore"
	"github.com/tonieflash/flash-console/internal/notify"
	"github.com/tonieflash/flash-console/internal/server"
	"github.com/tonieflash/flash-console/internal/workflow"
)

// buildWorkflow wires a workflow to the configured serial port and patch service.
// Tests replace it.
var buildWorkflow = func(cfg *config.Config, notifier workflow.Notifier) (*workflow.Workflow, error) {
	stack, err := server.NewFlashStack(cfg, notifier, nil)
	if err != nil {
		return nil, err
	}
	if stack.Programmer.Port() == "" {
		return nil, fmt.Errorf("no serial port configured, use --port (see flashctl ports)")
	}
	return stack.Workflow, nil
}

// session drives one workflow from the terminal.
type session struct {
	wf *workflow.Workflow

	mu     sync.Mutex
	bar    *progressbar.ProgressBar
	action workflow.Action
}

func newSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	s := &session{}
	if s.wf, err = buildWorkflow(cfg, notify.Func(s.progress)); err != nil {
		return nil, err
	}
	return s, nil
}

// progress renders running actions as a bar. It runs under the workflow lock.
func (s *session) progress(snap workflow.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !snap.OperationInProgress {
		if s.bar != nil {
			s.bar.Finish()
			fmt.Fprintln(os.Stderr)
			s.bar = nil
		}
		s.action = ""
		return
	}

	if s.bar == nil || s.action != snap.Action {
		s.action = snap.Action
		s.bar = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionSetDescription(string(snap.Action)),
		)
	}
	s.bar.Describe(snap.LastMessage)
	s.bar.Set(snap.Progress)
}

// run executes action with retries and reports the classified failure.
func (s *session) run(ctx context.Context, req workflow.Request) error {
	if err := s.wf.RunWithRetry(ctx, req, workflow.DefaultRetryPolicy); err != nil {
		fail := workflow.Classify(err)
		for _, v := range fail.Violations {
			fmt.Fprintf(os.Stderr, "  %s\n", v.Error())
		}
		return fmt.Errorf("%s: %s", fail.Kind, fail.Message)
	}
	fmt.Println(s.wf.Snapshot().LastMessage)
	return nil
}

// loadFile runs the load action once; the reader cannot be replayed.
func (s *session) loadFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := s.wf.Run(ctx, workflow.Request{Action: workflow.ActionLoadFile, File: f}); err != nil {
		fail := workflow.Classify(err)
		return fmt.Errorf("%s: %s", fail.Kind, fail.Message)
	}
	fmt.Println(s.wf.Snapshot().LastMessage)
	return nil
}

func (s *session) advance(to workflow.Step) error {
	if !s.wf.Advance() || s.wf.State().Step != to {
		return fmt.Errorf("cannot advance to %s", to)
	}
	return nil
}

// save writes the image in slot to dir under its download filename, or to path
// when path names a file.
func (s *session) save(slot flashstore.Slot, path string) (string, error) {
	export, err := s.wf.Store().Export(slot)
	if err != nil {
		return "", err
	}

	if path == "" {
		path = export.Filename
	} else if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, export.Filename)
	}

	if err := os.WriteFile(path, export.Image.Bytes(), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
