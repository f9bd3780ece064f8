package notify

import (
	"errors"
	"testing"

	"github.com/tonieflash/flash-console/internal/workflow"
)

func TestMulti(t *testing.T) {
	var a, b []int
	m := Multi{
		Func(func(s workflow.Snapshot) { a = append(a, s.Progress) }),
		Func(func(s workflow.Snapshot) { b = append(b, s.Progress) }),
	}

	m.Publish(workflow.Snapshot{Progress: 10})
	m.Publish(workflow.Snapshot{Progress: 20})

	if len(a) != 2 || len(b) != 2 || a[1] != 20 || b[1] != 20 {
		t.Errorf("a=%v b=%v", a, b)
	}
}

func TestSubjects(t *testing.T) {
	if got := StateSubject("flash", "abc"); got != "flash.workflow.abc.state" {
		t.Errorf("state subject = %q", got)
	}
	if got := ControlSubject("flash", "abc"); got != "flash.workflow.abc.control" {
		t.Errorf("control subject = %q", got)
	}
	if got := StateTopic("home/toniebox/"); got != "home/toniebox/state" {
		t.Errorf("topic = %q", got)
	}
	if got := StateTopic(""); got != "flash-console/state" {
		t.Errorf("default topic = %q", got)
	}
}

type fakeController struct {
	cancelled  bool
	restartErr error
	restarts   int
}

func (c *fakeController) Cancel() bool {
	was := c.cancelled
	c.cancelled = true
	return !was
}

func (c *fakeController) Restart() error {
	c.restarts++
	return c.restartErr
}

func TestHandleControl(t *testing.T) {
	ctl := &fakeController{}

	tests := []struct {
		msg  string
		want string
	}{
		{`{"command":"cancel"}`, "ok"},
		{`{"command":"cancel"}`, "error: nothing to cancel"},
		{`{"command":"restart"}`, "ok"},
		{`{"command":"erase"}`, `error: unknown command "erase"`},
		{`not json`, "error: invalid command"},
	}
	for _, tt := range tests {
		if got := handleControl([]byte(tt.msg), ctl); got != tt.want {
			t.Errorf("handleControl(%s) = %q, want %q", tt.msg, got, tt.want)
		}
	}

	ctl.restartErr = errors.New("busy")
	if got := handleControl([]byte(`{"command":"restart"}`), ctl); got != "error: busy" {
		t.Errorf("restart error = %q", got)
	}
}
