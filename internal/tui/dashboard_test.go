package tui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func TestModel_Init_FetchesAndSchedulesTick(t *testing.T) {
	m := NewModel(func() ([]Row, error) { return nil, nil }, 0)
	if m.interval != 2_000_000_000 { // 2s in nanoseconds, the zero-value fallback
		t.Errorf("expected default interval fallback, got %v", m.interval)
	}
	if m.Init() == nil {
		t.Error("expected Init to return a non-nil batch command")
	}
}

func TestModel_Update_RowsMsgPopulatesRows(t *testing.T) {
	m := NewModel(func() ([]Row, error) { return nil, nil }, 0)
	rows := []Row{{JobID: "job_1", State: "running"}}

	updated, cmd := m.Update(rowsMsg{rows: rows})
	mm := updated.(Model)

	if len(mm.rows) != 1 || mm.rows[0].JobID != "job_1" {
		t.Errorf("expected rows to be set, got %v", mm.rows)
	}
	if cmd != nil {
		t.Error("expected no follow-up command from a rowsMsg")
	}
}

func TestModel_Update_FetchErrorIsRecorded(t *testing.T) {
	m := NewModel(func() ([]Row, error) { return nil, nil }, 0)
	wantErr := errors.New("dial failed")

	updated, _ := m.Update(rowsMsg{err: wantErr})
	mm := updated.(Model)

	if mm.err == nil || mm.err.Error() != wantErr.Error() {
		t.Errorf("expected error to be recorded, got %v", mm.err)
	}
}

func TestModel_Update_QuitKeys(t *testing.T) {
	msgs := []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyCtrlC},
		{Type: tea.KeyEsc},
	}
	for _, msg := range msgs {
		m := NewModel(func() ([]Row, error) { return nil, nil }, 0)
		updated, cmd := m.Update(msg)
		mm := updated.(Model)
		if !mm.quitting {
			t.Errorf("expected quitting to be set for key %q", msg.String())
		}
		if cmd == nil {
			t.Errorf("expected tea.Quit command for key %q", msg.String())
		}
	}
}

func TestModel_View_RendersRowsAndHeader(t *testing.T) {
	m := NewModel(func() ([]Row, error) { return nil, nil }, 0)
	m.rows = []Row{{JobID: "job_1", PresetID: "transcribe_folder", State: "running", ActiveStep: "media:transcribe (running)"}}

	out := m.View()
	if !strings.Contains(out, "JOB") {
		t.Error("expected header row in view")
	}
	if !strings.Contains(out, "job_1") {
		t.Error("expected job id in view")
	}
}

func TestModel_View_EmptyStateMessage(t *testing.T) {
	m := NewModel(func() ([]Row, error) { return nil, nil }, 0)
	out := m.View()
	if !strings.Contains(out, "no jobs yet") {
		t.Error("expected empty-state message when there are no rows")
	}
}

func TestModel_View_QuittingIsBlank(t *testing.T) {
	m := NewModel(func() ([]Row, error) { return nil, nil }, 0)
	m.quitting = true
	if m.View() != "" {
		t.Error("expected blank view once quitting")
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactlyten", 10, "exactlyten"},
		{"this is way too long", 10, "this is w…"},
	}
	for _, c := range cases {
		if got := truncate(c.in, c.n); got != c.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", c.in, c.n, got, c.want)
		}
	}
}
