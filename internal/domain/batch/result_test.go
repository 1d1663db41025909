package batch

import (
	"errors"
	"testing"
)

func TestNewOK(t *testing.T) {
	r := NewOK(3, "42")
	if r.Index() != 3 {
		t.Errorf("Index() = %d", r.Index())
	}
	if r.DocID() != "42" {
		t.Errorf("DocID() = %q", r.DocID())
	}
	if r.Status() != StatusOK {
		t.Errorf("Status() = %q, want %q", r.Status(), StatusOK)
	}
	if r.Err() != nil {
		t.Errorf("Err() = %v, want nil", r.Err())
	}
}

func TestNewError(t *testing.T) {
	err := errors.New("something failed")
	r := NewError(1, err)
	if r.DocID() != "" {
		t.Errorf("DocID() = %q, want empty", r.DocID())
	}
	if r.Status() != StatusError {
		t.Errorf("Status() = %q, want %q", r.Status(), StatusError)
	}
	if !errors.Is(r.Err(), err) {
		t.Errorf("Err() = %v, want %v", r.Err(), err)
	}
}

func TestSummarize(t *testing.T) {
	cause := errors.New("quota")
	got := Summarize([]Result{
		NewOK(0, "1"),
		NewOK(1, "2"),
		NewError(2, cause),
		NewSkipped(3, cause),
		NewSkipped(4, cause),
	})
	want := Summary{OK: 2, Failed: 1, Skipped: 2}
	if got != want {
		t.Errorf("Summarize() = %+v, want %+v", got, want)
	}
}
