package autodown

import (
	"errors"
	"testing"
)

func TestParseAction(t *testing.T) {
	cases := []struct {
		in      string
		want    Action
		wantErr bool
	}{
		{"scheduled", ActionScheduled, false},
		{"EXECUTED", ActionExecuted, false},
		{" Skipped ", ActionSkipped, false},
		{"error", ActionError, false},
		{"canceled", ActionCanceled, false},
		{"cancelled", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := ParseAction(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidAction) {
				t.Fatalf("ParseAction(%q) err = %v, want ErrInvalidAction", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseAction(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestActionItems(t *testing.T) {
	items := ActionItems()
	if len(items) != 5 {
		t.Fatalf("got %d items, want 5", len(items))
	}
	if items[3].Value != "error" || items[3].Label != "Execution error" {
		t.Fatalf("unexpected item: %+v", items[3])
	}
	for _, a := range Actions() {
		if !a.Valid() || a.Label() == "" {
			t.Fatalf("action %q invalid or unlabeled", a)
		}
	}
}

func TestTruncateDescription(t *testing.T) {
	short := "Took down SPU-1"
	if got := truncateDescription(short); got != short {
		t.Fatalf("short description changed: %q", got)
	}
}
