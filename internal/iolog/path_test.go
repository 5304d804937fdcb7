package iolog

import (
	"errors"
	"testing"
)

func TestExpand(t *testing.T) {
	vars := Vars{
		User:       "alice",
		Group:      "staff",
		RunAsUser:  "root",
		RunAsGroup: "wheel",
		Hostname:   "build01",
		Command:    "/usr/bin/vim",
		UUID:       "6f1c",
	}
	seq := func() (string, error) { return "00002A", nil }

	tests := []struct {
		tmpl string
		want string
	}{
		{"%{seq}", "00/00/2A"},
		{"%{user}/%{seq}", "alice/00/00/2A"},
		{"%{hostname}/%{runas_user}-%{runas_group}/%{command}", "build01/root-wheel/vim"},
		{"%{group}/%{uuid}", "staff/6f1c"},
		{"100%%/%{user}", "100%/alice"},
		{"plain", "plain"},
		{"trailing%", "trailing%"},
		{"%x", "%x"},
	}
	for _, tt := range tests {
		t.Run(tt.tmpl, func(t *testing.T) {
			got, err := Expand(tt.tmpl, vars, seq)
			if err != nil {
				t.Fatalf("Expand(%q): %v", tt.tmpl, err)
			}
			if got != tt.want {
				t.Errorf("Expand(%q) = %q, want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}

func TestExpandOnlyAllocatesSeqWhenUsed(t *testing.T) {
	called := false
	seq := func() (string, error) { called = true; return "000001", nil }
	if _, err := Expand("%{user}", Vars{User: "bob"}, seq); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("seq allocated for a template without %{seq}")
	}
}

func TestExpandErrors(t *testing.T) {
	seqErr := errors.New("locked")
	tests := []struct {
		name string
		tmpl string
		vars Vars
		seq  func() (string, error)
	}{
		{"unknown escape", "%{nope}", Vars{}, nil},
		{"unterminated", "%{user", Vars{User: "x"}, nil},
		{"seq failure", "%{seq}", Vars{}, func() (string, error) { return "", seqErr }},
		{"absolute", "/abs/%{user}", Vars{User: "x"}, nil},
		{"climbs out", "../%{user}", Vars{User: "x"}, nil},
		{"empty", "", Vars{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Expand(tt.tmpl, tt.vars, tt.seq); err == nil {
				t.Errorf("Expand(%q) should fail", tt.tmpl)
			}
		})
	}
}

func TestExpandKeepsValuesInOneElement(t *testing.T) {
	got, err := Expand("%{user}", Vars{User: "../../etc"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != ".._.._etc" {
		t.Errorf("Expand = %q", got)
	}
	got, err = Expand("%{user}", Vars{User: ".."}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "_" {
		t.Errorf("Expand = %q", got)
	}
}
