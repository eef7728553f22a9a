package main

import "testing"

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"A=1", "URL=postgres://u:p@h/db?x=y", "EMPTY="})
	if err != nil {
		t.Fatalf("parseAssignments: %v", err)
	}
	if got["A"] != "1" || got["URL"] != "postgres://u:p@h/db?x=y" || got["EMPTY"] != "" {
		t.Fatalf("got %v", got)
	}
	for _, bad := range []string{"NOVALUE", "=x", " =x"} {
		if _, err := parseAssignments([]string{bad}); err == nil {
			t.Fatalf("%q accepted", bad)
		}
	}
}

func TestRevealAllowed(t *testing.T) {
	cases := []struct {
		terminal, reveal, want bool
	}{
		{true, false, true},
		{false, false, false},
		{false, true, true},
	}
	for _, tc := range cases {
		if got := revealAllowed(tc.terminal, tc.reveal); got != tc.want {
			t.Fatalf("revealAllowed(%v, %v) = %v", tc.terminal, tc.reveal, got)
		}
	}
}

func TestMultiFlag(t *testing.T) {
	var m multiFlag
	_ = m.Set("a")
	_ = m.Set("b")
	if m.String() != "a,b" {
		t.Fatalf("multiFlag = %q", m.String())
	}
}

func TestEventsURL(t *testing.T) {
	got, err := eventsURL("http://localhost:4100/", "site")
	if err != nil || got != "ws://localhost:4100/events/site" {
		t.Fatalf("eventsURL = %q, %v", got, err)
	}
	got, err = eventsURL("https://ops.example.com", "*")
	if err != nil || got != "wss://ops.example.com/events/%2A" {
		t.Fatalf("eventsURL = %q, %v", got, err)
	}
	if _, err := eventsURL("ftp://x", "site"); err == nil {
		t.Fatal("ftp accepted")
	}
}
