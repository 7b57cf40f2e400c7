package textutil

import "testing"

func TestPathToken(t *testing.T) {
	cases := map[string]string{
		"senate.judiciary":    "senate.judiciary",
		"House / Energy & Co": "house_energy_co",
		"  ":                  "unknown",
		"../etc":              "etc",
		"a__b":                "a_b",
	}
	for in, want := range cases {
		if got := PathToken(in); got != want {
			t.Fatalf("PathToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCommitteeName(t *testing.T) {
	if got := CommitteeName("house.energy_commerce"); got != "House Energy Commerce" {
		t.Fatalf("CommitteeName = %q", got)
	}
	if got := CommitteeName(""); got != "Unknown Committee" {
		t.Fatalf("CommitteeName empty = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello world", 5); got != "hell…" {
		t.Fatalf("Truncate = %q", got)
	}
	if got := Truncate("short", 10); got != "short" {
		t.Fatalf("Truncate = %q", got)
	}
}
