package gitsource

import (
	"testing"
)

func TestIsGitURL(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"https://github.com/user/cards.git", true},
		{"http://example.com/cards.git", true},
		{"git@github.com:user/cards.git", true},
		{"/home/user/cards.git", true},
		{"/home/user/notes", false},
		{"notes.md", false},
	}
	for _, tc := range cases {
		if got := IsGitURL(tc.path); got != tc.want {
			t.Errorf("IsGitURL(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestMirrorPath(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://github.com/user/cards.git", "/base/github.com/user/cards"},
		{"https://github.com/user/cards", "/base/github.com/user/cards"},
		{"git@github.com:user/cards.git", "/base/github.com/user/cards"},
	}
	for _, tc := range cases {
		got, err := MirrorPath("/base", tc.url)
		if err != nil {
			t.Errorf("MirrorPath(%q) failed: %v", tc.url, err)
			continue
		}
		if got != tc.want {
			t.Errorf("MirrorPath(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestMirrorPathRejectsGarbage(t *testing.T) {
	if _, err := MirrorPath("/base", "not a url at all"); err == nil {
		t.Error("Expected an error for an unparseable URL")
	}
}
