package safety

import (
	"errors"
	"strings"
	"testing"
)

func TestCleanArtifactPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "a/b/c.txt", want: "a/b/c.txt"},
		{in: "/a/b/", want: "a/b"},
		{in: "a//b/./c", want: "a/b/c"},
		{in: "", wantErr: true},
		{in: "/", wantErr: true},
		{in: "../escape.txt", wantErr: true},
		{in: "a/../../b", wantErr: true},
	}

	for _, tt := range tests {
		got, err := CleanArtifactPath(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("CleanArtifactPath(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("CleanArtifactPath(%q) returned error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("CleanArtifactPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestJoinUnder(t *testing.T) {
	root := t.TempDir()

	okPath, err := JoinUnder(root, "/proj/repo/file.bin")
	if err != nil {
		t.Fatalf("JoinUnder returned error: %v", err)
	}
	if !strings.HasPrefix(okPath, root) {
		t.Fatalf("path %q is not under root %q", okPath, root)
	}

	if _, err := JoinUnder(root, "../escape.txt"); err == nil {
		t.Fatal("expected traversal path to fail")
	}
}

func TestEnsureUnderRoot(t *testing.T) {
	root := t.TempDir()
	if _, err := EnsureUnderRoot(root, root+"/child/file.txt"); err != nil {
		t.Fatalf("EnsureUnderRoot failed for child path: %v", err)
	}
	if _, err := EnsureUnderRoot(root, root+"/../escape"); err == nil {
		t.Fatal("expected escape path to fail")
	}
}

func TestHasPathPrefix(t *testing.T) {
	if !HasPathPrefix("docs/a.txt", "docs") {
		t.Error("docs/a.txt should be under docs")
	}
	if !HasPathPrefix("docs", "docs") {
		t.Error("docs should match itself")
	}
	if HasPathPrefix("docsify/a.txt", "docs") {
		t.Error("docsify/a.txt should not be under docs")
	}
	if !HasPathPrefix("anything", "") {
		t.Error("empty prefix matches everything")
	}
}

func TestReadAllWithLimit(t *testing.T) {
	_, err := ReadAllWithLimit(strings.NewReader("abc"), 2)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}

	data, err := ReadAllWithLimit(strings.NewReader("abc"), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "abc" {
		t.Fatalf("unexpected data: %q", string(data))
	}

	if got := ErrorSnippet(strings.NewReader("  quota exceeded  \n"), 64); got != "quota exceeded" {
		t.Fatalf("ErrorSnippet = %q", got)
	}
}

func TestValidateClusterURL(t *testing.T) {
	valid := []string{"http://edge:8080", "https://edge.example.com/base"}
	for _, raw := range valid {
		if _, err := ValidateClusterURL(raw); err != nil {
			t.Errorf("ValidateClusterURL(%q) returned error: %v", raw, err)
		}
	}

	invalid := []string{"ftp://edge", "http://", "http://user:pw@edge", "http://edge?x=1", "::bad"}
	for _, raw := range invalid {
		if _, err := ValidateClusterURL(raw); err == nil {
			t.Errorf("ValidateClusterURL(%q) succeeded, want error", raw)
		}
	}
}
