package agent

import (
	"path/filepath"
	"testing"
)

func TestPathGuard(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	guard, err := NewPathGuard([]string{root})
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"root itself", root, false},
		{"child dir", filepath.Join(root, "svc", "api"), false},
		{"outside root", other, true},
		{"traversal escape", filepath.Join(root, "..", "etc"), true},
		{"prefix sibling", root + "-evil", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := guard.Validate(tt.path)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Validate(%q) = %q, want error", tt.path, got)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate(%q): %v", tt.path, err)
			}
		})
	}
}

func TestPathGuardNormalizes(t *testing.T) {
	root := t.TempDir()
	guard, err := NewPathGuard([]string{root})
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}

	messy := filepath.Join(root, "a", "..", "b", ".", "c")
	got, err := guard.Validate(messy)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	want := filepath.Join(root, "b", "c")
	if got != want {
		t.Errorf("normalized = %q, want %q", got, want)
	}
}
