package session

import "testing"

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "default", false},
		{"valid with numbers", "work123", false},
		{"valid with hyphen", "my-session", false},
		{"valid with underscore", "my_session", false},
		{"empty", "", true},
		{"uppercase", "Default", true},
		{"space", "my session", true},
		{"dot", "my.session", true},
		{"slash", "my/session", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	if got := Resolve(""); got != DefaultName {
		t.Errorf("Resolve(\"\") = %q, want %q", got, DefaultName)
	}
	if got := Resolve("work"); got != "work" {
		t.Errorf("Resolve(\"work\") = %q, want \"work\"", got)
	}
}
