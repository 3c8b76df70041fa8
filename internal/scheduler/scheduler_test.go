package scheduler

import "testing"

func TestCronSpec(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "02:30", want: "30 2 * * *"},
		{input: "0:00", want: "0 0 * * *"},
		{input: "23:59", want: "59 23 * * *"},
		{input: "24:00", wantErr: true},
		{input: "12:60", wantErr: true},
		{input: "noon", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := cronSpec(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("cronSpec(%q) expected error, got %q", tt.input, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("cronSpec(%q) unexpected error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("cronSpec(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
