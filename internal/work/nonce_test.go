package work

import "testing"

func TestNonceRange_Validate(t *testing.T) {
	tests := []struct {
		name    string
		r       NonceRange
		wantErr bool
	}{
		{"full range", FullRange(), false},
		{"single nonce", NonceRange{Start: 7, Count: 1}, false},
		{"last nonce", NonceRange{Start: 0xffffffff, Count: 1}, false},
		{"empty", NonceRange{Start: 0, Count: 0}, true},
		{"wraps", NonceRange{Start: 0xffffffff, Count: 2}, true},
		{"too large", NonceRange{Start: 0, Count: NonceSpace + 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNonceRange_Contains(t *testing.T) {
	r := NonceRange{Start: 2083236890, Count: 8}

	tests := []struct {
		nonce uint32
		want  bool
	}{
		{2083236889, false},
		{2083236890, true},
		{2083236893, true},
		{2083236897, true},
		{2083236898, false},
		{0, false},
	}

	for _, tt := range tests {
		if got := r.Contains(tt.nonce); got != tt.want {
			t.Errorf("Contains(%d) = %v, want %v", tt.nonce, got, tt.want)
		}
	}

	full := FullRange()
	if !full.Contains(0) || !full.Contains(0xffffffff) {
		t.Error("full range must contain every nonce")
	}
}

func TestNonceRange_String(t *testing.T) {
	if got := FullRange().String(); got != "[0, 4294967296)" {
		t.Errorf("String() = %q", got)
	}
}

func TestPassOutput_Found(t *testing.T) {
	if (PassOutput{}).Found() {
		t.Error("zero counter must not report found")
	}
	if !(PassOutput{Counter: 1}).Found() {
		t.Error("non-zero counter must report found")
	}
}
