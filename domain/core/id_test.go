package core

import (
	"testing"
)

// TestNewContentID tests that content ids are stable per hash
func TestNewContentID(t *testing.T) {
	a := NewContentID(NewHash([]byte("artifact")))
	b := NewContentID(NewHash([]byte("artifact")))
	c := NewContentID(NewHash([]byte("other")))

	if a != b {
		t.Errorf("Expected identical ids for identical content, got %s and %s", a, b)
	}
	if a == c {
		t.Errorf("Expected different ids for different content, got %s twice", a)
	}
}

// TestParseChannelName tests channel name parsing
func TestParseChannelName(t *testing.T) {
	tests := []struct {
		input    string
		expected ChannelName
		hasError bool
	}{
		{"ch0_plus", ChannelName("ch0_plus"), false},
		{"", "", true},
		{"   ", "", true},
		{"a/b", "", true},
	}

	for _, test := range tests {
		result, err := ParseChannelName(test.input)
		if test.hasError && err == nil {
			t.Errorf("Expected error for input '%s', but got none", test.input)
		}
		if !test.hasError && err != nil {
			t.Errorf("Unexpected error for input '%s': %v", test.input, err)
		}
		if test.hasError && !IsConfigurationError(err) {
			t.Errorf("Expected configuration error for input '%s', got %v", test.input, err)
		}
		if result != test.expected {
			t.Errorf("Expected %s, got %s", test.expected, result)
		}
	}
}

// TestHasherFieldBoundaries tests that adjacent fields do not alias
func TestHasherFieldBoundaries(t *testing.T) {
	a := NewHasher().String("ab").String("c").Sum()
	b := NewHasher().String("a").String("bc").Sum()
	if a == b {
		t.Error("Expected different hashes for differently split strings")
	}

	f1 := NewHasher().Floats([]float64{1, 2}).Sum()
	f2 := NewHasher().Floats([]float64{1, 2}).Sum()
	if f1 != f2 {
		t.Error("Expected identical float hashes")
	}
}
