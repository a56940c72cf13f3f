package format

import (
	"testing"
)

func TestHumanBytes(t *testing.T) {
	type testCase struct {
		input    int64
		expected string
	}

	tests := []testCase{
		{0, "0 B"},
		{999, "999 B"},
		{1001, "1.0 KB"},
		{65536, "65.5 KB"},
		{1500000, "1.5 MB"},
		{6800000000, "6.8 GB"},
		{120000000000, "120.0 GB"},
	}

	for _, tc := range tests {
		t.Run(tc.expected, func(t *testing.T) {
			result := HumanBytes(tc.input)
			if result != tc.expected {
				t.Errorf("Expected %s, got %s", tc.expected, result)
			}
		})
	}
}
