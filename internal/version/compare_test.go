package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckConfigCompatibility(t *testing.T) {
	tests := []struct {
		name          string
		binaryVersion string
		configVersion string
		expectError   bool
		errorContains string
	}{
		{
			name:          "exact match",
			binaryVersion: "1.2.0",
			configVersion: "1.2.0",
			expectError:   false,
		},
		{
			name:          "patch differs",
			binaryVersion: "1.2.1",
			configVersion: "1.2.0",
			expectError:   false,
		},
		{
			name:          "with v prefix",
			binaryVersion: "v1.2.0",
			configVersion: "1.2.3",
			expectError:   false,
		},
		{
			name:          "minor differs",
			binaryVersion: "1.3.0",
			configVersion: "1.2.0",
			expectError:   true,
			errorContains: "minor version mismatch",
		},
		{
			name:          "major differs",
			binaryVersion: "2.0.0",
			configVersion: "1.2.0",
			expectError:   true,
			errorContains: "major version mismatch",
		},
		{
			name:          "binary dev build skips check",
			binaryVersion: "main",
			configVersion: "1.2.0",
			expectError:   false,
		},
		{
			name:          "config dev build skips check",
			binaryVersion: "1.2.0",
			configVersion: "main",
			expectError:   false,
		},
		{
			name:          "invalid binary version",
			binaryVersion: "not-a-version",
			configVersion: "1.2.0",
			expectError:   true,
			errorContains: "invalid binary version",
		},
		{
			name:          "invalid config version",
			binaryVersion: "1.2.0",
			configVersion: "not-a-version",
			expectError:   true,
			errorContains: "invalid config version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckConfigCompatibility(tt.binaryVersion, tt.configVersion)
			if tt.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
