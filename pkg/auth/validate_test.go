package auth

import (
	"strings"
	"testing"

	"github.com/octaskly/octaskly/pkg/dispatchererr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		wantErr bool
	}{
		{"ordinary command", "echo hello", false},
		{"empty command", "", true},
		{"rm -rf root", "rm -rf /", true},
		{"rm -rf root glob", "rm -rf /*", true},
		{"fork bomb", ":(){ :|:& };:", true},
		{"mkfs", "mkfs.ext4 /dev/sda1", true},
		{"dd to raw device", "dd if=/dev/zero of=/dev/sda", true},
		{"backtick substitution", "echo `whoami`", true},
		{"dollar paren substitution", "echo $(whoami)", true},
		{"raw device write redirect", "echo x > /dev/sda", true},
		{"command at exactly max bytes", strings.Repeat("a", MaxCommandBytes), false},
		{"command over max bytes", strings.Repeat("a", MaxCommandBytes+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCommand(tt.command)
			if tt.wantErr {
				require.Error(t, err)
				de, ok := dispatchererr.As(err)
				require.True(t, ok)
				assert.Equal(t, dispatchererr.Validation, de.Kind)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTimeout(t *testing.T) {
	defaultTimeout := DefaultTimeoutSeconds
	min := MinTimeoutSeconds
	max := MaxTimeoutSeconds
	overMax := MaxTimeoutSeconds + 1
	underMin := MinTimeoutSeconds - 1

	tests := []struct {
		name      string
		requested *int
		want      int
		wantErr   bool
	}{
		{"nil uses default", nil, defaultTimeout, false},
		{"minimum accepted", &min, min, false},
		{"maximum accepted", &max, max, false},
		{"over maximum rejected", &overMax, 0, true},
		{"under minimum rejected", &underMin, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateTimeout(tt.requested)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
