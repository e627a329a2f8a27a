package global

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSecret(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		secret string
		ok     bool
	}{
		{"empty", "", false},
		{"too short", "shhh", false},
		{"one byte short", strings.Repeat("x", MinSecretLength-1), false},
		{"minimum length", strings.Repeat("x", MinSecretLength), true},
		{"longer than minimum", strings.Repeat("x", MinSecretLength+10), true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateSecret(test.secret)
			if test.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
