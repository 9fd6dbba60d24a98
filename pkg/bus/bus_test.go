package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestSubjectMatches tests subject pattern matching, including subjects
// that themselves contain wildcards
func TestSubjectMatches(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		match   bool
	}{
		{"call.test.model", "call.test.model", true},
		{"call.test.model", "call.test.other", false},
		{"call.test.*", "call.test.model", true},
		{"call.test.*", "call.test.model.set", false},
		{"call.test.>", "call.test.model", true},
		{"call.test.>", "call.test.model.set", true},
		{"call.test.>", "call.test", false},
		{"call.*.model", "call.test.model", true},
		{">", "anything.at.all", true},
		{">", "", false},

		// Wildcards in the subject: a pattern token only matches an
		// equal or wider subject token
		{"call.test.>", "call.test.model.*", true},
		{"call.test.>", "call.test.>", true},
		{"call.test.*", "call.test.*", true},
		{"call.test.model", "call.test.*", false},
		{"call.test.model.*", "call.test.>", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" / "+tt.subject, func(t *testing.T) {
			assert.Equal(t, tt.match, SubjectMatches(tt.pattern, tt.subject))
		})
	}
}
