package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCSV(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"empty", "", nil},
		{"whitespace only", "  ,  , ", nil},
		{"single", "groceries", []string{"groceries"}},
		{"trims", " a , b ,c ", []string{"a", "b", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseCSV(tt.input))
		})
	}
}

func TestParseIDs(t *testing.T) {
	ids, ok := ParseIDs("3, 5,8")
	assert.True(t, ok)
	assert.Equal(t, []int64{3, 5, 8}, ids)

	_, ok = ParseIDs("3,x")
	assert.False(t, ok)

	_, ok = ParseIDs("0")
	assert.False(t, ok)

	ids, ok = ParseIDs("")
	assert.True(t, ok)
	assert.Empty(t, ids)
}

func TestNormalizeCurrency(t *testing.T) {
	assert.Equal(t, "UAH", NormalizeCurrency(" uah "))
}

func TestUniqueIDs(t *testing.T) {
	assert.Equal(t, []int64{4, 1, 9}, UniqueIDs([]int64{4, 1, 4, 9, 1}))
}
