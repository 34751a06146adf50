package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTempKey(t *testing.T) {
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", TempKey(1))
	assert.Equal(t, "00000000-0000-0000-0000-123456789012", TempKey(123456789012))

	assert.True(t, IsTempKey(TempKey(42)))
	assert.False(t, IsTempKey("srv-1"))
	assert.False(t, IsTempKey("00000000-0000-0000-0000-00000000001"), "eleven digits")
	assert.False(t, IsTempKey(1))
	assert.False(t, IsTempKey(nil))
}

func TestKeyString(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"nil", nil, ""},
		{"string", "abc", "abc"},
		{"int", 10, "10"},
		{"float integral", 10.0, "10"},
		{"float fraction", 2.5, "2.5"},
		{"int64", int64(-3), "-3"},
		{"json number", json.Number("30"), "30"},
		{"bool", true, "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KeyString(tt.input))
		})
	}
}

func TestIsEmptyKey(t *testing.T) {
	assert.True(t, IsEmptyKey(nil))
	assert.True(t, IsEmptyKey(""))
	assert.True(t, IsEmptyKey("  "))
	assert.False(t, IsEmptyKey(0))
	assert.False(t, IsEmptyKey("x"))
}
