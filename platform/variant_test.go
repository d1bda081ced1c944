package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseVariant(t *testing.T) {
	for input, expected := range map[string]Variant{
		"auto":       Auto,
		"oss":        Community,
		"Community":  Community,
		"enterprise": Enterprise,
		" ee ":       Enterprise,
	} {
		v, err := ParseVariant(input)
		assert.NoError(t, err, input)
		assert.Equal(t, expected, v, input)
	}

	_, err := ParseVariant("premium")
	assert.Error(t, err)
}

func TestVariantResolved(t *testing.T) {
	assert.False(t, Auto.Resolved())
	assert.True(t, Community.Resolved())
	assert.True(t, Enterprise.Resolved())
}
