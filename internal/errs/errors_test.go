package errs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigurationError_Error(t *testing.T) {
	err := New(CodePagingWithoutOrder, "paging requires at least one ordering")
	assert.Equal(t, "PAGING_WITHOUT_ORDER: paging requires at least one ordering", err.Error())

	withDetails := err.With("page_size", "10").With("page", "2")
	assert.Equal(t, "PAGING_WITHOUT_ORDER: paging requires at least one ordering (page=2, page_size=10)", withDetails.Error())
	assert.Empty(t, err.Details, "With must not mutate the receiver")
}

func TestIsConfiguration_Wrapped(t *testing.T) {
	base := New(CodeAlreadyMapped, "entity already mapped")
	wrapped := fmt.Errorf("attach: %w", base)

	assert.True(t, IsConfiguration(wrapped))
	assert.True(t, HasCode(wrapped, CodeAlreadyMapped))
	assert.False(t, HasCode(wrapped, CodeUnknownType))
	assert.False(t, IsConfiguration(fmt.Errorf("network down")))
}
