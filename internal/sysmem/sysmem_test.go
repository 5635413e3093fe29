package sysmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTotalBytes(t *testing.T) {
	total := TotalBytes()
	assert.Positive(t, total)
	assert.LessOrEqual(t, DefaultCapacityBytes(), total)
	assert.Positive(t, DefaultCapacityBytes())
}
