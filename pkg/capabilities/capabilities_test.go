package capabilities

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectAlwaysReportsArchitecture(t *testing.T) {
	caps := Detect(context.Background())
	assert.NotEmpty(t, caps["architecture"])
}

func TestBytesToGB(t *testing.T) {
	assert.InDelta(t, 1.0, bytesToGB(1<<30), 0.0001)
}
