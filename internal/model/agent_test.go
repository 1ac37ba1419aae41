package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgent_HasCapability(t *testing.T) {
	a := Agent{Capabilities: []Capability{
		{Type: "quote", Configured: true},
		{Type: "catalog_sync", Configured: false},
	}}
	assert.True(t, a.HasCapability("quote"))
	assert.False(t, a.HasCapability("catalog_sync"))
	assert.False(t, a.HasCapability("video"))
}
