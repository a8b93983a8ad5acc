package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeName(t *testing.T) {
	assert.Equal(t, "host", nodeName("host", "", 0, 1))
	assert.Equal(t, "host_web", nodeName("host", "web", 0, 1))
	assert.Equal(t, "host_web_3", nodeName("host", "web", 3, 10))
	assert.Equal(t, "host_0", nodeName("host", "", 0, 2))
}

func TestPayload(t *testing.T) {
	var p map[string]string
	require.NoError(t, json.Unmarshal(payload(), &p))
	assert.NotEmpty(t, p["time"])
}
