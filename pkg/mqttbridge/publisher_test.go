package mqttbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNopPublisher(t *testing.T) {
	p := NewNopPublisher()

	// drops everything without side effects
	p.Publish("detection", map[string]string{"species": "deer"})
	p.Publish("status", nil)

	published, failed := p.Counters()
	assert.Equal(t, int64(0), published)
	assert.Equal(t, int64(0), failed)

	p.Close()
}
