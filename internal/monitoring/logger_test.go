package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	assert.True(t, called)

	called = false
	SetLogger(nil)
	Logf("test message")
	assert.False(t, called, "nil installs a no-op logger")
}

func TestPrefixed(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) { got = fmt.Sprintf(format, v...) })
	Prefixed("ekf3 core1")("lane %d", 1)
	assert.Equal(t, "[ekf3 core1] lane 1", got)
}

func TestLimiter(t *testing.T) {
	t.Parallel()
	var lines []string
	l := NewLimiter(1000, func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	assert.True(t, l.Logf(0, "gps", "gps rejected"))
	assert.False(t, l.Logf(500, "gps", "gps rejected"))
	assert.False(t, l.Logf(900, "gps", "gps rejected"))
	assert.True(t, l.Logf(900, "mag", "mag rejected"), "kinds are independent")
	assert.True(t, l.Logf(1000, "gps", "gps rejected"))

	assert.Equal(t, []string{"gps rejected", "mag rejected", "gps rejected (2 suppressed)"}, lines)

	l.Reset()
	assert.True(t, l.Logf(1001, "gps", "again"))
}
