package outcome

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestResultStates(t *testing.T) {
	ok := Ok(42)
	assert.True(t, ok.IsOK())
	assert.True(t, ok.Usable())
	assert.Equal(t, 42, ok.Value)

	deg := Degraded(7, "cache_miss", errors.New("redis: nil"))
	assert.False(t, deg.IsOK())
	assert.True(t, deg.Usable())
	assert.Equal(t, 7, deg.Value)
	assert.Equal(t, "degraded", deg.Status.String())

	fail := Fail[int]("ledger_down", errors.New("dial tcp"))
	assert.False(t, fail.Usable())
	assert.Equal(t, 0, fail.Value)
}

func TestLogOnlyNonOK(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)

	Ok("x").Log(l, "cache")
	assert.Empty(t, buf.String())

	Degraded("x", "cache_unavailable", errors.New("timeout")).Log(l, "cache")
	assert.Contains(t, buf.String(), `"reason":"cache_unavailable"`)
	assert.Contains(t, buf.String(), `"level":"warn"`)
}
