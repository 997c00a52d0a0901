package cache

import (
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCacheSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(path)
	assert.Equal(t, nil, err)

	missing, err := c.Get("b1")
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(missing))

	assert.Equal(t, nil, c.Put("b1", []byte("state")))
	assert.Equal(t, nil, c.Close())

	c, err = Open(path)
	assert.Equal(t, nil, err)
	defer c.Close()
	got, err := c.Get("b1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "state", string(got))

	assert.Equal(t, nil, c.Delete("b1"))
	got, err = c.Get("b1")
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(got))
}
