package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type recorder struct {
	failed string
}

func (r *recorder) Helper() {}

func (r *recorder) Fatalf(format string, args ...any) {
	r.failed = fmt.Sprintf(format, args...)
}

func TestRequireReceive(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 4
	assert.Equal(t, 4, RequireReceive(t, ch, time.Second))
}

func TestEventuallyTimesOut(t *testing.T) {
	r := &recorder{}
	Eventually(r, func() bool { return r.failed != "" }, 20*time.Millisecond, "waiting for %s", "x")
	assert.Equal(t, "condition not met after 20ms: waiting for x", r.failed)
}

func TestRequireClosed(t *testing.T) {
	ch := make(chan struct{})
	close(ch)
	RequireClosed(t, ch, time.Second)
}
