package observer

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEmitOrderAndDispose(t *testing.T) {
	var l List[int]
	var got []string
	stopA := l.Add(func(v int) { got = append(got, "a") })
	l.Add(func(v int) { got = append(got, "b") })

	l.Emit(1)
	stopA()
	stopA()
	l.Emit(2)

	assert.Equal(t, []string{"a", "b", "b"}, got)
	assert.Equal(t, 1, l.Len())
}

func TestDisposeDuringEmit(t *testing.T) {
	var l List[int]
	calls := 0
	var stopB func()
	l.Add(func(int) { stopB() })
	stopB = l.Add(func(int) { calls++ })

	l.Emit(1)
	l.Emit(2)
	assert.Equal(t, 0, calls)
}
