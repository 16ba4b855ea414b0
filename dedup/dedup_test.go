package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFilterWithinWindow(t *testing.T) {
	d := New(0)
	now := time.Now()

	assert.True(t, d.Filter("E200", now))
	assert.False(t, d.Filter("E200", now.Add(200*time.Millisecond)))
	assert.True(t, d.Filter("OTHER", now.Add(200*time.Millisecond)))
}

func TestFilterAfterWindow(t *testing.T) {
	d := New(500 * time.Millisecond)
	now := time.Now()

	assert.True(t, d.Filter("E200", now))
	assert.True(t, d.Filter("E200", now.Add(600*time.Millisecond)))
}

func TestFilterDebounceRestartsOnForward(t *testing.T) {
	d := New(500 * time.Millisecond)
	now := time.Now()

	assert.True(t, d.Filter("E200", now))
	// dropped reads do not extend the window
	assert.False(t, d.Filter("E200", now.Add(400*time.Millisecond)))
	assert.True(t, d.Filter("E200", now.Add(500*time.Millisecond)))
}

func TestPrune(t *testing.T) {
	d := New(0)
	now := time.Now()

	d.Filter("A", now)
	d.Filter("B", now.Add(time.Second))
	assert.Equal(t, 2, d.Len())

	d.Filter("C", now.Add(6*time.Second))
	assert.Equal(t, 2, d.Len(), "A is past the retention horizon")
}

func TestMaxEntries(t *testing.T) {
	d := New(0)
	d.maxEntries = 3
	now := time.Now()

	for i := 0; i < 5; i++ {
		d.Filter(fmt.Sprintf("T%d", i), now.Add(time.Duration(i)*time.Millisecond))
	}
	assert.Equal(t, 3, d.Len())
	// T0 was evicted, so it is forwarded again even inside the window
	assert.True(t, d.Filter("T0", now.Add(10*time.Millisecond)))
}

func TestReset(t *testing.T) {
	d := New(0)
	now := time.Now()
	d.Filter("A", now)
	d.Reset()
	assert.True(t, d.Filter("A", now))
}
