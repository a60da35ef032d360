package policy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSnapshotReflectsSetters(t *testing.T) {
	s := NewStore(Defaults())
	assert.Equal(t, Defaults(), s.Snapshot())

	s.SetAutoAnswer(false)
	s.SetFullScreenOnAnswer(false)
	assert.Equal(t, Settings{AutoAcceptScreenSharing: true}, s.Snapshot())

	s.SetAutoAcceptScreenSharing(false)
	assert.Equal(t, Settings{}, s.Snapshot())

	s.Set(Settings{FullScreenOnAnswer: true})
	assert.Equal(t, Settings{FullScreenOnAnswer: true}, s.Snapshot())
}

func TestStoreNotifiesOnlyOnChange(t *testing.T) {
	s := NewStore(Defaults())
	var seen []Settings
	s.Subscribe(func(v Settings) { seen = append(seen, v) })

	s.SetAutoAnswer(true)
	require.Empty(t, seen, "no-op write must not notify")

	s.SetAutoAnswer(false)
	require.Len(t, seen, 1)
	assert.False(t, seen[0].AutoAnswer)
	assert.True(t, seen[0].FullScreenOnAnswer)
}

func TestToggleAutoAnswer(t *testing.T) {
	s := NewStore(Defaults())
	assert.False(t, s.ToggleAutoAnswer())
	assert.False(t, s.Snapshot().AutoAnswer)
	assert.True(t, s.ToggleAutoAnswer())
	assert.True(t, s.Snapshot().AutoAnswer)
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore(Defaults())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.ToggleAutoAnswer()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = s.Snapshot()
			}
		}()
	}
	wg.Wait()
	// 8 goroutines x 100 toggles is an even number of flips.
	assert.True(t, s.Snapshot().AutoAnswer)
}

func TestStoreNotifiesConcurrentChangesInOrder(t *testing.T) {
	s := NewStore(Defaults())
	var seen []bool
	s.Subscribe(func(v Settings) { seen = append(seen, v.AutoAnswer) })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.ToggleAutoAnswer()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, 200)
	for i, v := range seen {
		// Toggles starting from true alternate false, true, ...
		require.Equal(t, i%2 == 1, v, "notification %d out of order", i)
	}
	assert.Equal(t, seen[len(seen)-1], s.Snapshot().AutoAnswer)
}

func TestFuncsRebinding(t *testing.T) {
	answer := true
	f := &Funcs{
		AutoAnswer: func() bool { return answer },
	}
	assert.Equal(t, Settings{AutoAnswer: true}, f.Snapshot())

	answer = false
	assert.False(t, f.Snapshot().AutoAnswer)

	f.AutoAcceptScreenSharing = func() bool { return true }
	assert.True(t, f.Snapshot().AutoAcceptScreenSharing)
}
