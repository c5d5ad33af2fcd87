package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reading(temperature float64) Reading {
	return Reading{
		Temperature: temperature,
		Humidity:    50,
		Device:      "test-device",
		Timestamp:   time.Now(),
	}
}

func TestStateStorePlaceholder(t *testing.T) {
	s := NewStateStore(DefaultHistoryCapacity)

	current := s.Current()
	assert.Equal(t, UnknownDevice, current.Device)
	assert.False(t, current.Timestamp.IsZero())
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Recent(DefaultQueryLimit))
}

func TestStateStoreUpdate(t *testing.T) {
	s := NewStateStore(10)

	s.Update(reading(21.5))
	assert.Equal(t, 21.5, s.Current().Temperature)
	assert.Equal(t, 1, s.Len())

	s.Update(reading(22.0))
	assert.Equal(t, 22.0, s.Current().Temperature)
	assert.Equal(t, 2, s.Len())
}

func TestStateStoreRepeatedReadsReturnSameValue(t *testing.T) {
	s := NewStateStore(10)
	s.Update(reading(21.5))

	assert.Equal(t, s.Current(), s.Current())
	assert.Equal(t, s.Recent(10), s.Recent(10))
}

func TestStateStoreRecentOrder(t *testing.T) {
	s := NewStateStore(10)
	for i := 0; i < 5; i++ {
		s.Update(reading(float64(i)))
	}

	recent := s.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, 2.0, recent[0].Temperature)
	assert.Equal(t, 3.0, recent[1].Temperature)
	assert.Equal(t, 4.0, recent[2].Temperature)
}

func TestStateStoreRecentCappedBySize(t *testing.T) {
	s := NewStateStore(10)
	for i := 0; i < 3; i++ {
		s.Update(reading(float64(i)))
	}

	assert.Len(t, s.Recent(50), 3)
	assert.Nil(t, s.Recent(0))
}

func TestStateStoreEviction(t *testing.T) {
	s := NewStateStore(5)
	for i := 0; i < 8; i++ {
		s.Update(reading(float64(i)))
	}

	require.Equal(t, 5, s.Len())

	recent := s.Recent(5)
	require.Len(t, recent, 5)
	assert.Equal(t, 3.0, recent[0].Temperature)
	assert.Equal(t, 7.0, recent[4].Temperature)
}

func TestStateStoreEvictionAtFullCapacity(t *testing.T) {
	s := NewStateStore(DefaultHistoryCapacity)
	for i := 0; i < DefaultHistoryCapacity+50; i++ {
		s.Update(reading(float64(i)))
	}

	require.Equal(t, DefaultHistoryCapacity, s.Len())

	recent := s.Recent(DefaultHistoryCapacity)
	require.Len(t, recent, DefaultHistoryCapacity)
	assert.Equal(t, 50.0, recent[0].Temperature)
	assert.Equal(t, float64(DefaultHistoryCapacity+49), recent[len(recent)-1].Temperature)
}

func TestStateStoreConcurrentAccess(t *testing.T) {
	s := NewStateStore(DefaultHistoryCapacity)

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			s.Update(reading(float64(i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_ = s.Current()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_ = s.Recent(DefaultQueryLimit)
		}
	}()

	wg.Wait()
	assert.Equal(t, 999.0, s.Current().Temperature)
}
