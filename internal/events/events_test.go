package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOnAndEmitDeliversToHandler(t *testing.T) {
	bus := New()

	var got Event
	bus.On(EventJobAdded, func(ev Event) { got = ev })

	bus.Emit(Event{Type: EventJobAdded, JobID: "job-1"})

	assert.Equal(t, "job-1", got.JobID)
}

func TestEmitWithNoSubscribersIsNoop(t *testing.T) {
	bus := New()
	assert.NotPanics(t, func() {
		bus.Emit(Event{Type: EventError})
	})
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	bus := New()

	var order []int
	bus.On(EventJobCompleted, func(Event) { order = append(order, 1) })
	bus.On(EventJobCompleted, func(Event) { order = append(order, 2) })
	bus.On(EventJobCompleted, func(Event) { order = append(order, 3) })

	bus.Emit(Event{Type: EventJobCompleted})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestOnlyMatchingEventTypeIsDelivered(t *testing.T) {
	bus := New()

	var addedCalls, failedCalls int
	bus.On(EventJobAdded, func(Event) { addedCalls++ })
	bus.On(EventJobFailed, func(Event) { failedCalls++ })

	bus.Emit(Event{Type: EventJobAdded})

	assert.Equal(t, 1, addedCalls)
	assert.Equal(t, 0, failedCalls)
}

func TestConcurrentSubscribeAndEmit(t *testing.T) {
	bus := New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.On(EventJobStarted, func(Event) {})
		}()
	}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Emit(Event{Type: EventJobStarted})
		}()
	}
	wg.Wait()
}

func TestHandlerRegisteringAnotherHandlerMidEmitDoesNotRace(t *testing.T) {
	bus := New()

	bus.On(EventJobRetry, func(Event) {
		bus.On(EventJobRetry, func(Event) {})
	})

	assert.NotPanics(t, func() {
		bus.Emit(Event{Type: EventJobRetry})
		bus.Emit(Event{Type: EventJobRetry})
	})
}
