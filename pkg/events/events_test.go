package events

import (
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/lifecycle"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

func TestNewEvent(t *testing.T) {
	detail := NewDetail(1, &Trigger{Type: "navigate", Href: "http://localhost/a"})
	detail.Add("a", lifecycle.StatusMounted)

	event, err := NewEvent(UnitChange, DefaultSource, detail, map[string]interface{}{ExtensionPassID: "p1"})
	require.NoError(t, err)

	require.NoError(t, event.Validate())
	assert.Equal(t, UnitChange, event.Type())
	assert.Equal(t, DefaultSource, event.Source())
	assert.Equal(t, cloudevents.ApplicationJSON, event.DataContentType())
	assert.Equal(t, "p1", event.Extensions()[ExtensionPassID])

	decoded, err := DecodeDetail(event)
	require.NoError(t, err)
	assert.Equal(t, 1, decoded.TotalUnitChanges)
	assert.Equal(t, lifecycle.StatusMounted, decoded.NewUnitStatuses["a"])
	assert.Equal(t, []string{"a"}, decoded.UnitsByNewStatus[lifecycle.StatusMounted])
	assert.Empty(t, decoded.UnitsByNewStatus[lifecycle.StatusNotLoaded])
	require.NotNil(t, decoded.OriginalEvent)
	assert.Equal(t, "navigate", decoded.OriginalEvent.Type)
}

func TestNewEvent_UniqueIDs(t *testing.T) {
	a, err := NewEvent(Routing, DefaultSource, nil, nil)
	require.NoError(t, err)
	b, err := NewEvent(Routing, DefaultSource, nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Nil(t, a.Data())
}

func TestNewDetail_StandardBuckets(t *testing.T) {
	detail := NewDetail(0, nil)
	for _, status := range []lifecycle.Status{
		lifecycle.StatusMounted,
		lifecycle.StatusNotMounted,
		lifecycle.StatusNotLoaded,
		lifecycle.StatusSkipBecauseBroken,
	} {
		assert.Contains(t, detail.UnitsByNewStatus, status)
	}
	assert.Nil(t, detail.OriginalEvent)
}

func TestNewEvent_UnencodableData(t *testing.T) {
	trigger := &Trigger{Type: "pushstate", State: make(chan int)}

	event, err := NewEvent(Routing, DefaultSource, NewDetail(0, trigger), map[string]interface{}{ExtensionPassID: "p1"})
	require.Error(t, err)
	assert.True(t, errors.IsInternalError(err))
	assert.Equal(t, Routing, event.Type())
	assert.Equal(t, "p1", event.Extensions()[ExtensionPassID])
	assert.Empty(t, event.Data())
}

func TestDetail_BucketsStatuses(t *testing.T) {
	detail := NewDetail(5, nil)
	detail.Add("mounted", lifecycle.StatusMounted)
	detail.Add("unmounting", lifecycle.StatusUnmounting)
	detail.Add("bootstrapped", lifecycle.StatusNotBootstrapped)
	detail.Add("failed-load", lifecycle.StatusLoadError)
	detail.Add("broken", lifecycle.StatusSkipBecauseBroken)

	assert.Len(t, detail.UnitsByNewStatus, 4)
	assert.Equal(t, []string{"mounted"}, detail.UnitsByNewStatus[lifecycle.StatusMounted])
	assert.Equal(t, []string{"unmounting", "bootstrapped"}, detail.UnitsByNewStatus[lifecycle.StatusNotMounted])
	assert.Equal(t, []string{"failed-load"}, detail.UnitsByNewStatus[lifecycle.StatusNotLoaded])
	assert.Equal(t, []string{"broken"}, detail.UnitsByNewStatus[lifecycle.StatusSkipBecauseBroken])
	assert.Equal(t, lifecycle.StatusLoadError, detail.NewUnitStatuses["failed-load"])
}

func TestBus_UnencodableDataStillDelivered(t *testing.T) {
	logger := &MockLogger{}
	logger.On("Debugf", mock.Anything, mock.Anything).Maybe()
	logger.On("Errorf", "Notification sent without data, type: %s, id: %s, error: %v", mock.Anything).Once()
	bus := NewBus("", logger)

	var received []string
	bus.Subscribe(func(event cloudevents.Event) { received = append(received, event.Type()) })
	bus.Emit(Routing, NewDetail(0, &Trigger{Type: "pushstate", State: func() {}}), nil)

	assert.Equal(t, []string{Routing}, received)
	logger.AssertExpectations(t)
}

func TestBus_DeliversInOrder(t *testing.T) {
	bus := NewBus("", logging.NewNopLogger())

	var received []string
	bus.Subscribe(func(event cloudevents.Event) { received = append(received, "first:"+event.Type()) })
	bus.Subscribe(func(event cloudevents.Event) { panic("broken observer") })
	unsubscribe := bus.Subscribe(func(event cloudevents.Event) { received = append(received, "third:"+event.Type()) })

	bus.Emit(BeforeRouting, nil, nil)
	bus.Emit(Routing, nil, nil)

	assert.Equal(t, []string{
		"first:" + BeforeRouting,
		"third:" + BeforeRouting,
		"first:" + Routing,
		"third:" + Routing,
	}, received)

	unsubscribe()
	received = nil
	bus.Emit(NoUnitChange, nil, nil)
	assert.Equal(t, []string{"first:" + NoUnitChange}, received)
}

// MockLogger is a mock implementation of Logger for testing
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) LogLevelf(level int, format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.Called(format, args)
}
