// Package events is the orchestrator's notification channel. Every
// notification is a CloudEvent delivered synchronously, in emission order,
// to every subscribed observer.
package events

import (
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/lifecycle"
)

// DefaultSource is the CloudEvents source of orchestrator notifications
const DefaultSource = "hsu-orchestrator"

// Notification types
const (
	BeforeNoUnitChange = "orchestrator.before-no-unit-change"
	BeforeUnitChange   = "orchestrator.before-unit-change"
	BeforeRouting      = "orchestrator.before-routing-event"
	BeforeMountRouting = "orchestrator.before-mount-routing-event"
	NoUnitChange       = "orchestrator.no-unit-change"
	UnitChange         = "orchestrator.unit-change"
	Routing            = "orchestrator.routing-event"
	BeforeFirstMount   = "orchestrator.before-first-mount"
	FirstMount         = "orchestrator.first-mount"
)

// ExtensionPassID carries the id of the pass that emitted a notification
const ExtensionPassID = "passid"

// Trigger is the payload that started a pass, such as a navigation
type Trigger struct {
	Type  string      `json:"type"`
	Href  string      `json:"href,omitempty"`
	State interface{} `json:"state,omitempty"`
}

// Detail is the data of pass notifications
type Detail struct {
	NewUnitStatuses  map[string]lifecycle.Status   `json:"newUnitStatuses"`
	UnitsByNewStatus map[lifecycle.Status][]string `json:"unitsByNewStatus"`
	TotalUnitChanges int                           `json:"totalUnitChanges"`
	OriginalEvent    *Trigger                      `json:"originalEvent,omitempty"`
}

// NewDetail creates a detail with the four standard buckets present
func NewDetail(totalUnitChanges int, trigger *Trigger) *Detail {
	return &Detail{
		NewUnitStatuses: make(map[string]lifecycle.Status),
		UnitsByNewStatus: map[lifecycle.Status][]string{
			lifecycle.StatusMounted:           {},
			lifecycle.StatusNotMounted:        {},
			lifecycle.StatusNotLoaded:         {},
			lifecycle.StatusSkipBecauseBroken: {},
		},
		TotalUnitChanges: totalUnitChanges,
		OriginalEvent:    trigger,
	}
}

// Add records name with its status, filed under the status's bucket
func (d *Detail) Add(name string, status lifecycle.Status) {
	d.NewUnitStatuses[name] = status
	bucket := Bucket(status)
	d.UnitsByNewStatus[bucket] = append(d.UnitsByNewStatus[bucket], name)
}

// Bucket maps a status to one of MOUNTED, NOT_MOUNTED, NOT_LOADED and
// SKIP_BECAUSE_BROKEN. Units on their way to or from a bucket count as
// not yet there.
func Bucket(status lifecycle.Status) lifecycle.Status {
	switch status {
	case lifecycle.StatusMounted:
		return lifecycle.StatusMounted
	case lifecycle.StatusSkipBecauseBroken:
		return lifecycle.StatusSkipBecauseBroken
	case lifecycle.StatusNotBootstrapped, lifecycle.StatusBootstrapping, lifecycle.StatusNotMounted,
		lifecycle.StatusMounting, lifecycle.StatusUnmounting:
		return lifecycle.StatusNotMounted
	default:
		return lifecycle.StatusNotLoaded
	}
}

// NewEvent builds a CloudEvent with a time-ordered id. When data cannot
// be encoded the event is returned without data, along with the error.
func NewEvent(eventType, source string, data interface{}, extensions map[string]interface{}) (cloudevents.Event, error) {
	event := cloudevents.NewEvent()

	event.SetID(generateEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)

	for key, value := range extensions {
		event.SetExtension(key, value)
	}

	if data != nil {
		if err := event.SetData(cloudevents.ApplicationJSON, data); err != nil {
			return event, errors.NewInternalError("failed to encode notification data", err).WithContext("type", eventType)
		}
	}

	return event, nil
}

func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// DecodeDetail reads the detail carried by a pass notification
func DecodeDetail(event cloudevents.Event) (*Detail, error) {
	detail := &Detail{}
	if err := event.DataAs(detail); err != nil {
		return nil, err
	}
	return detail, nil
}
