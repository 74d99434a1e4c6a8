package beacon

import (
	"github.com/beaconhq/go-client-sdk/api"
	"github.com/beaconhq/go-client-sdk/util"
)

type ErrorResponse = api.ErrorResponse
type Envelope = api.Envelope
type EventType = api.EventType
type CredentialPair = api.CredentialPair
type ClientEvent = api.ClientEvent
type ClientEventType = api.ClientEventType
type Logger = util.Logger
type DiscardLogger = util.DiscardLogger

const (
	EventStatusChanged = api.EventType_StatusChanged
	EventProgress      = api.EventType_Progress
	EventAlertRaised   = api.EventType_AlertRaised
	EventAlertResolved = api.EventType_AlertResolved
	EventNotification  = api.EventType_Notification
)

func SetLogger(log Logger) { util.SetLogger(log) }
