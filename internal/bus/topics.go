package bus

// Topic name constants for the Event payload contract in spec §6. Payload
// shapes are documented next to the type each topic carries; see
// internal/session, internal/line, internal/subscribe, internal/registrar,
// internal/transport and internal/indicator for the concrete structs.
const (
	TopicRegistered         = "registered"
	TopicUnregistered       = "unregistered"
	TopicRegistrationFailed = "registrationFailed"

	TopicTransportConnected    = "transportConnected"
	TopicTransportDisconnected = "transportDisconnected"

	TopicSessionCreated       = "sessionCreated"
	TopicSessionStateChanged  = "sessionStateChanged"
	TopicSessionAnswered      = "sessionAnswered"
	TopicSessionTerminated    = "sessionTerminated"
	TopicSessionHeld          = "sessionHeld"
	TopicSessionMuted         = "sessionMuted"
	TopicSessionError         = "sessionError"
	TopicDtmfSent             = "dtmfSent"
	TopicTransferInitiated    = "transferInitiated"
	TopicTransferCompleted    = "transferCompleted"

	TopicLineChanged    = "lineChanged"
	TopicCallWaitingTone = "callWaitingTone"

	TopicBlfStateChanged  = "blfStateChanged"
	TopicBlfSubscribed    = "blfSubscribed"
	TopicBlfUnsubscribed  = "blfUnsubscribed"

	TopicIndicatorStateChanged = "indicatorStateChanged"

	// TopicAgentStateChanged and TopicVoicemailCountChanged carry the
	// agent-login and voicemail-count inputs the Indicator State Machine's
	// priority table reads (spec §4.G rows 4-6). The agent login/pause/
	// queue state machine itself is out of scope (spec §1 Non-goals); the
	// core only reacts to a host-pushed snapshot on these topics.
	TopicAgentStateChanged     = "agentStateChanged"
	TopicVoicemailCountChanged = "voicemailCountChanged"
)
