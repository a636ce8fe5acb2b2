package telephony

import (
	"fmt"

	"github.com/twilio/twilio-go/twiml"
)

// BridgeTwiML answers an inbound PSTN call by dialing the operator's client
// identity. The original number is forwarded as a custom parameter under
// key because the client leg's From will be the bridge, not the caller.
func BridgeTwiML(identity, key, originalCaller string) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("client identity is required")
	}
	client := &twiml.VoiceClient{
		Identity: identity,
		InnerElements: []twiml.Element{
			&twiml.VoiceParameter{Name: key, Value: originalCaller},
		},
	}
	dial := &twiml.VoiceDial{
		InnerElements: []twiml.Element{client},
	}
	return twiml.Voice([]twiml.Element{dial})
}

// RejectTwiML is returned when no operator is registered.
func RejectTwiML() (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: "All of our sales agents are unavailable. Please call back shortly."},
		&twiml.VoiceHangup{},
	})
}
