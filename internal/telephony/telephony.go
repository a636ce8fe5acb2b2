// Package telephony defines the provider-facing contracts of the call
// assistant: the registered device, the calls it delivers and the per-party
// audio tracks of a call.
package telephony

import (
	"context"
	"errors"
)

// RegistrationState of the operator's device.
type RegistrationState string

const (
	StateUnregistered RegistrationState = "unregistered"
	StateRegistering  RegistrationState = "registering"
	StateRegistered   RegistrationState = "registered"
	StateDestroyed    RegistrationState = "destroyed"
)

// ChannelRole names one party's audio within a call.
type ChannelRole string

const (
	RoleAgent  ChannelRole = "agent"
	RoleCaller ChannelRole = "caller"
)

// Roles lists the channel roles in the order sessions are started.
var Roles = []ChannelRole{RoleCaller, RoleAgent}

// ErrDeviceDestroyed is returned by operations on a destroyed device.
var ErrDeviceDestroyed = errors.New("device destroyed")

// AudioTrack is one leg's audio: signed 16-bit little-endian mono PCM
// frames at SampleRate. Frames is closed when the leg ends.
type AudioTrack interface {
	ID() string
	SampleRate() int
	Frames() <-chan []byte
}

// TrackSource resolves audio legs by id.
type TrackSource interface {
	Track(id string) (AudioTrack, bool)
}

// CallHandlers receive the provider events of one call. Any may be nil.
type CallHandlers struct {
	OnAccept     func()
	OnDisconnect func()
	OnCancel     func()
	OnError      func(err error)
}

// Call is a provider call object as delivered by the device.
type Call interface {
	SID() string
	// From is the transport-level sender, which can be an internal
	// bridge leg rather than the original number.
	From() string
	CustomParameters() map[string]string
	Accept() error
	Reject() error
	Disconnect() error
	// Track returns the role's audio if that leg is present.
	Track(role ChannelRole) (AudioTrack, bool)
	Handle(h CallHandlers)
}

// DeviceHandlers receive device-level events. Any may be nil.
type DeviceHandlers struct {
	OnRegistered      func()
	OnUnregistered    func()
	OnTokenWillExpire func()
	OnError           func(err error)
	OnIncoming        func(call Call)
}

// Device is the registered telephony client.
type Device interface {
	// Register blocks until the provider confirms registration.
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error
	UpdateToken(token string) error
	State() RegistrationState
	Destroy()
}

// DeviceFactory constructs a device for the given credential.
type DeviceFactory func(token, identity string, h DeviceHandlers) (Device, error)
