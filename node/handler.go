package node

import (
	"bytes"
	"fmt"
)

// Greeting is the reply sent for every read in ModeGreeting.
const Greeting = "Hello from server"

var greetingReply = []byte(Greeting)

// Protocol turns the bytes of one read into the bytes to send back.
// data is only valid during the call. The returned slice is queued as is,
// so it must not alias data and must not be modified afterwards.
type Protocol interface {
	Reply(data []byte) []byte
}

// GreetingProtocol ignores the payload and always answers with Greeting.
type GreetingProtocol struct{}

func (GreetingProtocol) Reply([]byte) []byte {
	return greetingReply
}

// EchoProtocol returns a copy of what was received.
type EchoProtocol struct{}

func (EchoProtocol) Reply(data []byte) []byte {
	return bytes.Clone(data)
}

// NewProtocol returns the protocol implementing mode.
func NewProtocol(mode Mode) (Protocol, error) {
	switch mode {
	case ModeGreeting, "":
		return GreetingProtocol{}, nil
	case ModeEcho:
		return EchoProtocol{}, nil
	}
	return nil, fmt.Errorf("unknown mode %q", mode)
}
