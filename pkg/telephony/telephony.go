// SPDX-License-Identifier: AGPL-3.0-only

// Package telephony defines the narrow boundary between the call queue and the signalling,
// media and bridging layers that actually carry calls.
package telephony

import (
	"context"
	"time"

	"github.com/grafana/callqueue/pkg/endpoint"
)

// CompletionCode describes why a conversation stopped.
type CompletionCode int

const (
	CompletedNormally CompletionCode = iota
	NoAnswer
	Busy
	Error
	Timeout
	Canceled
)

func (c CompletionCode) String() string {
	switch c {
	case CompletedNormally:
		return "completed"
	case NoAnswer:
		return "no_answer"
	case Busy:
		return "busy"
	case Error:
		return "error"
	case Timeout:
		return "timeout"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Conversation is a live or ringing call leg. Implementations must be comparable, usually by
// being pointers.
type Conversation interface {
	ID() string

	// Stop hangs up the conversation. The listener eventually receives ConversationStopped.
	// Stopping an already stopped conversation is a no-op.
	Stop()
}

// Listener receives the progress of one conversation. Callbacks may be invoked from any
// goroutine but never concurrently for the same conversation, and ConversationStopped is
// always the last one.
type Listener interface {
	// ConversationStarted is called once the remote side answered.
	ConversationStarted(conv Conversation)
	IncomingMediaStarted(conv Conversation)
	OutgoingMediaStarted(conv Conversation)
	ConversationStopped(conv Conversation, code CompletionCode)
}

type InviteRequest struct {
	Endpoint endpoint.Endpoint
	Number   string

	// InviteTimeout bounds the ringing phase, MaxCallDuration the whole conversation.
	// Both surface as ConversationStopped with Timeout.
	InviteTimeout   time.Duration
	MaxCallDuration time.Duration

	Listener Listener

	// Script is the name of the IVR script run on the operator leg, with Bindings available to it.
	Script   string
	Bindings map[string]any
}

type Inviter interface {
	// Invite places an outbound call. An error means the call was never placed and the
	// listener will not be called. The listener is never called from within Invite itself.
	Invite(ctx context.Context, req InviteRequest) (Conversation, error)
}

// Bridge joins the media of two conversations.
type Bridge interface {
	ID() string
	Activate() error
}

type Bridger interface {
	CreateBridge(a, b Conversation) (Bridge, error)
}
