package notify

import "context"

// MessageConfirmation is the live message type carrying confirmations.
const MessageConfirmation = "config_confirmation"

// Broadcaster is the part of the live hub the dispatcher needs.
type Broadcaster interface {
	Broadcast(guildID, msgType string, payload interface{}) int
}

// HubSink pushes confirmations to the live viewers of the guild.
type HubSink struct {
	hub Broadcaster
}

func NewHubSink(hub Broadcaster) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) Name() string { return "hub" }

func (s *HubSink) Deliver(_ context.Context, c Confirmation) error {
	s.hub.Broadcast(c.GuildID, MessageConfirmation, c)
	return nil
}
