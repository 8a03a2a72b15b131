// ABOUTME: Compatibility fan-out of one agent response to the three event shapes clients expect.
// ABOUTME: Kept separate from the hub core so the legacy shapes can be retired on their own.

package hub

import "context"

// Envelope is the single internal form of an agent response broadcast.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type emission struct {
	event   string
	payload any
}

// compatEmissions maps one envelope to every external event it is sent as:
// the generic message event, the typed agent-response event, and the
// broadcast envelope itself. All three carry the same payload.
func compatEmissions(env Envelope) []emission {
	return []emission{
		{event: EventMessage, payload: env.Payload},
		{event: EventAgentResponse, payload: env.Payload},
		{event: EventBroadcast, payload: env},
	}
}

// BroadcastAgentResponse sends payload to roomID under every compatible event
// name. Membership is read once, so each connection gets either all shapes
// or none. It returns how many connections accepted every emission.
func (h *Hub) BroadcastAgentResponse(ctx context.Context, roomID string, payload any) int {
	emissions := compatEmissions(Envelope{Type: EventAgentResponse, Payload: payload})

	targets := h.roomMembers(roomID)
	delivered := 0
	for _, c := range targets {
		ok := true
		for _, e := range emissions {
			if !h.deliver(ctx, c, e.event, e.payload) {
				ok = false
				break
			}
		}
		if ok {
			delivered++
		}
	}
	h.logger.Debug("agent response broadcast", "room", roomID, "members", len(targets), "delivered", delivered)

	for _, e := range emissions {
		h.publish(ctx, roomID, e.event, e.payload)
	}
	return delivered
}
