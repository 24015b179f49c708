package hub

import (
	"encoding/json"
	"log/slog"

	"github.com/InsulaLabs/parley/db/models"
)

// Dispatcher serializes events once and hands the bytes to the registry.
type Dispatcher struct {
	logger   *slog.Logger
	registry *Registry
}

func NewDispatcher(logger *slog.Logger, registry *Registry) *Dispatcher {
	return &Dispatcher{logger: logger, registry: registry}
}

// Send delivers event to every connection of the given users and reports
// whether all of them were online.
func (d *Dispatcher) Send(event models.Event, userIDs ...string) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("Could not encode event", "type", event.Type, "error", err)
		return false
	}
	return d.registry.Send(payload, userIDs...)
}

func (d *Dispatcher) Broadcast(event models.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("Could not encode event", "type", event.Type, "error", err)
		return
	}
	d.registry.Broadcast(payload)
}

// MessagePosted notifies the other members of conv about msg and echoes it,
// tagged with nonce, to the author's own connections. The connection with id
// originConnID, if any, is the one that posted and gets no echo. The result
// reports whether every other member was online.
func (d *Dispatcher) MessagePosted(conv models.Conversation, msg models.Message, nonce *int64, originConnID string) bool {
	body := models.MessageBody{
		ConversationID: conv.ID,
		Message:        msg,
	}
	payload, err := json.Marshal(models.Event{Type: models.EventTypeMessage, Body: body})
	if err != nil {
		d.logger.Error("Could not encode message event", "conversation", conv.ID, "error", err)
		return false
	}

	body.Nonce = nonce
	echo, err := json.Marshal(models.Event{Type: models.EventTypeMessage, Body: body})
	if err != nil {
		d.logger.Error("Could not encode message echo", "conversation", conv.ID, "error", err)
		return false
	}

	recipients := conv.Others(msg.AuthorID)
	delivered := d.registry.Send(payload, recipients...)
	d.registry.SendExcept(echo, originConnID, msg.AuthorID)

	d.logger.Debug("Message dispatched",
		"conversation", conv.ID,
		"message", msg.ID,
		"author", msg.AuthorID,
		"recipients", len(recipients),
		"delivered", delivered,
	)
	return delivered
}
