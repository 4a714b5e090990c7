package ipc

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// RequestHandler handles one parsed request.
type RequestHandler func(ctx context.Context, req Request, conn Connection)

// Dispatcher routes messages to per-kind handlers. Unknown headers and malformed
// bodies are answered with UnknownRequest.
type Dispatcher struct {
	handlers map[Kind]RequestHandler
}

func NewDispatcher(handlers map[Kind]RequestHandler) *Dispatcher {
	return &Dispatcher{handlers: handlers}
}

// Handles reports whether a handler is registered for kind.
func (d *Dispatcher) Handles(kind Kind) bool {
	_, ok := d.handlers[kind]
	return ok
}

func (d *Dispatcher) Handle(ctx context.Context, m Message, conn Connection) {
	req, err := ParseRequest(m)
	if err != nil {
		log.Warn().Err(err).Str("header", m.Header).Msg("rejecting ipc request")
		reply := NewMessage(UnknownRequest, "")
		if errors.Is(err, ErrMalformedBody) {
			reply.Body = err.Error()
		}
		if err := conn.Send(reply); err != nil {
			log.Debug().Err(err).Msg("ipc reply failed")
		}
		return
	}

	h, ok := d.handlers[req.Kind]
	if !ok {
		log.Warn().Str("kind", req.Kind.String()).Msg("no handler for ipc request")
		conn.Send(NewMessage(UnknownRequest, ""))
		return
	}
	h(ctx, req, conn)
}
