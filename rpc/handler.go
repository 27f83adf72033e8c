package rpc

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mojito/crypto"
	"github.com/opd-ai/mojito/database"
	"github.com/opd-ai/mojito/dht"
	"github.com/opd-ai/mojito/limits"
	"github.com/opd-ai/mojito/message"
	"github.com/opd-ai/mojito/transport"
)

// Handler answers PING, FIND_NODE, FIND_VALUE and STORE requests from the
// routing table and the database.
type Handler struct {
	rt     dht.RouteTable
	db     *database.Database
	tokens *crypto.TokenProvider
	clock  crypto.TimeProvider
	k      int
}

// NewHandler creates a request handler returning up to k contacts per
// lookup response.
func NewHandler(rt dht.RouteTable, db *database.Database, tokens *crypto.TokenProvider, clock crypto.TimeProvider, k int) *Handler {
	if clock == nil {
		clock = crypto.DefaultTimeProvider{}
	}
	if k <= 0 || k > limits.MaxContactsPerResponse {
		k = limits.MaxContactsPerResponse
	}
	return &Handler{rt: rt, db: db, tokens: tokens, clock: clock, k: k}
}

// HandleRequest implements RequestHandler.
func (h *Handler) HandleRequest(req *message.Message, from *dht.Contact) *message.Message {
	resp := message.NewResponse(req, message.Contact{}, 0)

	switch req.Type {
	case transport.PacketPing:
		return resp
	case transport.PacketFindNode:
		h.handleFindNode(req, resp, from)
	case transport.PacketFindValue:
		h.handleFindValue(req, resp, from)
	case transport.PacketStore:
		h.handleStore(req, resp, from)
	default:
		return nil
	}
	return resp
}

func (h *Handler) handleFindNode(req, resp *message.Message, from *dht.Contact) {
	target, err := req.TargetID()
	if err != nil {
		return
	}
	h.rt.Touch(target)
	resp.Contacts = message.FromContacts(h.rt.Select(target, h.k, true))
	resp.Token = string(h.tokens.Token(from.ID().Bytes(), from.Addr().String()))
}

func (h *Handler) handleFindValue(req, resp *message.Message, from *dht.Contact) {
	key, err := req.TargetID()
	if err != nil {
		return
	}

	values := h.db.Get(key)
	if len(values) == 0 {
		h.handleFindNode(req, resp, from)
		return
	}
	if len(values) > limits.MaxValuesPerResponse {
		values = values[:limits.MaxValuesPerResponse]
	}
	resp.Values = message.FromKeyValues(values)

	logrus.WithFields(logrus.Fields{
		"function": "Handler.handleFindValue",
		"key":      key.Hex(),
		"values":   len(values),
		"from":     from.String(),
	}).Debug("Answered value lookup")
}

func (h *Handler) handleStore(req, resp *message.Message, from *dht.Contact) {
	valid := h.tokens.Verify([]byte(req.Token), from.ID().Bytes(), from.Addr().String())
	if !valid {
		logrus.WithFields(logrus.Fields{
			"function": "Handler.handleStore",
			"from":     from.String(),
		}).Warn("Rejecting STORE with invalid security token")
	}

	now := h.clock.Now()
	resp.Status = make([]message.StoreStatus, 0, len(req.Values))
	for _, v := range req.Values {
		kv, err := v.ToKeyValue(from.ID(), now)
		if err != nil {
			continue
		}
		if !valid {
			resp.Status = append(resp.Status, message.Status(kv, false))
			continue
		}

		ok, err := h.db.Put(kv)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Handler.handleStore",
				"key":      kv.Key.Hex(),
				"from":     from.String(),
				"error":    err.Error(),
			}).Debug("Value not stored")
		}
		// A removal of a value we never held still succeeds for the sender.
		if !ok && err == nil && kv.IsEmpty() {
			ok = true
		}
		resp.Status = append(resp.Status, message.Status(kv, ok))
	}
}
