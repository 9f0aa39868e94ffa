package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/blocknet/relayer/blobs"
	"github.com/blocknet/relayer/consensus"
	"github.com/blocknet/relayer/crypto"
	"github.com/blocknet/relayer/db"
	"github.com/blocknet/relayer/peers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayer_uploads_accepted_total",
		Help: "Encrypted payload uploads stored locally.",
	})
	messagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayer_deliveries_accepted_total",
		Help: "Signed delivery records accepted.",
	})
	replicationsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayer_replications_received_total",
		Help: "Peer replication payloads accepted.",
	})
)

const (
	defaultConversationLimit = 50
	maxConversationLimit     = 500
)

// DeliverSigningText is the exact string a sender signs for a delivery.
func DeliverSigningText(cid, sender, recipient string, timestamp int64) string {
	return fmt.Sprintf("%s|%s|%s|%d", cid, sender, recipient, timestamp)
}

// AckSigningText is the exact string a recipient signs to acknowledge ids.
func AckSigningText(recipient string, ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return fmt.Sprintf("ack|%s|%s", recipient, strings.Join(parts, ","))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Could not encode response")
	}
}

// writeError emits the uniform error envelope.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]interface{}{"ok": false, "detail": detail})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

// decodePayload turns a raw payload document into the number-preserving form
// the content store hashes. Plain json decoding would rewrite number
// literals and shift the CID.
func decodePayload(w http.ResponseWriter, raw json.RawMessage) (interface{}, bool) {
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return nil, false
	}
	payload, err := crypto.DecodeJSON(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "payload is not valid json")
		return nil, false
	}
	if payload == nil {
		writeError(w, http.StatusBadRequest, "payload is required")
		return nil, false
	}
	return payload, true
}

type registerUserRequest struct {
	Address string `json:"address"`
	EncPub  string `json:"encPub"`
	SignPub string `json:"signPub"`
}

func (s *Service) registerUserHandler(w http.ResponseWriter, r *http.Request) {
	var req registerUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Address == "" || req.EncPub == "" {
		writeError(w, http.StatusBadRequest, "address and encPub are required")
		return
	}
	u := &db.User{
		Address:   req.Address,
		EncPub:    req.EncPub,
		SignPub:   req.SignPub,
		CreatedAt: time.Now().Unix(),
	}
	if err := s.db.SaveUser(r.Context(), u); err != nil {
		log.WithError(err).Error("Could not save user")
		writeError(w, http.StatusInternalServerError, "could not save user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "address": u.Address})
}

func (s *Service) userHandler(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	u, err := s.db.User(r.Context(), address)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown user")
			return
		}
		log.WithError(err).Error("Could not load user")
		writeError(w, http.StatusInternalServerError, "could not load user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": u.Address,
		"encPub":  u.EncPub,
		"signPub": u.SignPub,
	})
}

func (s *Service) usersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := s.db.Users(r.Context())
	if err != nil {
		log.WithError(err).Error("Could not list users")
		writeError(w, http.StatusInternalServerError, "could not list users")
		return
	}
	out := make([]map[string]string, 0, len(users))
	for _, u := range users {
		out = append(out, map[string]string{"address": u.Address, "encPub": u.EncPub})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "users": out})
}

type uploadRequest struct {
	// Raw so that number literals survive decoding byte-for-byte; the CID is
	// a digest over the canonical form of the document as sent.
	Payload json.RawMessage `json:"payload"`
}

func (s *Service) uploadHandler(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	payload, ok := decodePayload(w, req.Payload)
	if !ok {
		return
	}
	enc, err := crypto.CanonicalJSON(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "payload is not valid json")
		return
	}
	if int64(len(enc)) > s.cfg.MaxPayloadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds max_payload_bytes")
		return
	}
	cid, err := s.blobs.Save(payload)
	if err != nil {
		if errors.Is(err, blobs.ErrStorageFull) {
			writeError(w, http.StatusInternalServerError, "storage exhausted")
			return
		}
		log.WithError(err).Error("Could not store payload")
		writeError(w, http.StatusInternalServerError, "could not store payload")
		return
	}
	uploadsAccepted.Inc()

	// Best-effort fan-out; the request does not wait on peers.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.client.Replicate(s.ctx, cid, payload)
	}()

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "cid": cid})
}

type replicateRequest struct {
	CID     string          `json:"cid"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Service) replicateHandler(w http.ResponseWriter, r *http.Request) {
	var req replicateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CID == "" {
		writeError(w, http.StatusBadRequest, "cid and payload are required")
		return
	}
	payload, ok := decodePayload(w, req.Payload)
	if !ok {
		return
	}
	if err := s.blobs.SaveAt(req.CID, payload, 0); err != nil {
		if errors.Is(err, blobs.ErrCIDMismatch) {
			writeError(w, http.StatusBadRequest, "cid mismatch")
			return
		}
		log.WithError(err).Error("Could not store replicated payload")
		writeError(w, http.StatusInternalServerError, "could not store payload")
		return
	}
	replicationsReceived.Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "cid": req.CID})
}

type deliverRequest struct {
	CID          string `json:"cid"`
	Sender       string `json:"sender"`
	Recipient    string `json:"recipient"`
	Timestamp    int64  `json:"timestamp"`
	EthSignature string `json:"ethSignature"`
	SessionID    string `json:"sessionId,omitempty"`
}

func (s *Service) deliverHandler(w http.ResponseWriter, r *http.Request) {
	var req deliverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CID == "" || req.Sender == "" || req.Recipient == "" || req.Timestamp == 0 || req.EthSignature == "" {
		writeError(w, http.StatusBadRequest, "missing fields")
		return
	}
	text := DeliverSigningText(req.CID, req.Sender, req.Recipient, req.Timestamp)
	if !crypto.VerifyText(req.Sender, text, req.EthSignature) {
		writeError(w, http.StatusBadRequest, "signature mismatch")
		return
	}
	rootID := crypto.ConversationRoot(req.Sender, req.Recipient)
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = crypto.SessionID(rootID, req.Timestamp, s.cfg.SessionWindowSecs)
	}
	m := &db.Message{
		CID:       req.CID,
		Sender:    req.Sender,
		Recipient: req.Recipient,
		Timestamp: req.Timestamp,
		RootID:    rootID,
		SessionID: sessionID,
	}
	id, err := s.db.SaveMessage(r.Context(), m)
	if err != nil {
		log.WithError(err).Error("Could not save message")
		writeError(w, http.StatusInternalServerError, "could not save message")
		return
	}
	messagesDelivered.Inc()

	// Live push. Delivered here is an optimistic hint set only after a
	// successful socket write; the signed ack is the authoritative signal.
	if s.hub.push(req.Recipient, &pushEvent{
		Event:     "new_message",
		CID:       req.CID,
		Sender:    req.Sender,
		Recipient: req.Recipient,
		Timestamp: req.Timestamp,
		RootID:    rootID,
		SessionID: sessionID,
		ID:        id,
	}) {
		if err := s.db.MarkDelivered(r.Context(), []uint64{id}); err != nil {
			log.WithError(err).Warn("Could not mark pushed message delivered")
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "id": id})
}

type ackRequest struct {
	Recipient    string   `json:"recipient"`
	MessageIDs   []uint64 `json:"messageIds"`
	EthSignature string   `json:"ethSignature"`
}

func (s *Service) ackHandler(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Recipient == "" || len(req.MessageIDs) == 0 || req.EthSignature == "" {
		writeError(w, http.StatusBadRequest, "missing fields")
		return
	}
	text := AckSigningText(req.Recipient, req.MessageIDs)
	if !crypto.VerifyText(req.Recipient, text, req.EthSignature) {
		writeError(w, http.StatusBadRequest, "signature mismatch")
		return
	}
	if err := s.db.MarkDelivered(r.Context(), req.MessageIDs); err != nil {
		log.WithError(err).Error("Could not mark messages delivered")
		writeError(w, http.StatusInternalServerError, "could not update messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "acknowledged": len(req.MessageIDs)})
}

func (s *Service) messagesHandler(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	msgs, err := s.db.UndeliveredMessages(r.Context(), address)
	if err != nil {
		log.WithError(err).Error("Could not list undelivered messages")
		writeError(w, http.StatusInternalServerError, "could not list messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (s *Service) fetchHandler(w http.ResponseWriter, r *http.Request) {
	cid := mux.Vars(r)["cid"]
	payload, err := s.blobs.Fetch(cid)
	if err != nil {
		writeError(w, http.StatusNotFound, "payload not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payload": payload})
}

func (s *Service) conversationHandler(w http.ResponseWriter, r *http.Request) {
	rootID := mux.Vars(r)["rootId"]
	limit := defaultConversationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxConversationLimit {
		limit = maxConversationLimit
	}
	var before int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before")
			return
		}
		before = n
	}
	msgs, err := s.db.ConversationMessages(r.Context(), rootID, limit, before)
	if err != nil {
		log.WithError(err).Error("Could not load conversation")
		writeError(w, http.StatusInternalServerError, "could not load conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rootId": rootID, "messages": msgs})
}

func (s *Service) proposalHandler(w http.ResponseWriter, r *http.Request) {
	var p consensus.BlockProposal
	if !decodeBody(w, r, &p) {
		return
	}
	writeJSON(w, http.StatusOK, s.consensus.ValidateProposal(r.Context(), &p))
}

func (s *Service) commitHandler(w http.ResponseWriter, r *http.Request) {
	var p consensus.BlockProposal
	if !decodeBody(w, r, &p) {
		return
	}
	if err := s.consensus.ApplyCommit(r.Context(), &p); err != nil {
		if errors.Is(err, db.ErrHeadMismatch) {
			writeError(w, http.StatusConflict, "chain head mismatch")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Service) registerPeerHandler(w http.ResponseWriter, r *http.Request) {
	var req peers.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	canon, err := s.registry.Register(r.Context(), &req)
	if err != nil {
		writeError(w, peerErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "peer": canon})
}

func peerErrorStatus(err error) int {
	switch {
	case errors.Is(err, peers.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, peers.ErrAuthRequired), errors.Is(err, peers.ErrStaleTimestamp), errors.Is(err, peers.ErrBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, peers.ErrNotAllowed), errors.Is(err, peers.ErrLocalPeer):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) peersHandler(w http.ResponseWriter, r *http.Request) {
	activeOnly := true
	if raw := r.URL.Query().Get("activeOnly"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid activeOnly")
			return
		}
		activeOnly = v
	}
	staleSecs := s.cfg.PeerStaleAfterSecs
	if raw := r.URL.Query().Get("staleSeconds"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid staleSeconds")
			return
		}
		staleSecs = n
	}
	var (
		list []*db.Peer
		err  error
	)
	if activeOnly {
		cutoff := time.Now().Add(-time.Duration(staleSecs) * time.Second).Unix()
		list, err = s.db.ActivePeers(r.Context(), cutoff)
	} else {
		list, err = s.db.Peers(r.Context())
	}
	if err != nil {
		log.WithError(err).Error("Could not list peers")
		writeError(w, http.StatusInternalServerError, "could not list peers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "peers": list})
}

func (s *Service) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "node": s.address})
}
