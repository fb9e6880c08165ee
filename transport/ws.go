// Package transport hosts the WebSocket upgrade endpoint and the
// connection lifecycle: authenticate, bind to a Room, run the egress and
// ingress pumps, and tear down cleanly on disconnect.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/collabhq/whiteboard/apperr"
	"github.com/collabhq/whiteboard/auth"
	"github.com/collabhq/whiteboard/crdt"
	"github.com/collabhq/whiteboard/persist"
	"github.com/collabhq/whiteboard/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20 // 1 MiB; a larger frame fails the read and ends the connection
)

// envelope is the JSON shape every text frame (in either direction) takes.
// Only the fields relevant to Type are populated.
type envelope struct {
	Type      string            `json:"type"`
	ElementID string            `json:"elementId,omitempty"`
	Element   json.RawMessage   `json:"element,omitempty"`
	Elements  []json.RawMessage `json:"elements,omitempty"`
	Member    *room.Member      `json:"member,omitempty"`
}

// elementIDOnly extracts just the "id" field out of an element payload, to
// key the Document's elements map without fully decoding the element.
type elementIDOnly struct {
	ID string `json:"id"`
}

// Handler upgrades incoming HTTP requests to WebSocket connections and runs
// the full connection lifecycle against a Room.
type Handler struct {
	manager         *room.Manager
	store           persist.Store
	oracle          *auth.Oracle
	upgrader        websocket.Upgrader
	logger          *slog.Logger
	saveEveryFrames int
}

// NewHandler wires together the Room Manager, persistence adapter, and
// Access Oracle behind a single upgrade endpoint.
func NewHandler(manager *room.Manager, store persist.Store, oracle *auth.Oracle, saveEveryFrames int, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if saveEveryFrames <= 0 {
		saveEveryFrames = 100
	}
	return &Handler{
		manager: manager,
		store:   store,
		oracle:  oracle,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:          logger,
		saveEveryFrames: saveEveryFrames,
	}
}

// ServeHTTP authenticates the request, upgrades it, and runs the connection
// to completion. It returns only once the connection has been torn down.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	boardID, err := boardIDFromRequest(r)
	if err != nil {
		http.Error(w, "missing or invalid board id", http.StatusBadRequest)
		return
	}

	principal, _, err := h.authenticate(ctx, boardID, r)
	if err != nil {
		h.logger.Warn("connection rejected", "board_id", boardID, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", "error", err)
		return
	}

	h.runConnection(context.Background(), conn, boardID, principal)
}

func boardIDFromRequest(r *http.Request) (uuid.UUID, error) {
	raw := r.URL.Query().Get("board_id")
	if raw == "" {
		raw = strings.TrimPrefix(r.URL.Path, "/ws/")
	}
	return uuid.Parse(raw)
}

// authenticate resolves the request to a principal and the role they hold
// on boardID, via either a bearer token or a share-link token. Share-link
// principals get a generated guest identity, matching the "anonymous guest
// via share link" path the board-management system supports.
func (h *Handler) authenticate(ctx context.Context, boardID uuid.UUID, r *http.Request) (*auth.Principal, persist.Role, error) {
	if shareToken := r.URL.Query().Get("share_token"); shareToken != "" {
		resolved, err := h.oracle.ResolveShare(ctx, shareToken)
		if err != nil {
			return nil, persist.RoleNone, err
		}
		if resolved.BoardID != boardID {
			return nil, persist.RoleNone, auth.ErrUnauthorized
		}
		guest := &auth.Principal{ID: "guest-" + uuid.NewString(), Username: "Guest"}
		return guest, resolved.Role, nil
	}

	token := bearerToken(r)
	if token == "" {
		return nil, persist.RoleNone, auth.ErrUnauthorized
	}
	principal, err := h.oracle.VerifyBearer(ctx, token)
	if err != nil {
		return nil, persist.RoleNone, err
	}
	role, err := h.oracle.RoleFor(ctx, boardID, principal.ID)
	if err != nil {
		return nil, persist.RoleNone, err
	}
	if role == persist.RoleNone {
		return nil, persist.RoleNone, auth.ErrUnauthorized
	}
	return principal, role, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// runConnection binds the connection to its Room, runs the pumps, and
// tears everything down on exit. It never returns an error: every failure
// past this point is logged and ends the connection.
func (h *Handler) runConnection(ctx context.Context, conn *websocket.Conn, boardID uuid.UUID, principal *auth.Principal) {
	connID := uuid.New()
	logger := h.logger.With("board_id", boardID, "conn_id", connID, "principal", principal.ID)
	defer conn.Close()

	r, err := h.manager.GetOrCreate(boardID, func(newRoom *room.Room) error {
		return h.loadSnapshot(ctx, newRoom, boardID, logger)
	})
	if err != nil {
		logger.Error("failed to bind room", "error", err)
		return
	}

	member := r.AddMember(connID, principal.ID, principal.Username)
	frames, unsubscribe := r.Subscribe(connID)

	defer func() {
		unsubscribe()
		r.RemoveMember(connID)
		h.broadcastPresence(r, "leave", member)
		if r.MemberCount() == 0 {
			h.saveSnapshot(ctx, r, boardID, logger)
			h.manager.RemoveIfEmpty(boardID)
		}
	}()

	if err := h.sendInitialSync(conn, r, member); err != nil {
		logger.Error("initial sync failed", "error", err)
		return
	}
	h.broadcastPresence(r, "join", member)

	egressDone := make(chan struct{})
	go h.runEgress(conn, frames, egressDone, logger)

	h.runIngress(ctx, conn, r, boardID, logger)
	close(egressDone)
}

func (h *Handler) loadSnapshot(ctx context.Context, r *room.Room, boardID uuid.UUID, logger *slog.Logger) error {
	snapshot, err := h.store.LoadSnapshot(ctx, boardID)
	if errors.Is(err, persist.ErrSnapshotNotFound) {
		return nil
	}
	if err != nil {
		logger.Error("snapshot load failed, starting empty", "error", err)
		return nil
	}
	r.WithDocWrite(func(doc *crdt.Document) {
		if err := doc.Load(snapshot); err != nil {
			logger.Warn("stored snapshot failed to decode, starting empty", "error", err)
		}
	})
	return nil
}

func (h *Handler) saveSnapshot(ctx context.Context, r *room.Room, boardID uuid.UUID, logger *slog.Logger) {
	var snapshot []byte
	r.WithDocRead(func(doc *crdt.Document) {
		snapshot = doc.Snapshot()
	})
	if err := h.store.SaveSnapshot(ctx, boardID, snapshot); err != nil {
		logger.Error("snapshot save failed", "error", err)
	}
}

// sendInitialSync sends the opening SYNC/STEP1 handshake frame followed by
// a JSON sync_state summary of the board's current elements and the joining
// member's own entry.
func (h *Handler) sendInitialSync(conn *websocket.Conn, r *room.Room, self *room.Member) error {
	var step1 []byte
	var elements map[string]string
	r.WithDocRead(func(doc *crdt.Document) {
		step1 = crdt.EncodeStep1(doc)
		elements = doc.Elements()
	})
	if err := conn.WriteMessage(websocket.BinaryMessage, step1); err != nil {
		return err
	}
	list := make([]json.RawMessage, 0, len(elements))
	for _, value := range elements {
		list = append(list, json.RawMessage(value))
	}
	return writeJSON(conn, envelope{
		Type:     "sync_state",
		Elements: list,
		Member:   self,
	})
}

func (h *Handler) broadcastPresence(r *room.Room, eventType string, member *room.Member) {
	payload, err := json.Marshal(envelope{Type: eventType, Member: member})
	if err != nil {
		return
	}
	r.Publish(payload)
}

// runEgress drains frames destined for this connection to the socket until
// the connection is torn down or a ping/write failure ends it.
func (h *Handler) runEgress(conn *websocket.Conn, frames <-chan []byte, done <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case frame := <-frames:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			messageType := websocket.TextMessage
			if len(frame) > 0 && (frame[0] == crdt.TagSync || frame[0] == crdt.TagAwareness) {
				messageType = websocket.BinaryMessage
			}
			if err := conn.WriteMessage(messageType, frame); err != nil {
				logger.Warn("egress write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// runIngress reads frames from the socket and dispatches them until the
// connection closes or a fatal error occurs.
func (h *Handler) runIngress(ctx context.Context, conn *websocket.Conn, r *room.Room, boardID uuid.UUID, logger *slog.Logger) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	saveCounter := 0
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("socket read failed", "error", err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			h.dispatchBinary(ctx, r, boardID, data, &saveCounter, logger)
		case websocket.TextMessage:
			h.dispatchText(ctx, r, boardID, data, logger)
		}
	}
}

// dispatchBinary handles SYNC and AWARENESS frames. A SYNC frame is first
// answered against the Room's Document (a STEP1 draws a STEP2 reply; a
// STEP2/UPDATE is merged in); the raw frame is then always rebroadcast to
// the room too, so Room members run the same sync protocol directly against
// each other's frames, not only against the server's own replies — the
// Document here exists for persistence and late joiners, not as the only
// path to convergence. AWARENESS frames (and anything else) pass straight
// through untouched. Every saveEveryFrames-th SYNC frame (100 by default) on
// this connection triggers a persisted snapshot; the count is scoped to the SYNC branch, so AWARENESS
// or unrecognized binary traffic never advances it.
func (h *Handler) dispatchBinary(ctx context.Context, r *room.Room, boardID uuid.UUID, frame []byte, saveCounter *int, logger *slog.Logger) {
	if len(frame) == 0 {
		return
	}
	if frame[0] != crdt.TagSync {
		r.Publish(frame)
		return
	}

	var response []byte
	var err error
	r.WithDocWrite(func(doc *crdt.Document) {
		response, err = crdt.Handle(doc, frame)
	})
	if err != nil {
		apperr.Log(logger, apperr.Wrap(classify(err), "sync frame rejected", err))
	} else if response != nil {
		r.Publish(response)
	}
	r.Publish(frame)

	(*saveCounter)++
	if *saveCounter%h.saveEveryFrames == 0 {
		h.saveSnapshot(ctx, r, boardID, logger)
	}
}

// classify maps a crdt package error to this core's error taxonomy.
func classify(err error) apperr.Kind {
	switch {
	case errors.Is(err, crdt.ErrMalformedStateVector):
		return apperr.MalformedSync
	case errors.Is(err, crdt.ErrMalformedUpdate):
		return apperr.MalformedUpdate
	default:
		return apperr.MalformedFrame
	}
}

// dispatchText handles the JSON message taxonomy: element mutations, a
// manual save request, and anything unrecognized (logged and dropped).
// role_for is consulted only at join time (authenticate), never here: once
// a connection is admitted, every member's CRDT traffic is treated the same
// regardless of role.
func (h *Handler) dispatchText(ctx context.Context, r *room.Room, boardID uuid.UUID, data []byte, logger *slog.Logger) {
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		apperr.Log(logger, apperr.Wrap(apperr.MalformedFrame, "text frame", err))
		return
	}

	switch msg.Type {
	case "element_add", "element_update":
		var el elementIDOnly
		if err := json.Unmarshal(msg.Element, &el); err != nil || el.ID == "" {
			apperr.Log(logger, apperr.New(apperr.MalformedFrame, "element_add/element_update missing element.id"))
			return
		}
		r.WithDocWrite(func(doc *crdt.Document) {
			doc.UpsertElement(el.ID, string(msg.Element))
		})
		r.Publish(data)
	case "element_remove":
		if msg.ElementID == "" {
			apperr.Log(logger, apperr.New(apperr.MalformedFrame, "element_remove missing elementId"))
			return
		}
		r.WithDocWrite(func(doc *crdt.Document) {
			doc.DeleteElement(msg.ElementID)
		})
		r.Publish(data)
	case "sync_state":
		r.WithDocWrite(func(doc *crdt.Document) {
			for _, raw := range msg.Elements {
				var el elementIDOnly
				if err := json.Unmarshal(raw, &el); err != nil || el.ID == "" {
					continue
				}
				doc.UpsertElement(el.ID, string(raw))
			}
		})
		r.Publish(data)
	case "save_request":
		h.saveSnapshot(ctx, r, boardID, logger)
	default:
		apperr.Log(logger, apperr.New(apperr.MalformedFrame, "unrecognized message type: "+msg.Type))
	}
}

func writeJSON(conn *websocket.Conn, v envelope) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}
