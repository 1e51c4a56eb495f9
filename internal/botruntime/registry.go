// Package botruntime is the live connection registry: it correlates
// OneBot RPC echoes to responses, caches bot identity and group send
// status, indexes recent Discord messages, and deduplicates outbound
// sends. One registry serves both platforms.
package botruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nbot/orchestrator/internal/nberr"
	"github.com/nbot/orchestrator/internal/ratelimit"
)

// SendStatus is the cached permission state for a bot/group pair.
type SendStatus string

const (
	StatusAllowed SendStatus = "allowed"
	StatusMuted   SendStatus = "muted"
	StatusUnknown SendStatus = "unknown"
)

// OneBotConnection is the sender side of a live OneBot WebSocket session:
// an unbounded send channel drained by the supervisor's writer goroutine.
type OneBotConnection struct {
	Send chan []byte
}

// DiscordConnection is the live state of a Discord Gateway session.
type DiscordConnection struct {
	Token    string
	Shutdown chan struct{}
}

// BotConnection is the tagged-variant connection object for one bot; at
// most one of OneBot/Discord is non-nil.
type BotConnection struct {
	OneBot  *OneBotConnection
	Discord *DiscordConnection
}

type pendingRequest struct {
	replyCh chan json.RawMessage
}

type sendStatusEntry struct {
	status    SendStatus
	checkedAt time.Time
}

type discordMessageEntry struct {
	botID, messageID string
	payload          json.RawMessage
}

// Registry is the bot-runtime singleton: one per orchestrator process.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*BotConnection
	selfIDs     map[string]string

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	sendStatusMu sync.Mutex
	sendStatus   map[string]sendStatusEntry

	msgIndexMu sync.Mutex
	msgIndex   map[string]int // "botID|messageID" -> slice index
	msgOrder   []discordMessageEntry

	dedup *ratelimit.TTLCache[struct{}]
}

const (
	rpcTimeout          = 15 * time.Second
	sendStatusTTL       = 3 * time.Second
	outboundDedupTTL    = 5 * time.Second
	discordIndexCapacity = 2048
)

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		connections: make(map[string]*BotConnection),
		selfIDs:     make(map[string]string),
		pending:     make(map[string]*pendingRequest),
		sendStatus:  make(map[string]sendStatusEntry),
		msgIndex:    make(map[string]int),
		dedup:       ratelimit.NewTTLCache[struct{}](outboundDedupTTL),
	}
}

// Register installs a connection for botID, replacing any prior one. The
// registry write lock is held only long enough to swap the map entry.
func (r *Registry) Register(botID string, conn *BotConnection) {
	r.mu.Lock()
	r.connections[botID] = conn
	r.mu.Unlock()
}

// Unregister removes botID's connection, if present, and fails every
// still-pending RPC for it so no caller leaks waiting forever.
func (r *Registry) Unregister(botID string) {
	r.mu.Lock()
	delete(r.connections, botID)
	r.mu.Unlock()

	r.pendingMu.Lock()
	prefix := botID + "|"
	for echo, p := range r.pending {
		if len(echo) >= len(prefix) && echo[:len(prefix)] == prefix {
			close(p.replyCh)
			delete(r.pending, echo)
		}
	}
	r.pendingMu.Unlock()
}

// Get returns a snapshot of botID's connection, without holding the
// registry lock during any subsequent I/O.
func (r *Registry) Get(botID string) (*BotConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connections[botID]
	return c, ok
}

// CallAPI performs a OneBot RPC by echo correlation, or synthesizes a
// Discord response for a small whitelist of actions.
func (r *Registry) CallAPI(ctx context.Context, botID, action string, params map[string]any) (json.RawMessage, error) {
	conn, ok := r.Get(botID)
	if !ok {
		return nil, nberr.New(nberr.NotFound, "bot not connected: "+botID)
	}

	if conn.OneBot != nil {
		return r.callOneBot(ctx, botID, conn.OneBot, action, params)
	}
	if conn.Discord != nil {
		return r.callDiscordWhitelist(botID, action, params)
	}
	return nil, nberr.New(nberr.NotFound, "bot has no live transport: "+botID)
}

func (r *Registry) callOneBot(ctx context.Context, botID string, oc *OneBotConnection, action string, params map[string]any) (json.RawMessage, error) {
	echo := fmt.Sprintf("%s_%d", action, time.Now().UnixNano())
	pendingKey := botID + "|" + echo

	frame := map[string]any{"action": action, "params": params, "echo": echo}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, nberr.Wrap(nberr.BadRequest, "marshal rpc frame", err)
	}

	replyCh := make(chan json.RawMessage, 1)
	r.pendingMu.Lock()
	r.pending[pendingKey] = &pendingRequest{replyCh: replyCh}
	r.pendingMu.Unlock()

	defer func() {
		r.pendingMu.Lock()
		delete(r.pending, pendingKey)
		r.pendingMu.Unlock()
	}()

	select {
	case oc.Send <- data:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	timer := time.NewTimer(rpcTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-replyCh:
		if !ok {
			return nil, nberr.New(nberr.Transport, "connection unregistered during rpc: "+action)
		}
		return resp, nil
	case <-timer.C:
		return nil, nberr.New(nberr.RpcTimeout, "rpc timed out after 15s: "+action)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResolveEcho delivers an incoming frame carrying echo to the caller
// waiting on it for botID's connection, if one is still pending. Returns
// false if the echo is unknown (stale, already-timed-out, or never
// registered) and should be ignored.
func (r *Registry) ResolveEcho(botID, echo string, data json.RawMessage) bool {
	r.pendingMu.Lock()
	key := botID + "|" + echo
	p, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.pendingMu.Unlock()
	if !ok {
		return false
	}
	p.replyCh <- data
	close(p.replyCh)
	return true
}

func (r *Registry) callDiscordWhitelist(botID, action string, params map[string]any) (json.RawMessage, error) {
	switch action {
	case "get_login_info":
		selfID, _ := r.GetSelfID(botID)
		return json.Marshal(map[string]any{"user_id": selfID})
	case "get_msg":
		msgID, _ := params["message_id"].(string)
		if payload, ok := r.LookupDiscordMessage(botID, msgID); ok {
			return payload, nil
		}
		return nil, nberr.New(nberr.NotFound, "message not indexed: "+msgID)
	default:
		return nil, nil
	}
}

// GetSelfID returns the cached bot identity, populated on Discord READY or
// lazily via OneBot get_login_info.
func (r *Registry) GetSelfID(botID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.selfIDs[botID]
	return id, ok
}

// SetSelfID caches botID's identity.
func (r *Registry) SetSelfID(botID, selfID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfIDs[botID] = selfID
}

// SelfID returns botID's identity, fetching it lazily via get_login_info
// over a OneBot connection on a cache miss. Discord
// identities are only ever populated from READY.
func (r *Registry) SelfID(ctx context.Context, botID string) (string, bool) {
	if id, ok := r.GetSelfID(botID); ok && id != "" {
		return id, true
	}
	conn, ok := r.Get(botID)
	if !ok || conn.OneBot == nil {
		return "", false
	}
	resp, err := r.CallAPI(ctx, botID, "get_login_info", nil)
	if err != nil || resp == nil {
		return "", false
	}
	var parsed struct {
		Data struct {
			UserID json.Number `json:"user_id"`
		} `json:"data"`
	}
	if json.Unmarshal(resp, &parsed) != nil || parsed.Data.UserID.String() == "" {
		return "", false
	}
	r.SetSelfID(botID, parsed.Data.UserID.String())
	return parsed.Data.UserID.String(), true
}

// ResolveNickname looks up a display name for userID: in a group context
// get_group_member_info's card then nickname, else get_stranger_info's
// nickname. Satisfies privacy.NicknameResolver.
func (r *Registry) ResolveNickname(ctx context.Context, botID, groupID, userID string) (string, bool) {
	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return "", false
	}

	if groupID != "" {
		gid, gerr := strconv.ParseInt(groupID, 10, 64)
		if gerr == nil {
			resp, merr := r.CallAPI(ctx, botID, "get_group_member_info", map[string]any{
				"group_id": gid, "user_id": uid,
			})
			if merr == nil && resp != nil {
				var member struct {
					Data struct {
						Card     string `json:"card"`
						Nickname string `json:"nickname"`
					} `json:"data"`
				}
				if json.Unmarshal(resp, &member) == nil {
					if member.Data.Card != "" {
						return member.Data.Card, true
					}
					if member.Data.Nickname != "" {
						return member.Data.Nickname, true
					}
				}
			}
		}
	}

	resp, serr := r.CallAPI(ctx, botID, "get_stranger_info", map[string]any{"user_id": uid})
	if serr != nil || resp == nil {
		return "", false
	}
	var stranger struct {
		Data struct {
			Nickname string `json:"nickname"`
		} `json:"data"`
	}
	if json.Unmarshal(resp, &stranger) == nil && stranger.Data.Nickname != "" {
		return stranger.Data.Nickname, true
	}
	return "", false
}

// IndexDiscordMessage records a normalized Discord message in the bounded
// FIFO index, evicting the oldest entry once at capacity.
func (r *Registry) IndexDiscordMessage(botID, messageID string, payload json.RawMessage) {
	r.msgIndexMu.Lock()
	defer r.msgIndexMu.Unlock()

	key := botID + "|" + messageID
	if _, exists := r.msgIndex[key]; exists {
		return
	}
	if len(r.msgOrder) >= discordIndexCapacity {
		oldest := r.msgOrder[0]
		r.msgOrder = r.msgOrder[1:]
		delete(r.msgIndex, oldest.botID+"|"+oldest.messageID)
		// Every remaining entry moved down one slot.
		for k, idx := range r.msgIndex {
			r.msgIndex[k] = idx - 1
		}
	}
	r.msgOrder = append(r.msgOrder, discordMessageEntry{botID: botID, messageID: messageID, payload: payload})
	r.msgIndex[key] = len(r.msgOrder) - 1
}

// LookupDiscordMessage answers a get_msg request from the index without a
// Discord API call.
func (r *Registry) LookupDiscordMessage(botID, messageID string) (json.RawMessage, bool) {
	r.msgIndexMu.Lock()
	defer r.msgIndexMu.Unlock()
	idx, ok := r.msgIndex[botID+"|"+messageID]
	if !ok || idx >= len(r.msgOrder) {
		return nil, false
	}
	return r.msgOrder[idx].payload, true
}

// GetGroupSendStatus returns the 3s-cached send status for (botID, groupID),
// performing upstream checks only on a cache miss.
func (r *Registry) GetGroupSendStatus(ctx context.Context, botID, groupID string, isOneBot bool) (SendStatus, error) {
	key := botID + "|" + groupID

	r.sendStatusMu.Lock()
	if e, ok := r.sendStatus[key]; ok && time.Since(e.checkedAt) < sendStatusTTL {
		r.sendStatusMu.Unlock()
		return e.status, nil
	}
	r.sendStatusMu.Unlock()

	status := StatusAllowed
	if isOneBot {
		var err error
		status, err = r.checkOneBotMuteStatus(ctx, botID, groupID)
		if err != nil {
			return StatusUnknown, err
		}
	}

	r.sendStatusMu.Lock()
	r.sendStatus[key] = sendStatusEntry{status: status, checkedAt: time.Now()}
	r.sendStatusMu.Unlock()
	return status, nil
}

// WriteMutedStatus records a Muted verdict learned from a failed Discord
// send (permission error 403/50013), write-through into the cache.
func (r *Registry) WriteMutedStatus(botID, groupID string) {
	r.sendStatusMu.Lock()
	defer r.sendStatusMu.Unlock()
	r.sendStatus[botID+"|"+groupID] = sendStatusEntry{status: StatusMuted, checkedAt: time.Now()}
}

func (r *Registry) checkOneBotMuteStatus(ctx context.Context, botID, groupID string) (SendStatus, error) {
	memberInfo, err := r.CallAPI(ctx, botID, "get_group_member_info", map[string]any{
		"group_id": groupID,
		"user_id":  mustSelfIDInt(r, botID),
	})
	if err != nil {
		return StatusUnknown, err
	}

	var member struct {
		Data struct {
			Role       string `json:"role"`
			ShutUpTime int64  `json:"shut_up_timestamp"`
		} `json:"data"`
	}
	if err := json.Unmarshal(memberInfo, &member); err != nil {
		return StatusUnknown, nberr.Wrap(nberr.BadRequest, "decode get_group_member_info", err)
	}
	if member.Data.Role == "admin" || member.Data.Role == "owner" {
		return StatusAllowed, nil
	}
	if member.Data.ShutUpTime > time.Now().Unix() {
		return StatusMuted, nil
	}

	groupInfo, err := r.CallAPI(ctx, botID, "get_group_info", map[string]any{"group_id": groupID})
	if err != nil {
		return StatusUnknown, err
	}
	var info struct {
		Data struct {
			GroupAllShut bool `json:"group_all_shut"`
		} `json:"data"`
	}
	if err := json.Unmarshal(groupInfo, &info); err != nil {
		return StatusUnknown, nberr.Wrap(nberr.BadRequest, "decode get_group_info", err)
	}
	if info.Data.GroupAllShut {
		return StatusMuted, nil
	}
	return StatusAllowed, nil
}

func mustSelfIDInt(r *Registry, botID string) int64 {
	id, _ := r.GetSelfID(botID)
	n, _ := strconv.ParseInt(id, 10, 64)
	return n
}

// CheckAndDedup reports whether (botID, target, payload) is a fresh send
// within the dedup TTL; the first caller in any window always wins.
func (r *Registry) CheckAndDedup(botID, target, payload string) bool {
	key := dedupKey(botID, target, payload)
	return r.dedup.CheckAndSet(key, struct{}{})
}

func dedupKey(botID, target, payload string) string {
	h := sha256Hex(botID + "\x00" + target + "\x00" + payload)
	return h
}
