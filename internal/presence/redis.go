package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionData is the per-session record mirrored into Redis so that other
// processes (and ops tooling) can see who is connected to which document.
type SessionData struct {
	SessionID     string `json:"session_id"`
	DocumentID    string `json:"document_id"`
	UserID        int64  `json:"user_id"`
	Name          string `json:"name"`
	Color         string `json:"color"`
	CanWrite      bool   `json:"can_write"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	ServerID      string `json:"server_id"`
}

// Manager tracks active document sessions in Redis
type Manager struct {
	client *redis.Client
	ctx    context.Context
	ttl    time.Duration
}

// NewManager creates a Manager with its own Redis connection
func NewManager(addr string, password string, db int, ttl time.Duration) *Manager {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &Manager{
		client: rdb,
		ctx:    context.Background(),
		ttl:    ttl,
	}
}

func (m *Manager) sessionKey(sessionID string) string {
	return fmt.Sprintf("presence:session:%s", sessionID)
}

func (m *Manager) documentKey(documentID string) string {
	return fmt.Sprintf("presence:doc:%s", documentID)
}

func (m *Manager) checkpointKey(documentID string) string {
	return fmt.Sprintf("checkpoint:doc:%s", documentID)
}

// Track registers a session. The session key expires on its own if the
// server dies without cleaning up.
func (m *Manager) Track(data SessionData) error {
	data.LastHeartbeat = time.Now().Unix()

	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	pipe := m.client.TxPipeline()
	pipe.Set(m.ctx, m.sessionKey(data.SessionID), jsonData, m.ttl)
	pipe.SAdd(m.ctx, m.documentKey(data.DocumentID), data.SessionID)
	pipe.Expire(m.ctx, m.documentKey(data.DocumentID), 24*time.Hour)
	_, err = pipe.Exec(m.ctx)
	return err
}

// Heartbeat extends the session TTL. Called on inbound traffic, not a timer.
func (m *Manager) Heartbeat(sessionID string) error {
	result, err := m.client.Expire(m.ctx, m.sessionKey(sessionID), m.ttl).Result()
	if err != nil {
		return err
	}
	if !result {
		return fmt.Errorf("session %s not found (expired)", sessionID)
	}
	return nil
}

// Untrack removes a session on disconnect
func (m *Manager) Untrack(documentID, sessionID string) error {
	pipe := m.client.TxPipeline()
	pipe.Del(m.ctx, m.sessionKey(sessionID))
	pipe.SRem(m.ctx, m.documentKey(documentID), sessionID)
	_, err := pipe.Exec(m.ctx)
	return err
}

// Active returns live sessions for a document. Session IDs whose keys have
// expired are pruned from the member set as a side effect.
func (m *Manager) Active(documentID string) ([]SessionData, error) {
	ids, err := m.client.SMembers(m.ctx, m.documentKey(documentID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []SessionData{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = m.sessionKey(id)
	}

	results, err := m.client.MGet(m.ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	sessions := make([]SessionData, 0, len(results))
	var stale []interface{}
	for i, result := range results {
		if result == nil {
			stale = append(stale, ids[i])
			continue
		}

		strVal, ok := result.(string)
		if !ok {
			continue
		}

		var data SessionData
		if err := json.Unmarshal([]byte(strVal), &data); err == nil {
			sessions = append(sessions, data)
		}
	}

	if len(stale) > 0 {
		m.client.SRem(m.ctx, m.documentKey(documentID), stale...)
	}

	return sessions, nil
}

// SetLastCheckpoint records when a document was last persisted
func (m *Manager) SetLastCheckpoint(documentID string) error {
	return m.client.Set(m.ctx, m.checkpointKey(documentID),
		time.Now().Unix(), 24*time.Hour).Err()
}

// LastCheckpoint returns the unix time of the last persist, 0 when unknown
func (m *Manager) LastCheckpoint(documentID string) (int64, error) {
	val, err := m.client.Get(m.ctx, m.checkpointKey(documentID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// RosterEvent announces a join or leave on the roster channel. ServerID
// names the publishing instance so subscribers can skip their own events.
type RosterEvent struct {
	DocumentID string `json:"document_id"`
	SessionID  string `json:"session_id"`
	UserID     int64  `json:"user_id"`
	Name       string `json:"name"`
	Joined     bool   `json:"joined"`
	ServerID   string `json:"server_id"`
	Timestamp  int64  `json:"timestamp"`
}

// PublishRoster publishes a join/leave event
func (m *Manager) PublishRoster(event RosterEvent) error {
	event.Timestamp = time.Now().Unix()

	jsonData, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return m.client.Publish(m.ctx, "roster_updates", jsonData).Err()
}

// SubscribeRoster subscribes to join/leave events
func (m *Manager) SubscribeRoster() *redis.PubSub {
	return m.client.Subscribe(m.ctx, "roster_updates")
}

// Ping verifies the Redis connection
func (m *Manager) Ping() error {
	return m.client.Ping(m.ctx).Err()
}

// Close shuts the Redis connection down
func (m *Manager) Close() error {
	return m.client.Close()
}
