// Package registry owns agent credentials and the live-connection table: it
// is the sole gate through which a WebSocket connection is accepted as a
// named agent, and the sole place a token is ever compared. Grounded on the
// teacher's internal/agentmanager.Manager (RWMutex-protected connection
// table, Register/Deregister/IsConnected/ConnectedAgents) merged with its
// repository.AgentRepository for credential persistence.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskhub/hub/internal/repository"
)

// Connection is the minimal handle the registry needs on a live agent
// socket: enough to evict it without the registry importing the gateway
// package (which in turn depends on the registry for validation).
type Connection interface {
	Close() error
}

// AgentInfo is a snapshot of one agent's credential and (if any) live
// connection state, returned by register/list_online/find lookups.
type AgentInfo struct {
	AgentName   string
	OwnerID     int64
	Online      bool
	ConnectedAt time.Time
	LastSeen    time.Time
}

type liveConn struct {
	conn        Connection
	connectedAt time.Time
	lastSeen    time.Time
}

// Registry is the credential store plus the in-memory connection table.
// Per spec §5: registry connections/credentials/token index use a single
// writer discipline per key; reads may be concurrent with writes.
type Registry struct {
	mu    sync.RWMutex
	live  map[string]*liveConn
	creds repository.CredentialRepository
	log   *zap.Logger
}

// New constructs a Registry backed by creds.
func New(creds repository.CredentialRepository, log *zap.Logger) *Registry {
	return &Registry{
		live:  make(map[string]*liveConn),
		creds: creds,
		log:   log.Named("registry"),
	}
}

// generateToken returns an agt_-prefixed token built from 24 random bytes,
// base64url-encoded, per spec §3.
func generateToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("registry: generate token: %w", err)
	}
	return "agt_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// IssueToken generates a fresh token for agentName, replacing any existing
// credential for that name atomically (the old token stops validating the
// instant this call returns).
func (r *Registry) IssueToken(ctx context.Context, agentName string, ownerID int64) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	cred := repository.Credential{
		AgentName: agentName,
		Token:     token,
		OwnerID:   ownerID,
		CreatedAt: time.Now(),
	}
	if err := r.creds.Upsert(ctx, cred); err != nil {
		return "", fmt.Errorf("registry: issue token: %w", err)
	}
	return token, nil
}

// RefreshToken reissues agentName's token if callerOwnerID matches the
// existing credential's owner, closing any live connection for the name so
// it must reconnect with the new token. Returns "" with no error if the
// owner does not match (spec: "returns null").
func (r *Registry) RefreshToken(ctx context.Context, agentName string, callerOwnerID int64) (string, error) {
	existing, err := r.creds.FindByName(ctx, agentName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("registry: refresh token: %w", err)
	}
	if existing.OwnerID != callerOwnerID {
		return "", nil
	}
	token, err := r.IssueToken(ctx, agentName, callerOwnerID)
	if err != nil {
		return "", err
	}
	r.evict(agentName)
	return token, nil
}

// Validate performs a constant-time comparison of token against the stored
// credential for agentName. It returns false (never an error) on length
// mismatch or missing credential, so timing does not leak which case hit.
func (r *Registry) Validate(ctx context.Context, agentName, token string) bool {
	cred, err := r.creds.FindByName(ctx, agentName)
	if err != nil {
		return false
	}
	if len(cred.Token) != len(token) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cred.Token), []byte(token)) == 1
}

// LookupByToken resolves a bearer token to an agent_name. Used by the HTTP
// API's auth middleware.
func (r *Registry) LookupByToken(ctx context.Context, token string) (string, bool) {
	cred, err := r.creds.FindByToken(ctx, token)
	if err != nil {
		return "", false
	}
	return cred.AgentName, true
}

// FindCredentialByOwner resolves the single credential owned by ownerID,
// used when a user rotates their own agent's token without naming it.
func (r *Registry) FindCredentialByOwner(ctx context.Context, ownerID int64) (repository.Credential, bool) {
	cred, err := r.creds.FindByOwner(ctx, ownerID)
	if err != nil {
		return repository.Credential{}, false
	}
	return cred, true
}

// CredentialByName returns the stored credential, e.g. to resolve an
// agent's owner_id for approval routing.
func (r *Registry) CredentialByName(ctx context.Context, agentName string) (repository.Credential, bool) {
	cred, err := r.creds.FindByName(ctx, agentName)
	if err != nil {
		return repository.Credential{}, false
	}
	return cred, true
}

// Register installs conn as the live connection for agentName, evicting
// (closing) any prior connection for the same name first. Register does not
// itself validate credentials — the gateway calls Validate before Register,
// keeping the constant-time check outside the lock.
func (r *Registry) Register(agentName string, conn Connection) {
	r.mu.Lock()
	prior := r.live[agentName]
	now := time.Now()
	r.live[agentName] = &liveConn{conn: conn, connectedAt: now, lastSeen: now}
	r.mu.Unlock()

	if prior != nil {
		if err := prior.conn.Close(); err != nil {
			r.log.Debug("closing evicted connection", zap.String("agent_name", agentName), zap.Error(err))
		}
	}
}

// evict closes and removes agentName's live connection, if any. Used by
// RefreshToken to force a reconnect with the new token.
func (r *Registry) evict(agentName string) {
	r.mu.Lock()
	prior := r.live[agentName]
	delete(r.live, agentName)
	r.mu.Unlock()
	if prior != nil {
		_ = prior.conn.Close()
	}
}

// Unregister removes the live connection for agentName without touching its
// credential.
func (r *Registry) Unregister(agentName string) {
	r.mu.Lock()
	delete(r.live, agentName)
	r.mu.Unlock()
}

// Touch updates last_seen for agentName, called on every inbound frame
// (pong included).
func (r *Registry) Touch(agentName string) {
	r.mu.RLock()
	lc, ok := r.live[agentName]
	r.mu.RUnlock()
	if ok {
		r.mu.Lock()
		lc.lastSeen = time.Now()
		r.mu.Unlock()
	}
}

// IsConnected reports whether agentName currently has a live connection.
func (r *Registry) IsConnected(agentName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.live[agentName]
	return ok
}

// ConnectionFor returns the live Connection for agentName, if any — used by
// the gateway to write frames without holding the registry lock during I/O.
func (r *Registry) ConnectionFor(agentName string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lc, ok := r.live[agentName]
	if !ok {
		return nil, false
	}
	return lc.conn, true
}

// ListOnline returns a snapshot of every agent with a live connection,
// merging in owner_id from the credential store.
func (r *Registry) ListOnline(ctx context.Context) []AgentInfo {
	r.mu.RLock()
	snapshot := make(map[string]liveConn, len(r.live))
	for name, lc := range r.live {
		snapshot[name] = *lc
	}
	r.mu.RUnlock()

	out := make([]AgentInfo, 0, len(snapshot))
	for name, lc := range snapshot {
		info := AgentInfo{
			AgentName:   name,
			Online:      true,
			ConnectedAt: lc.connectedAt,
			LastSeen:    lc.lastSeen,
		}
		if cred, ok := r.CredentialByName(ctx, name); ok {
			info.OwnerID = cred.OwnerID
		}
		out = append(out, info)
	}
	return out
}
