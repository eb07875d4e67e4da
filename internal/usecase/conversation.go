package usecase

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ragent/internal/domain"
)

// Conversation is the ordered message history of one session.
//
// The first message is always the system prompt. Every mutation is written
// through to disk so the history survives engine restarts.
type Conversation struct {
	mu        sync.RWMutex
	id        string
	path      string
	msgs      []domain.Message
	createdAt time.Time
	updatedAt time.Time
}

// conversationFile is the on-disk JSON shape.
type conversationFile struct {
	ID        string           `json:"id"`
	Messages  []domain.Message `json:"messages"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NewConversation creates a conversation rooted at the given system prompt,
// persisted as <dataDir>/<id>.json. If a file for the id already exists the
// history is restored from it; a restored history missing its system prompt
// gets one reinserted at the front.
func NewConversation(id, systemPrompt, dataDir string) (*Conversation, error) {
	c := &Conversation{
		id:        id,
		path:      filepath.Join(dataDir, id+".json"),
		createdAt: time.Now(),
		updatedAt: time.Now(),
	}

	if err := c.loadFromDisk(); err == nil {
		if len(c.msgs) == 0 || c.msgs[0].Role != domain.RoleSystem {
			c.msgs = append([]domain.Message{{
				Role:      domain.RoleSystem,
				Content:   systemPrompt,
				Timestamp: time.Now(),
			}}, c.msgs...)
			if err := c.flushLocked(); err != nil {
				return nil, err
			}
		}
		return c, nil
	}

	c.msgs = []domain.Message{{
		Role:      domain.RoleSystem,
		Content:   systemPrompt,
		Timestamp: time.Now(),
	}}
	if err := c.flushLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

// ID returns the conversation's session id.
func (c *Conversation) ID() string { return c.id }

// Append adds a message to the history and flushes it to disk.
// The persistence error is returned so callers can log it; the in-memory
// append has already happened either way.
func (c *Conversation) Append(msg domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	c.msgs = append(c.msgs, msg)
	c.updatedAt = time.Now()
	return c.flushLocked()
}

// Messages returns a copy of the message history.
func (c *Conversation) Messages() []domain.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := make([]domain.Message, len(c.msgs))
	copy(cp, c.msgs)
	return cp
}

// Len returns the number of messages including the system prompt.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.msgs)
}

// Truncate shrinks the history to at most maxMessages entries, keeping the
// leading system prompt and the most recent maxMessages-1 others.
func (c *Conversation) Truncate(maxMessages int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if maxMessages < 1 || len(c.msgs) <= maxMessages {
		return nil
	}
	kept := make([]domain.Message, 0, maxMessages)
	kept = append(kept, c.msgs[0])
	kept = append(kept, c.msgs[len(c.msgs)-(maxMessages-1):]...)
	c.msgs = kept
	c.updatedAt = time.Now()
	return c.flushLocked()
}

// UpdatedAt returns the time of the last mutation.
func (c *Conversation) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updatedAt
}

// Delete removes the on-disk file. The in-memory history is untouched.
func (c *Conversation) Delete() error {
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove conversation file: %w", err)
	}
	return nil
}

func (c *Conversation) loadFromDisk() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	var f conversationFile
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.msgs = f.Messages
	if !f.CreatedAt.IsZero() {
		c.createdAt = f.CreatedAt
	}
	if !f.UpdatedAt.IsZero() {
		c.updatedAt = f.UpdatedAt
	}
	return nil
}

// flushLocked writes the history to disk. Callers must hold c.mu.
func (c *Conversation) flushLocked() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := json.MarshalIndent(conversationFile{
		ID:        c.id,
		Messages:  c.msgs,
		CreatedAt: c.createdAt,
		UpdatedAt: c.updatedAt,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	return os.WriteFile(c.path, data, 0600)
}
