// Package conversation persists chat history as one JSON document per
// conversation. Writes are atomic (temp file, fsync, rename) and serialized
// per conversation, so concurrent requests against the same id never
// interleave partial states.
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound reports a missing conversation. The HTTP layer maps it to 404.
var ErrNotFound = errors.New("conversation not found")

const titleMaxRunes = 40

// Roles a message can carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary is the listing view; message bodies stay on disk.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	LastTime     time.Time `json:"last_time"`
}

// FileStore keeps each conversation in <dir>/<id>.json.
type FileStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create conversations directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// lockFor returns the mutex serializing writes for one conversation.
func (s *FileStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[id] = l
	return l
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Create starts an empty conversation and persists it immediately.
func (s *FileStore) Create() (*Conversation, error) {
	now := time.Now().UTC()
	conv := &Conversation{
		ID:        uuid.NewString(),
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	lock := s.lockFor(conv.ID)
	lock.Lock()
	defer lock.Unlock()
	if err := s.save(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *FileStore) Get(id string) (*Conversation, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return s.load(id)
}

// Append adds messages to a conversation. The first user message ever
// appended becomes the title, truncated to a display-friendly length.
func (s *FileStore) Append(id string, msgs ...Message) (*Conversation, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	conv, err := s.load(id)
	if err != nil {
		return nil, err
	}

	for i := range msgs {
		if msgs[i].Timestamp.IsZero() {
			msgs[i].Timestamp = time.Now().UTC()
		}
	}
	conv.Messages = append(conv.Messages, msgs...)
	conv.UpdatedAt = time.Now().UTC()

	if conv.Title == "" {
		for _, m := range conv.Messages {
			if m.Role == RoleUser && strings.TrimSpace(m.Content) != "" {
				conv.Title = makeTitle(m.Content)
				break
			}
		}
	}

	if err := s.save(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Clear removes all messages but keeps the conversation.
func (s *FileStore) Clear(id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	conv, err := s.load(id)
	if err != nil {
		return err
	}
	conv.Messages = []Message{}
	conv.Title = ""
	conv.UpdatedAt = time.Now().UTC()
	return s.save(conv)
}

func (s *FileStore) Delete(id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}

	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
	return nil
}

// List returns summaries of every conversation, most recently updated first.
func (s *FileStore) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		conv, err := s.Get(id)
		if err != nil {
			// A file mid-rename or corrupted by hand; skip it rather
			// than failing the whole listing.
			continue
		}
		summaries = append(summaries, Summary{
			ID:           conv.ID,
			Title:        conv.Title,
			MessageCount: len(conv.Messages),
			LastTime:     conv.UpdatedAt,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastTime.After(summaries[j].LastTime)
	})
	return summaries, nil
}

func (s *FileStore) load(id string) (*Conversation, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("corrupt conversation %s: %w", id, err)
	}
	return &conv, nil
}

func (s *FileStore) save(conv *Conversation) error {
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, conv.ID+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(conv.ID))
}

func makeTitle(content string) string {
	title := strings.TrimSpace(content)
	runes := []rune(title)
	if len(runes) > titleMaxRunes {
		return string(runes[:titleMaxRunes]) + "…"
	}
	return title
}
