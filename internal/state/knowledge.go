package state

import (
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Knowledge entry categories.
const (
	CategoryBestPractice       = "best_practice"
	CategoryFailureCase        = "failure_case"
	CategoryTechnicalNote      = "technical_note"
	CategoryProcessImprovement = "process_improvement"
)

// KnowledgeEntry is one immutable knowledge base record. Entries are never
// mutated after write.
type KnowledgeEntry struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Category         string    `json:"category"`
	Content          string    `json:"content"`
	Tags             []string  `json:"tags"`
	RelatedWorkflows []string  `json:"relatedWorkflows"`
	AuthorAgentID    string    `json:"authorAgentId"`
	CreatedAt        time.Time `json:"createdAt"`
}

// knowledgeIndex is the searchable summary persisted at
// knowledge-base/index.json.
type knowledgeIndex struct {
	Entries []knowledgeIndexEntry `json:"entries"`
}

type knowledgeIndexEntry struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Category  string    `json:"category"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"createdAt"`
}

// KnowledgeBase stores knowledge entries under knowledge-base/entries/ with a
// summary index for listing and search.
type KnowledgeBase struct {
	store *Store
}

// NewKnowledgeBase wraps a store.
func NewKnowledgeBase(store *Store) *KnowledgeBase {
	return &KnowledgeBase{store: store}
}

func knowledgeEntryPath(id string) string {
	return path.Join(DirKnowledge, "entries", id+".json")
}

func knowledgeIndexPath() string {
	return path.Join(DirKnowledge, "index.json")
}

// Add persists a new entry and updates the index. The id and createdAt are
// assigned here when absent.
func (kb *KnowledgeBase) Add(entry *KnowledgeEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := kb.store.SaveJSON(knowledgeEntryPath(entry.ID), entry); err != nil {
		return err
	}

	var idx knowledgeIndex
	_ = kb.store.LoadJSON(knowledgeIndexPath(), &idx)
	idx.Entries = append(idx.Entries, knowledgeIndexEntry{
		ID:        entry.ID,
		Title:     entry.Title,
		Category:  entry.Category,
		Tags:      entry.Tags,
		CreatedAt: entry.CreatedAt,
	})
	return kb.store.SaveJSON(knowledgeIndexPath(), &idx)
}

// Get loads one entry by id.
func (kb *KnowledgeBase) Get(id string) (*KnowledgeEntry, error) {
	var entry KnowledgeEntry
	if err := kb.store.LoadJSON(knowledgeEntryPath(id), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// List returns every entry, newest first.
func (kb *KnowledgeBase) List() ([]*KnowledgeEntry, error) {
	ids, err := kb.store.List(path.Join(DirKnowledge, "entries"))
	if err != nil {
		return nil, err
	}
	entries := make([]*KnowledgeEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := kb.Get(id)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// Search returns entries whose title, tags, or category contain the query,
// case-insensitively. An empty query matches everything.
func (kb *KnowledgeBase) Search(query string) ([]*KnowledgeEntry, error) {
	entries, err := kb.List()
	if err != nil {
		return nil, err
	}
	if query == "" {
		return entries, nil
	}

	q := strings.ToLower(query)
	var matched []*KnowledgeEntry
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Title), q) ||
			strings.Contains(strings.ToLower(e.Category), q) ||
			strings.Contains(strings.ToLower(e.Content), q) {
			matched = append(matched, e)
			continue
		}
		for _, tag := range e.Tags {
			if strings.Contains(strings.ToLower(tag), q) {
				matched = append(matched, e)
				break
			}
		}
	}
	return matched, nil
}

// ForWorkflow returns entries that reference a workflow id.
func (kb *KnowledgeBase) ForWorkflow(workflowID string) ([]*KnowledgeEntry, error) {
	entries, err := kb.List()
	if err != nil {
		return nil, err
	}
	var matched []*KnowledgeEntry
	for _, e := range entries {
		for _, wf := range e.RelatedWorkflows {
			if wf == workflowID {
				matched = append(matched, e)
				break
			}
		}
	}
	return matched, nil
}
