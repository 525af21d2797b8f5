package client

import (
	"sort"
	"time"

	"messaging-service/internal/models"
)

// Entry is one rendered message. Before its ack it is addressed by TempID,
// afterwards by ID; lookups accept either.
type Entry struct {
	TempID         string
	ID             int64
	ConversationID int64
	SenderID       int64
	Content        string
	Type           string
	CreatedAt      time.Time
	LocalAt        time.Time
	Status         models.Status
}

// Confirmed reports whether the server assigned a durable id.
func (e Entry) Confirmed() bool {
	return e.ID != 0
}

// Outcome classifies the effect of a projection transition.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeInserted
	OutcomeUpdated
	// OutcomeDuplicate means the input was already reflected. It is not an error.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "ignored"
	}
}

// Changed reports whether the projection was modified.
func (o Outcome) Changed() bool {
	return o == OutcomeInserted || o == OutcomeUpdated
}

// Projection is the local, possibly optimistic, view of one conversation. It
// holds at most one entry per message. Confirmed entries are ordered by
// (CreatedAt, ID); unconfirmed ones follow in the order they were created.
// A Projection is not safe for concurrent use.
type Projection struct {
	conversationID int64
	entries        []Entry
}

func NewProjection(conversationID int64) *Projection {
	return &Projection{conversationID: conversationID}
}

func (p *Projection) ConversationID() int64 {
	return p.conversationID
}

// Entries returns a copy of the ordered entries.
func (p *Projection) Entries() []Entry {
	return append([]Entry(nil), p.entries...)
}

func (p *Projection) Len() int {
	return len(p.entries)
}

// Find looks an entry up by durable id or temp id.
func (p *Projection) Find(id int64, tempID string) (Entry, bool) {
	if i := p.index(id, tempID); i >= 0 {
		return p.entries[i], true
	}
	return Entry{}, false
}

// AddPending renders an optimistic entry for a send in flight.
func (p *Projection) AddPending(e Entry) Outcome {
	if e.TempID == "" {
		return OutcomeIgnored
	}
	if p.index(0, e.TempID) >= 0 {
		return OutcomeDuplicate
	}
	e.ID = 0
	e.ConversationID = p.conversationID
	if e.Status == "" {
		e.Status = models.StatusSending
	}
	if e.LocalAt.IsZero() {
		e.LocalAt = time.Now()
	}
	p.entries = append(p.entries, e)
	p.sort()
	return OutcomeInserted
}

// Apply merges a server-confirmed message, coming from an ack, a push or the
// REST fallback. The first arrival upgrades or inserts the entry; repeats are
// reported as duplicates unless they advance the status.
func (p *Projection) Apply(msg models.Message) Outcome {
	if msg.ID == 0 {
		return OutcomeIgnored
	}
	status := msg.Status
	if status == "" {
		status = models.StatusSent
	}

	i := p.index(msg.ID, msg.TempID)
	if i < 0 {
		p.entries = append(p.entries, entryFromMessage(msg, status))
		p.sort()
		return OutcomeInserted
	}

	e := &p.entries[i]
	if e.Confirmed() {
		next := e.Status.Advance(status)
		if next == e.Status {
			return OutcomeDuplicate
		}
		e.Status = next
		return OutcomeUpdated
	}

	e.ID = msg.ID
	e.CreatedAt = msg.CreatedAt
	if msg.Content != "" {
		e.Content = msg.Content
	}
	if msg.SenderID != 0 {
		e.SenderID = msg.SenderID
	}
	e.Status = e.Status.Advance(status)
	p.sort()
	return OutcomeUpdated
}

// SetStatus advances the status of a confirmed entry. It never moves a
// status backwards.
func (p *Projection) SetStatus(id int64, status models.Status) Outcome {
	i := p.index(id, "")
	if i < 0 {
		return OutcomeIgnored
	}
	e := &p.entries[i]
	next := e.Status.Advance(status)
	if next == e.Status {
		return OutcomeDuplicate
	}
	e.Status = next
	return OutcomeUpdated
}

// MarkFailed flags an unconfirmed entry as failed. Confirmed entries are left
// untouched since a late ack already won.
func (p *Projection) MarkFailed(tempID string) Outcome {
	i := p.index(0, tempID)
	if i < 0 {
		return OutcomeIgnored
	}
	e := &p.entries[i]
	if e.Confirmed() {
		return OutcomeIgnored
	}
	if e.Status == models.StatusFailed {
		return OutcomeDuplicate
	}
	e.Status = models.StatusFailed
	return OutcomeUpdated
}

// MarkRetrying moves a failed entry back to sending for a user retry and
// returns it.
func (p *Projection) MarkRetrying(tempID string) (Entry, bool) {
	i := p.index(0, tempID)
	if i < 0 || p.entries[i].Status != models.StatusFailed || p.entries[i].Confirmed() {
		return Entry{}, false
	}
	p.entries[i].Status = models.StatusSending
	return p.entries[i], true
}

// Remove drops an unconfirmed entry.
func (p *Projection) Remove(tempID string) bool {
	i := p.index(0, tempID)
	if i < 0 || p.entries[i].Confirmed() {
		return false
	}
	p.entries = append(p.entries[:i], p.entries[i+1:]...)
	return true
}

// MergeHistory reconciles the projection with an authoritative history list.
// Pending and failed entries survive. Confirmed entries missing from history
// survive only when newer than the newest history entry, since they were
// confirmed after the fetch was served. Local status never regresses.
func (p *Projection) MergeHistory(history []models.Message) bool {
	var newest time.Time
	for _, m := range history {
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
	}

	matched := make([]bool, len(p.entries))
	merged := make([]Entry, 0, len(history)+len(p.entries))
	changed := false
	for _, m := range history {
		status := m.Status
		if status == "" {
			status = models.StatusSent
		}
		i := p.matchHistory(m)
		if i < 0 {
			merged = append(merged, entryFromMessage(m, status))
			changed = true
			continue
		}
		matched[i] = true
		prev := p.entries[i]
		e := entryFromMessage(m, prev.Status.Advance(status))
		e.LocalAt = prev.LocalAt
		if e.TempID == "" {
			e.TempID = prev.TempID
		}
		if e != prev {
			changed = true
		}
		merged = append(merged, e)
	}

	for i, e := range p.entries {
		if matched[i] {
			continue
		}
		if !e.Confirmed() || e.CreatedAt.After(newest) {
			merged = append(merged, e)
			continue
		}
		changed = true
	}

	p.entries = merged
	p.sort()
	return changed
}

// Unread returns confirmed entries authored by someone other than selfID
// that are not read yet.
func (p *Projection) Unread(selfID int64) []Entry {
	var out []Entry
	for _, e := range p.entries {
		if e.Confirmed() && e.SenderID != selfID && e.Status != models.StatusRead {
			out = append(out, e)
		}
	}
	return out
}

func (p *Projection) matchHistory(m models.Message) int {
	for i, e := range p.entries {
		if e.ID != 0 && e.ID == m.ID {
			return i
		}
	}
	if m.TempID == "" {
		return -1
	}
	for i, e := range p.entries {
		if e.TempID == m.TempID && (e.SenderID == 0 || e.SenderID == m.SenderID) {
			return i
		}
	}
	return -1
}

func (p *Projection) index(id int64, tempID string) int {
	if id != 0 {
		for i, e := range p.entries {
			if e.ID == id {
				return i
			}
		}
	}
	if tempID != "" {
		for i, e := range p.entries {
			if e.TempID == tempID {
				return i
			}
		}
	}
	return -1
}

func (p *Projection) sort() {
	sort.SliceStable(p.entries, func(i, j int) bool {
		a, b := p.entries[i], p.entries[j]
		if a.Confirmed() != b.Confirmed() {
			return a.Confirmed()
		}
		if !a.Confirmed() {
			return a.LocalAt.Before(b.LocalAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func entryFromMessage(m models.Message, status models.Status) Entry {
	msgType := m.Type
	if msgType == "" {
		msgType = models.TypeText
	}
	return Entry{
		TempID:         m.TempID,
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Type:           msgType,
		CreatedAt:      m.CreatedAt,
		LocalAt:        m.CreatedAt,
		Status:         status,
	}
}
