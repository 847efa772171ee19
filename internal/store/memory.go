package store

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
)

// MemoryStore is an in-memory Store with the same semantics as the Postgres
// implementation. Used by tests and local development.
type MemoryStore struct {
	mu          sync.RWMutex
	connections map[string]*model.ChannelConnection
	tenants     map[string]*memoryTenant
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		connections: make(map[string]*model.ChannelConnection),
		tenants:     make(map[string]*memoryTenant),
	}
}

func (s *MemoryStore) ListConnections(ctx context.Context) ([]model.ChannelConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ChannelConnection, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, *c)
	}
	return out, nil
}

func (s *MemoryStore) GetConnection(ctx context.Context, providerAccountID string) (*model.ChannelConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connections[providerAccountID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) UpsertConnection(ctx context.Context, conn *model.ChannelConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *conn
	cp.UpdatedAt = time.Now().UTC()
	s.connections[conn.ProviderAccountID] = &cp
	return nil
}

func (s *MemoryStore) Tenant(schema string) TenantStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[schema]
	if !ok {
		t = newMemoryTenant()
		s.tenants[schema] = t
	}
	return t
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

type memoryTenant struct {
	mu            sync.Mutex
	channels      map[string]*model.Channel
	participants  map[string]*model.Participant // keyed by normalized identifier
	contacts      map[string]*model.Contact     // keyed by contact id
	contactIndex  map[string]string             // identifier → contact id
	conversations map[string]*model.Conversation
	convByThread  map[string]string // channelID+"\x00"+threadID → conversation id
	convMembers   map[string]model.ParticipantRole
	messages      map[string]*model.Message
	syncJobs      map[string]*model.SyncJob
}

func newMemoryTenant() *memoryTenant {
	return &memoryTenant{
		channels:      make(map[string]*model.Channel),
		participants:  make(map[string]*model.Participant),
		contacts:      make(map[string]*model.Contact),
		contactIndex:  make(map[string]string),
		conversations: make(map[string]*model.Conversation),
		convByThread:  make(map[string]string),
		convMembers:   make(map[string]model.ParticipantRole),
		messages:      make(map[string]*model.Message),
		syncJobs:      make(map[string]*model.SyncJob),
	}
}

// AddContact seeds a CRM contact record. Test and dev helper; contact CRUD is
// owned by the CRM surface, not this pipeline.
func (t *memoryTenant) AddContact(c model.Contact) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := c
	t.contacts[c.ID] = &cp
	for _, id := range c.Identifiers {
		t.contactIndex[id] = c.ID
	}
}

func (t *memoryTenant) GetChannel(ctx context.Context, channelID string) (*model.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ch
	return &cp, nil
}

func (t *memoryTenant) UpsertChannel(ctx context.Context, ch *model.Channel) (*model.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now().UTC()
	for _, existing := range t.channels {
		if existing.ProviderAccountID == ch.ProviderAccountID {
			existing.Name = ch.Name
			existing.AuthStatus = ch.AuthStatus
			if ch.AccountIdentifier != "" {
				existing.AccountIdentifier = ch.AccountIdentifier
			}
			existing.UpdatedAt = now
			cp := *existing
			return &cp, nil
		}
	}
	cp := *ch
	if cp.ID == "" {
		cp.ID = uuid.Must(uuid.NewV7()).String()
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	t.channels[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (t *memoryTenant) SetChannelAuthStatus(ctx context.Context, channelID string, status model.AuthStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[channelID]
	if !ok {
		return ErrNotFound
	}
	ch.AuthStatus = status
	ch.UpdatedAt = time.Now().UTC()
	return nil
}

// idLikePattern matches display names that are really identifiers: digits,
// phone punctuation, addresses.
var idLikePattern = regexp.MustCompile(`^[\d+@.\s\-_:()]*$`)

func displayNameImproves(existing, incoming string) bool {
	if incoming == "" || idLikePattern.MatchString(incoming) {
		return false
	}
	return existing == "" || idLikePattern.MatchString(existing)
}

func (t *memoryTenant) GetOrCreateParticipant(ctx context.Context, d model.ParticipantDescriptor) (*model.Participant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now().UTC()
	if p, ok := t.participants[d.Identifier]; ok {
		if displayNameImproves(p.DisplayName, d.DisplayName) {
			p.DisplayName = d.DisplayName
			p.UpdatedAt = now
		}
		cp := *p
		return &cp, nil
	}
	p := &model.Participant{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Identifier:  d.Identifier,
		Kind:        d.Kind,
		DisplayName: d.DisplayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	t.participants[d.Identifier] = p
	cp := *p
	return &cp, nil
}

func (t *memoryTenant) LinkParticipantContact(ctx context.Context, participantID, contactID string, confidence float64, method model.ResolutionMethod) (*model.Participant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.participantByID(participantID)
	if p == nil {
		return nil, ErrNotFound
	}
	if p.ContactID == "" {
		p.ContactID = contactID
		p.Confidence = confidence
		p.ResolutionMethod = method
		p.UpdatedAt = time.Now().UTC()
	}
	cp := *p
	return &cp, nil
}

func (t *memoryTenant) OverrideParticipantContact(ctx context.Context, participantID, contactID string) (*model.Participant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.participantByID(participantID)
	if p == nil {
		return nil, ErrNotFound
	}
	p.ContactID = contactID
	p.Confidence = 1.0
	p.ResolutionMethod = model.MethodManual
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	return &cp, nil
}

func (t *memoryTenant) participantByID(id string) *model.Participant {
	for _, p := range t.participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (t *memoryTenant) FindContactByIdentifier(ctx context.Context, identifier string) (*model.Contact, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.contactIndex[identifier]
	if !ok {
		return nil, ErrNotFound
	}
	c := t.contacts[id]
	cp := *c
	return &cp, nil
}

func threadKey(channelID, externalThreadID string) string {
	return channelID + "\x00" + externalThreadID
}

func (t *memoryTenant) GetConversationByThread(ctx context.Context, channelID, externalThreadID string) (*model.Conversation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.convByThread[threadKey(channelID, externalThreadID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t.conversations[id]
	return &cp, nil
}

func (t *memoryTenant) CreateConversation(ctx context.Context, conv *model.Conversation) (*model.Conversation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := threadKey(conv.ChannelID, conv.ExternalThreadID)
	if id, ok := t.convByThread[key]; ok {
		cp := *t.conversations[id]
		return &cp, nil
	}
	now := time.Now().UTC()
	cp := *conv
	if cp.ID == "" {
		cp.ID = uuid.Must(uuid.NewV7()).String()
	}
	if cp.Status == "" {
		cp.Status = model.ConversationActive
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	t.conversations[cp.ID] = &cp
	t.convByThread[key] = cp.ID
	out := cp
	return &out, nil
}

func (t *memoryTenant) TouchConversation(ctx context.Context, conversationID string, lastMessageAt time.Time, incrementUnread bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	conv, ok := t.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	if conv.LastMessageAt == nil || lastMessageAt.After(*conv.LastMessageAt) {
		ts := lastMessageAt
		conv.LastMessageAt = &ts
	}
	if incrementUnread {
		conv.UnreadCount++
	}
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memoryTenant) AddConversationParticipant(ctx context.Context, conversationID, participantID string, role model.ParticipantRole) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := conversationID + "\x00" + participantID
	if _, ok := t.convMembers[key]; !ok {
		t.convMembers[key] = role
	}
	return nil
}

func (t *memoryTenant) UpsertMessage(ctx context.Context, m *MessageUpsert) (*model.Message, MatchKind, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now().UTC()

	var existing *model.Message
	match := MatchNone
	if m.ExternalID != "" {
		for _, msg := range t.messages {
			if msg.ChannelID == m.ChannelID && msg.ExternalID == m.ExternalID {
				existing, match = msg, MatchExternalID
				break
			}
		}
	}
	if existing == nil && m.TrackingID != "" {
		for _, msg := range t.messages {
			if msg.ChannelID == m.ChannelID && msg.TrackingID == m.TrackingID {
				existing, match = msg, MatchTrackingID
				break
			}
		}
	}

	if existing != nil {
		if m.ExternalID != "" && existing.ExternalID == "" {
			existing.ExternalID = m.ExternalID
		}
		existing.Status = model.UpgradeStatus(existing.Status, m.Status)
		if existing.Metadata == nil {
			existing.Metadata = make(map[string]any)
		}
		for k, v := range m.Metadata {
			existing.Metadata[k] = v
		}
		if existing.SentAt == nil {
			existing.SentAt = m.SentAt
		}
		if existing.ReceivedAt == nil {
			existing.ReceivedAt = m.ReceivedAt
		}
		existing.UpdatedAt = now
		cp := *existing
		return &cp, match, nil
	}

	msg := &model.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		ChannelID:      m.ChannelID,
		ExternalID:     m.ExternalID,
		TrackingID:     m.TrackingID,
		Direction:      m.Direction,
		Status:         m.Status,
		Content:        m.Content,
		HTMLContent:    m.HTMLContent,
		SenderID:       m.SenderID,
		SentAt:         m.SentAt,
		ReceivedAt:     m.ReceivedAt,
		Metadata:       cloneMetadata(m.Metadata),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	t.messages[msg.ID] = msg
	cp := *msg
	return &cp, MatchNone, nil
}

func (t *memoryTenant) GetMessageByExternalID(ctx context.Context, channelID, externalID string) (*model.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, msg := range t.messages {
		if msg.ChannelID == channelID && msg.ExternalID == externalID {
			cp := *msg
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// MessageCount reports stored messages. Test helper.
func (t *memoryTenant) MessageCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// ConversationCount reports stored conversations. Test helper.
func (t *memoryTenant) ConversationCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conversations)
}

func (t *memoryTenant) CreateSyncJob(ctx context.Context, job *model.SyncJob) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := *job
	if cp.ID == "" {
		cp.ID = uuid.Must(uuid.NewV7()).String()
	}
	cp.CreatedAt = time.Now().UTC()
	t.syncJobs[cp.ID] = &cp
	*job = cp
	return nil
}

func (t *memoryTenant) AddSyncJobProgress(ctx context.Context, jobID string, threads, seen, stored, skipped, failed int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.syncJobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.ThreadsSeen += threads
	job.MessagesSeen += seen
	job.MessagesStored += stored
	job.MessagesSkipped += skipped
	job.MessagesFailed += failed
	return nil
}

func (t *memoryTenant) FinishSyncJob(ctx context.Context, jobID string, status model.SyncJobStatus, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.syncJobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Status = status
	job.Error = errMsg
	now := time.Now().UTC()
	job.FinishedAt = &now
	return nil
}

func (t *memoryTenant) GetSyncJob(ctx context.Context, jobID string) (*model.SyncJob, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.syncJobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
