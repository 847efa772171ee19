package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
)

const (
	sharedSchema       = "public"
	connectionsTable   = "channel_connections"
	pgOperationTimeout = 5 * time.Second
)

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// statusLadder orders delivery states for the SQL-side merge upgrade. Must
// match model.UpgradeStatus.
const statusLadder = `ARRAY['pending','sent','delivered','read','failed']`

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore implements Store on Postgres via lib/pq. Tenant isolation is
// schema-per-tenant: every per-tenant statement is qualified with the
// tenant's quoted schema name.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu      sync.Mutex
	tenants map[string]*pgTenant
}

// NewPostgres creates a PostgresStore. The connection is opened lazily on
// first use.
func NewPostgres(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("store: empty postgres dsn")
	}
	return &PostgresStore{
		dsn:     dsn,
		openDB:  sql.Open,
		tenants: make(map[string]*pgTenant),
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), pgOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.%s (
				provider_account_id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				tenant_schema TEXT NOT NULL,
				channel_id TEXT NOT NULL,
				channel_type TEXT NOT NULL,
				account_identifier TEXT NOT NULL DEFAULT '',
				auth_status TEXT NOT NULL DEFAULT 'connected',
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(sharedSchema), quoteIdentifier(connectionsTable))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) ListConnections(ctx context.Context) ([]model.ChannelConnection, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT provider_account_id, tenant_id, tenant_schema, channel_id,
		       channel_type, account_identifier, auth_status, updated_at
		FROM %s.%s`, quoteIdentifier(sharedSchema), quoteIdentifier(connectionsTable))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ChannelConnection
	for rows.Next() {
		var c model.ChannelConnection
		if err := rows.Scan(&c.ProviderAccountID, &c.TenantID, &c.TenantSchema,
			&c.ChannelID, &c.ChannelType, &c.AccountIdentifier, &c.AuthStatus, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetConnection(ctx context.Context, providerAccountID string) (*model.ChannelConnection, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT provider_account_id, tenant_id, tenant_schema, channel_id,
		       channel_type, account_identifier, auth_status, updated_at
		FROM %s.%s WHERE provider_account_id = $1`,
		quoteIdentifier(sharedSchema), quoteIdentifier(connectionsTable))
	var c model.ChannelConnection
	err := s.db.QueryRowContext(ctx, query, providerAccountID).Scan(
		&c.ProviderAccountID, &c.TenantID, &c.TenantSchema, &c.ChannelID,
		&c.ChannelType, &c.AccountIdentifier, &c.AuthStatus, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) UpsertConnection(ctx context.Context, conn *model.ChannelConnection) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s.%s (provider_account_id, tenant_id, tenant_schema,
			channel_id, channel_type, account_identifier, auth_status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (provider_account_id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			tenant_schema = EXCLUDED.tenant_schema,
			channel_id = EXCLUDED.channel_id,
			channel_type = EXCLUDED.channel_type,
			account_identifier = CASE WHEN EXCLUDED.account_identifier <> ''
				THEN EXCLUDED.account_identifier ELSE %[1]s.%[2]s.account_identifier END,
			auth_status = EXCLUDED.auth_status,
			updated_at = NOW()`,
		quoteIdentifier(sharedSchema), quoteIdentifier(connectionsTable))
	_, err := s.db.ExecContext(ctx, query,
		conn.ProviderAccountID, conn.TenantID, conn.TenantSchema,
		conn.ChannelID, conn.ChannelType, conn.AccountIdentifier, conn.AuthStatus)
	return err
}

func (s *PostgresStore) Tenant(schema string) TenantStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[schema]
	if !ok {
		t = &pgTenant{store: s, schema: schema}
		s.tenants[schema] = t
	}
	return t
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// quoteIdentifier quotes a Postgres identifier.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// pgTenant is the schema-scoped half of PostgresStore.
type pgTenant struct {
	store  *PostgresStore
	schema string

	migrateOnce sync.Once
	migrateErr  error
}

func (t *pgTenant) table(name string) string {
	return quoteIdentifier(t.schema) + "." + quoteIdentifier(name)
}

// EnsureSchema creates the tenant schema and its tables if absent. Tenant
// provisioning owns the real migration path; this keeps development and the
// sync runner self-sufficient.
func (t *pgTenant) ensureSchema(ctx context.Context) error {
	if err := t.store.ensureReady(); err != nil {
		return err
	}
	t.migrateOnce.Do(func() {
		stmts := []string{
			fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, quoteIdentifier(t.schema)),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				provider_account_id TEXT NOT NULL UNIQUE,
				channel_type TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				auth_status TEXT NOT NULL DEFAULT 'connected',
				account_identifier TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, t.table("channels")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				identifier TEXT NOT NULL UNIQUE,
				kind TEXT NOT NULL,
				display_name TEXT NOT NULL DEFAULT '',
				contact_id TEXT NOT NULL DEFAULT '',
				confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
				resolution_method TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, t.table("participants")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				channel_id TEXT NOT NULL,
				external_thread_id TEXT NOT NULL,
				subject TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'active',
				last_message_at TIMESTAMPTZ,
				unread_count INTEGER NOT NULL DEFAULT 0,
				metadata JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (channel_id, external_thread_id)
			)`, t.table("conversations")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				conversation_id TEXT NOT NULL,
				channel_id TEXT NOT NULL,
				external_id TEXT,
				tracking_id TEXT,
				direction TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'sent',
				content TEXT NOT NULL DEFAULT '',
				html_content TEXT NOT NULL DEFAULT '',
				sender_id TEXT NOT NULL DEFAULT '',
				sent_at TIMESTAMPTZ,
				received_at TIMESTAMPTZ,
				metadata JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, t.table("messages")),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS messages_external_id_key
				ON %s (channel_id, external_id) WHERE external_id IS NOT NULL`,
				t.table("messages")),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS messages_tracking_id_key
				ON %s (channel_id, tracking_id) WHERE tracking_id IS NOT NULL`,
				t.table("messages")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				conversation_id TEXT NOT NULL,
				participant_id TEXT NOT NULL,
				role TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (conversation_id, participant_id)
			)`, t.table("conversation_participants")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				channel_id TEXT NOT NULL,
				status TEXT NOT NULL,
				threads_seen INTEGER NOT NULL DEFAULT 0,
				messages_seen INTEGER NOT NULL DEFAULT 0,
				messages_stored INTEGER NOT NULL DEFAULT 0,
				messages_skipped INTEGER NOT NULL DEFAULT 0,
				messages_failed INTEGER NOT NULL DEFAULT 0,
				error TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMPTZ,
				finished_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, t.table("sync_jobs")),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, stmt := range stmts {
			if _, err := t.store.db.ExecContext(ctx, stmt); err != nil {
				t.migrateErr = err
				return
			}
		}
	})
	return t.migrateErr
}

func (t *pgTenant) GetChannel(ctx context.Context, channelID string) (*model.Channel, error) {
	if err := t.ensureSchema(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, provider_account_id, channel_type, name, auth_status,
		       account_identifier, created_at, updated_at
		FROM %s WHERE id = $1`, t.table("channels"))
	var ch model.Channel
	err := t.store.db.QueryRowContext(ctx, query, channelID).Scan(
		&ch.ID, &ch.ProviderAccountID, &ch.Type, &ch.Name, &ch.AuthStatus,
		&ch.AccountIdentifier, &ch.CreatedAt, &ch.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (t *pgTenant) UpsertChannel(ctx context.Context, ch *model.Channel) (*model.Channel, error) {
	if err := t.ensureSchema(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, provider_account_id, channel_type, name,
			auth_status, account_identifier)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider_account_id) DO UPDATE SET
			name = EXCLUDED.name,
			auth_status = EXCLUDED.auth_status,
			account_identifier = CASE WHEN EXCLUDED.account_identifier <> ''
				THEN EXCLUDED.account_identifier ELSE %[1]s.account_identifier END,
			updated_at = NOW()
		RETURNING id, provider_account_id, channel_type, name, auth_status,
			account_identifier, created_at, updated_at`, t.table("channels"))
	var out model.Channel
	err := t.store.db.QueryRowContext(ctx, query,
		ch.ID, ch.ProviderAccountID, ch.Type, ch.Name, ch.AuthStatus, ch.AccountIdentifier).Scan(
		&out.ID, &out.ProviderAccountID, &out.Type, &out.Name, &out.AuthStatus,
		&out.AccountIdentifier, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *pgTenant) SetChannelAuthStatus(ctx context.Context, channelID string, status model.AuthStatus) error {
	if err := t.ensureSchema(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET auth_status = $2, updated_at = NOW() WHERE id = $1`,
		t.table("channels"))
	res, err := t.store.db.ExecContext(ctx, query, channelID, status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTenant) GetOrCreateParticipant(ctx context.Context, d model.ParticipantDescriptor) (*model.Participant, error) {
	if err := t.ensureSchema(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()

	// The display name only upgrades when the observed one is informative
	// (not id-like) and the stored one is empty or id-like.
	query := fmt.Sprintf(`
		INSERT INTO %s (id, identifier, kind, display_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identifier) DO UPDATE SET
			display_name = CASE
				WHEN EXCLUDED.display_name <> ''
				     AND EXCLUDED.display_name !~ '^[\d+@.[:space:]\-_:()]*$'
				     AND (%[1]s.display_name = ''
				          OR %[1]s.display_name ~ '^[\d+@.[:space:]\-_:()]*$')
				THEN EXCLUDED.display_name
				ELSE %[1]s.display_name END,
			updated_at = NOW()
		RETURNING id, identifier, kind, display_name, contact_id, confidence,
			resolution_method, created_at, updated_at`, t.table("participants"))
	var p model.Participant
	err := t.store.db.QueryRowContext(ctx, query,
		newID(), d.Identifier, d.Kind, d.DisplayName).Scan(
		&p.ID, &p.Identifier, &p.Kind, &p.DisplayName, &p.ContactID,
		&p.Confidence, &p.ResolutionMethod, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTenant) LinkParticipantContact(ctx context.Context, participantID, contactID string, confidence float64, method model.ResolutionMethod) (*model.Participant, error) {
	if err := t.ensureSchema(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()

	// One-way sticky: the WHERE clause refuses to relink.
	query := fmt.Sprintf(`
		UPDATE %s SET contact_id = $2, confidence = $3, resolution_method = $4,
			updated_at = NOW()
		WHERE id = $1 AND contact_id = ''
		RETURNING id, identifier, kind, display_name, contact_id, confidence,
			resolution_method, created_at, updated_at`, t.table("participants"))
	var p model.Participant
	err := t.store.db.QueryRowContext(ctx, query, participantID, contactID, confidence, method).Scan(
		&p.ID, &p.Identifier, &p.Kind, &p.DisplayName, &p.ContactID,
		&p.Confidence, &p.ResolutionMethod, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t.getParticipant(ctx, participantID)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTenant) OverrideParticipantContact(ctx context.Context, participantID, contactID string) (*model.Participant, error) {
	if err := t.ensureSchema(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET contact_id = $2, confidence = 1.0, resolution_method = $3,
			updated_at = NOW()
		WHERE id = $1
		RETURNING id, identifier, kind, display_name, contact_id, confidence,
			resolution_method, created_at, updated_at`, t.table("participants"))
	var p model.Participant
	err := t.store.db.QueryRowContext(ctx, query, participantID, contactID, model.MethodManual).Scan(
		&p.ID, &p.Identifier, &p.Kind, &p.DisplayName, &p.ContactID,
		&p.Confidence, &p.ResolutionMethod, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTenant) getParticipant(ctx context.Context, participantID string) (*model.Participant, error) {
	query := fmt.Sprintf(`
		SELECT id, identifier, kind, display_name, contact_id, confidence,
			resolution_method, created_at, updated_at
		FROM %s WHERE id = $1`, t.table("participants"))
	var p model.Participant
	err := t.store.db.QueryRowContext(ctx, query, participantID).Scan(
		&p.ID, &p.Identifier, &p.Kind, &p.DisplayName, &p.ContactID,
		&p.Confidence, &p.ResolutionMethod, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTenant) FindContactByIdentifier(ctx context.Context, identifier string) (*model.Contact, error) {
	if err := t.ensureSchema(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()

	// contacts and contact_identifiers are owned by the CRM surface; this
	// pipeline only reads them.
	query := fmt.Sprintf(`
		SELECT c.id, c.name
		FROM %s.contacts c
		JOIN %s.contact_identifiers ci ON ci.contact_id = c.id
		WHERE ci.identifier = $1
		LIMIT 1`, quoteIdentifier(t.schema), quoteIdentifier(t.schema))
	var c model.Contact
	err := t.store.db.QueryRowContext(ctx, query, identifier).Scan(&c.ID, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Identifiers = []string{identifier}
	return &c, nil
}

func (t *pgTenant) GetConversationByThread(ctx context.Context, channelID, externalThreadID string) (*model.Conversation, error) {
	if err := t.ensureSchema(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, channel_id, external_thread_id, subject, status,
			last_message_at, unread_count, metadata, created_at, updated_at
		FROM %s WHERE channel_id = $1 AND external_thread_id = $2`,
		t.table("conversations"))
	return t.scanConversation(t.store.db.QueryRowContext(ctx, query, channelID, externalThreadID))
}

func (t *pgTenant) CreateConversation(ctx context.Context, conv *model.Conversation) (*model.Conversation, error) {
	if err := t.ensureSchema(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()

	id := conv.ID
	if id == "" {
		id = newID()
	}
	status := conv.Status
	if status == "" {
		status = model.ConversationActive
	}
	meta, err := json.Marshal(orEmptyMeta(conv.Metadata))
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, channel_id, external_thread_id, subject, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (channel_id, external_thread_id) DO NOTHING
		RETURNING id, channel_id, external_thread_id, subject, status,
			last_message_at, unread_count, metadata, created_at, updated_at`,
		t.table("conversations"))
	created, err := t.scanConversationErr(t.store.db.QueryRowContext(ctx, query,
		id, conv.ChannelID, conv.ExternalThreadID, conv.Subject, status, meta))
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	// Lost the race; the winning row is the conversation.
	return t.GetConversationByThread(ctx, conv.ChannelID, conv.ExternalThreadID)
}

func (t *pgTenant) scanConversation(row *sql.Row) (*model.Conversation, error) {
	conv, err := t.scanConversationErr(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return conv, err
}

func (t *pgTenant) scanConversationErr(row *sql.Row) (*model.Conversation, error) {
	var conv model.Conversation
	var meta []byte
	err := row.Scan(&conv.ID, &conv.ChannelID, &conv.ExternalThreadID,
		&conv.Subject, &conv.Status, &conv.LastMessageAt, &conv.UnreadCount,
		&meta, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &conv.Metadata); err != nil {
			return nil, err
		}
	}
	return &conv, nil
}

func (t *pgTenant) TouchConversation(ctx context.Context, conversationID string, lastMessageAt time.Time, incrementUnread bool) error {
	if err := t.ensureSchema(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()

	unread := 0
	if incrementUnread {
		unread = 1
	}
	query := fmt.Sprintf(`
		UPDATE %s SET
			last_message_at = GREATEST(COALESCE(last_message_at, $2), $2),
			unread_count = unread_count + $3,
			updated_at = NOW()
		WHERE id = $1`, t.table("conversations"))
	_, err := t.store.db.ExecContext(ctx, query, conversationID, lastMessageAt, unread)
	return err
}

func (t *pgTenant) AddConversationParticipant(ctx context.Context, conversationID, participantID string, role model.ParticipantRole) error {
	if err := t.ensureSchema(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (conversation_id, participant_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, participant_id) DO NOTHING`,
		t.table("conversation_participants"))
	_, err := t.store.db.ExecContext(ctx, query, conversationID, participantID, role)
	return err
}

func (t *pgTenant) UpsertMessage(ctx context.Context, m *MessageUpsert) (*model.Message, MatchKind, error) {
	if err := t.ensureSchema(ctx); err != nil {
		return nil, MatchNone, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()

	id := m.ID
	if id == "" {
		id = newID()
	}
	meta, err := json.Marshal(orEmptyMeta(m.Metadata))
	if err != nil {
		return nil, MatchNone, err
	}

	// One atomic statement: the candidate CTE pins the row matched by
	// external id (preferred) or tracking id, merged upgrades it, inserted
	// fires only when nothing matched. The partial unique index on
	// (channel_id, external_id) serializes concurrent inserts of the same
	// message and its ON CONFLICT arm merges the loser into the winner,
	// reported as a merge via the xmax-is-zero insert test. Content and
	// direction are never overwritten on merge.
	query := fmt.Sprintf(`
		WITH candidate AS (
			SELECT id, CASE WHEN NULLIF($4, '') IS NOT NULL AND external_id = $4
					THEN 'external_id' ELSE 'tracking_id' END AS matched_by
			FROM %[1]s
			WHERE channel_id = $3
				AND (external_id = NULLIF($4, '') OR tracking_id = NULLIF($5, ''))
			LIMIT 1
		),
		merged AS (
			UPDATE %[1]s msg SET
				external_id = COALESCE(NULLIF($4, ''), msg.external_id),
				status = CASE WHEN COALESCE(array_position(%[2]s, $7), 0)
						> COALESCE(array_position(%[2]s, msg.status), 0)
					THEN $7 ELSE msg.status END,
				sent_at = COALESCE(msg.sent_at, $11),
				received_at = COALESCE(msg.received_at, $12),
				metadata = msg.metadata || $13::jsonb,
				updated_at = NOW()
			FROM candidate c
			WHERE msg.id = c.id
			RETURNING msg.*, c.matched_by
		),
		inserted AS (
			INSERT INTO %[1]s AS msg (id, conversation_id, channel_id,
				external_id, tracking_id, direction, status, content,
				html_content, sender_id, sent_at, received_at, metadata)
			SELECT $1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9,
				$10, $11, $12, $13::jsonb
			WHERE NOT EXISTS (SELECT 1 FROM candidate)
			ON CONFLICT (channel_id, external_id) WHERE external_id IS NOT NULL
			DO UPDATE SET
				status = CASE WHEN COALESCE(array_position(%[2]s, EXCLUDED.status), 0)
						> COALESCE(array_position(%[2]s, msg.status), 0)
					THEN EXCLUDED.status ELSE msg.status END,
				metadata = msg.metadata || EXCLUDED.metadata,
				updated_at = NOW()
			RETURNING msg.*, CASE WHEN msg.xmax = 0 THEN 'created'
				ELSE 'external_id' END AS matched_by
		)
		SELECT id, conversation_id, channel_id, COALESCE(external_id, ''),
			COALESCE(tracking_id, ''), direction, status, content,
			html_content, sender_id, sent_at, received_at, metadata,
			created_at, updated_at, matched_by
		FROM merged
		UNION ALL
		SELECT id, conversation_id, channel_id, COALESCE(external_id, ''),
			COALESCE(tracking_id, ''), direction, status, content,
			html_content, sender_id, sent_at, received_at, metadata,
			created_at, updated_at, matched_by
		FROM inserted`,
		t.table("messages"), statusLadder)

	scan := func() (*model.Message, MatchKind, []byte, error) {
		var msg model.Message
		var rawMeta []byte
		var matchedBy string
		err := t.store.db.QueryRowContext(ctx, query,
			id, m.ConversationID, m.ChannelID, m.ExternalID, m.TrackingID,
			m.Direction, m.Status, m.Content, m.HTMLContent, m.SenderID,
			m.SentAt, m.ReceivedAt, meta).Scan(
			&msg.ID, &msg.ConversationID, &msg.ChannelID, &msg.ExternalID,
			&msg.TrackingID, &msg.Direction, &msg.Status, &msg.Content,
			&msg.HTMLContent, &msg.SenderID, &msg.SentAt, &msg.ReceivedAt,
			&rawMeta, &msg.CreatedAt, &msg.UpdatedAt, &matchedBy)
		return &msg, MatchKind(matchedBy), rawMeta, err
	}

	msg, match, rawMeta, err := scan()
	if isUniqueViolation(err) {
		// Tracking-id races bypass the ON CONFLICT arm (its target is the
		// external-id index). The concurrent winner is committed now, so the
		// candidate CTE matches on retry.
		msg, match, rawMeta, err = scan()
	}
	if err != nil {
		return nil, MatchNone, err
	}
	if len(rawMeta) > 0 {
		if err := json.Unmarshal(rawMeta, &msg.Metadata); err != nil {
			return nil, MatchNone, err
		}
	}
	return msg, match, nil
}

func (t *pgTenant) GetMessageByExternalID(ctx context.Context, channelID, externalID string) (*model.Message, error) {
	if err := t.ensureSchema(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, conversation_id, channel_id, COALESCE(external_id, ''),
			COALESCE(tracking_id, ''), direction, status, content,
			html_content, sender_id, sent_at, received_at, metadata,
			created_at, updated_at
		FROM %s WHERE channel_id = $1 AND external_id = $2`, t.table("messages"))
	var msg model.Message
	var rawMeta []byte
	err := t.store.db.QueryRowContext(ctx, query, channelID, externalID).Scan(
		&msg.ID, &msg.ConversationID, &msg.ChannelID, &msg.ExternalID,
		&msg.TrackingID, &msg.Direction, &msg.Status, &msg.Content,
		&msg.HTMLContent, &msg.SenderID, &msg.SentAt, &msg.ReceivedAt,
		&rawMeta, &msg.CreatedAt, &msg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(rawMeta) > 0 {
		if err := json.Unmarshal(rawMeta, &msg.Metadata); err != nil {
			return nil, err
		}
	}
	return &msg, nil
}

func (t *pgTenant) CreateSyncJob(ctx context.Context, job *model.SyncJob) error {
	if err := t.ensureSchema(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()

	if job.ID == "" {
		job.ID = newID()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, channel_id, status, started_at)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`, t.table("sync_jobs"))
	return t.store.db.QueryRowContext(ctx, query,
		job.ID, job.ChannelID, job.Status, job.StartedAt).Scan(&job.CreatedAt)
}

func (t *pgTenant) AddSyncJobProgress(ctx context.Context, jobID string, threads, seen, stored, skipped, failed int) error {
	if err := t.ensureSchema(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET
			threads_seen = threads_seen + $2,
			messages_seen = messages_seen + $3,
			messages_stored = messages_stored + $4,
			messages_skipped = messages_skipped + $5,
			messages_failed = messages_failed + $6
		WHERE id = $1`, t.table("sync_jobs"))
	_, err := t.store.db.ExecContext(ctx, query, jobID, threads, seen, stored, skipped, failed)
	return err
}

func (t *pgTenant) FinishSyncJob(ctx context.Context, jobID string, status model.SyncJobStatus, errMsg string) error {
	if err := t.ensureSchema(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, error = $3, finished_at = NOW()
		WHERE id = $1`, t.table("sync_jobs"))
	_, err := t.store.db.ExecContext(ctx, query, jobID, status, errMsg)
	return err
}

func (t *pgTenant) GetSyncJob(ctx context.Context, jobID string) (*model.SyncJob, error) {
	if err := t.ensureSchema(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, channel_id, status, threads_seen, messages_seen,
			messages_stored, messages_skipped, messages_failed, error,
			started_at, finished_at, created_at
		FROM %s WHERE id = $1`, t.table("sync_jobs"))
	var job model.SyncJob
	err := t.store.db.QueryRowContext(ctx, query, jobID).Scan(
		&job.ID, &job.ChannelID, &job.Status, &job.ThreadsSeen,
		&job.MessagesSeen, &job.MessagesStored, &job.MessagesSkipped,
		&job.MessagesFailed, &job.Error, &job.StartedAt, &job.FinishedAt,
		&job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func orEmptyMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
