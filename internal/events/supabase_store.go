package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"
)

// SupabaseStore appends events to a PostgREST table. The table is expected
// to have conversation_id, sequence, type, source, payload (jsonb) and
// created_at columns, with a unique (conversation_id, sequence) key.
type SupabaseStore struct {
	client *supabase.Client
	table  string
}

type eventRow struct {
	ConversationID string          `json:"conversation_id"`
	Sequence       uint64          `json:"sequence"`
	Type           string          `json:"type"`
	Source         string          `json:"source"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func NewSupabaseStore(url, serviceKey, table string) (*SupabaseStore, error) {
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	if table == "" {
		table = "realtime_events"
	}
	return &SupabaseStore{client: client, table: table}, nil
}

// AppendEvent inserts one row. The context is not forwarded; the PostgREST
// client has no per-request context, so the Recorder bounds the call.
func (s *SupabaseStore) AppendEvent(_ context.Context, ev Event) error {
	row := eventRow{
		ConversationID: ev.ConversationID,
		Sequence:       ev.Sequence,
		Type:           string(ev.Type),
		Source:         string(ev.Source),
		Payload:        ev.Payload,
		CreatedAt:      ev.Timestamp,
	}
	if _, _, err := s.client.From(s.table).Insert(row, false, "", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *SupabaseStore) ListEvents(_ context.Context, conversationID string, since uint64) ([]Event, error) {
	var rows []eventRow
	_, err := s.client.From(s.table).
		Select("*", "", false).
		Eq("conversation_id", conversationID).
		Gt("sequence", strconv.FormatUint(since, 10)).
		Order("sequence", &postgrest.OrderOpts{Ascending: true}).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.event())
	}
	return out, nil
}

func (s *SupabaseStore) LastSequence(_ context.Context, conversationID string) (uint64, error) {
	var rows []eventRow
	_, err := s.client.From(s.table).
		Select("sequence", "", false).
		Eq("conversation_id", conversationID).
		Order("sequence", &postgrest.OrderOpts{Ascending: false}).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return 0, fmt.Errorf("failed to read last sequence: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Sequence, nil
}

func (r eventRow) event() Event {
	return Event{
		ConversationID: r.ConversationID,
		Sequence:       r.Sequence,
		Type:           Type(r.Type),
		Source:         Source(r.Source),
		Payload:        r.Payload,
		Timestamp:      r.CreatedAt,
	}
}
