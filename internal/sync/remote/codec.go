package remote

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
	"github.com/kimhsiao/novachat/backend/internal/models"
)

// Rows arrive from PostgreSQL (int64, time.Time), from JSON feeds
// (float64, RFC 3339 strings) and from tests. They are decoded into
// models exactly once here; nothing downstream inspects a Row.

// ConversationToRow encodes c for the remote store.
func ConversationToRow(c *models.Conversation) Row {
	return Row{
		"id":         string(c.ID),
		"owner_id":   c.OwnerID,
		"title":      c.Title,
		"created_at": c.CreatedAt,
		"updated_at": c.UpdatedAt,
		"deleted_at": optional(c.DeletedAt),
	}
}

// MessageToRow encodes m for the remote store.
func MessageToRow(m *models.Message) Row {
	var deletedBy interface{}
	if m.DeletedBy != models.DeletedByNone {
		deletedBy = string(m.DeletedBy)
	}
	return Row{
		"id":              string(m.ID),
		"conversation_id": string(m.ConversationID),
		"owner_id":        m.OwnerID,
		"role":            string(m.Role),
		"content":         models.EncodeContent(m.Content),
		"created_at":      m.CreatedAt,
		"updated_at":      m.UpdatedAt,
		"deleted_at":      optional(m.DeletedAt),
		"deleted_by":      deletedBy,
	}
}

// ConversationFromRow decodes a remote conversation. The result is marked
// synced since it is remote truth.
func ConversationFromRow(r Row) (*models.Conversation, error) {
	var d decoder
	c := &models.Conversation{
		ID:        models.UUID(d.requiredString(r, "id")),
		OwnerID:   d.requiredString(r, "owner_id"),
		Title:     d.str(r, "title"),
		CreatedAt: d.millis(r, "created_at"),
		UpdatedAt: d.millis(r, "updated_at"),
		DeletedAt: d.optionalMillis(r, "deleted_at"),
		SyncState: models.SyncStateSynced,
	}
	if d.err != nil {
		return nil, d.wrap("conversation")
	}
	return c, nil
}

// MessageFromRow decodes a remote message. The result is marked synced.
func MessageFromRow(r Row) (*models.Message, error) {
	var d decoder
	m := &models.Message{
		ID:             models.UUID(d.requiredString(r, "id")),
		ConversationID: models.UUID(d.requiredString(r, "conversation_id")),
		OwnerID:        d.requiredString(r, "owner_id"),
		Role:           models.Role(d.requiredString(r, "role")),
		Content:        models.DecodeContent(d.content(r, "content")),
		CreatedAt:      d.millis(r, "created_at"),
		UpdatedAt:      d.millisOr(r, "updated_at", 0),
		DeletedAt:      d.optionalMillis(r, "deleted_at"),
		DeletedBy:      models.DeletedBy(d.str(r, "deleted_by")),
		SyncState:      models.SyncStateSynced,
	}
	if d.err == nil && !m.Role.Valid() {
		d.fail(fmt.Errorf("role: unknown value %q", m.Role))
	}
	switch m.DeletedBy {
	case models.DeletedByNone, models.DeletedBySelf, models.DeletedByEveryone:
	default:
		d.fail(fmt.Errorf("deleted_by: unknown value %q", m.DeletedBy))
	}
	if m.DeletedAt != nil && m.DeletedBy == models.DeletedByNone {
		m.DeletedBy = models.DeletedByEveryone
	}
	if m.UpdatedAt == 0 {
		m.UpdatedAt = m.CreatedAt
	}
	if d.err != nil {
		return nil, d.wrap("message")
	}
	return m, nil
}

// ToMillis converts any supported timestamp representation to Unix ms.
func ToMillis(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, fmt.Errorf("invalid timestamp %v", t)
		}
		return int64(t), nil
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, nil
		}
		f, err := t.Float64()
		if err != nil {
			return 0, err
		}
		return int64(f), nil
	case time.Time:
		return t.UnixMilli(), nil
	case *time.Time:
		if t == nil {
			return 0, fmt.Errorf("nil timestamp")
		}
		return t.UnixMilli(), nil
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n, nil
		}
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return 0, fmt.Errorf("invalid timestamp %q", t)
		}
		return ts.UnixMilli(), nil
	}
	return 0, fmt.Errorf("unsupported timestamp type %T", v)
}

func optional(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

// decoder accumulates the first error while reading fields.
type decoder struct {
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) wrap(kind string) error {
	return apperrors.Wrap(apperrors.ErrValidation, "decode remote "+kind, d.err)
}

func (d *decoder) str(r Row, key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		d.fail(fmt.Errorf("%s: expected string, got %T", key, v))
		return ""
	}
}

func (d *decoder) requiredString(r Row, key string) string {
	s := d.str(r, key)
	if s == "" {
		d.fail(fmt.Errorf("%s: required", key))
	}
	return s
}

// content accepts an encoded string or an already-parsed JSON payload.
func (d *decoder) content(r Row, key string) string {
	switch v := r[key].(type) {
	case map[string]interface{}:
		data, err := json.Marshal(v)
		if err != nil {
			d.fail(fmt.Errorf("%s: %w", key, err))
			return ""
		}
		return string(data)
	default:
		return d.str(r, key)
	}
}

func (d *decoder) millis(r Row, key string) int64 {
	v, ok := r[key]
	if !ok || v == nil {
		d.fail(fmt.Errorf("%s: required", key))
		return 0
	}
	ms, err := ToMillis(v)
	if err != nil {
		d.fail(fmt.Errorf("%s: %w", key, err))
	}
	return ms
}

func (d *decoder) millisOr(r Row, key string, def int64) int64 {
	if p := d.optionalMillis(r, key); p != nil {
		return *p
	}
	return def
}

func (d *decoder) optionalMillis(r Row, key string) *int64 {
	v, ok := r[key]
	if !ok || v == nil {
		return nil
	}
	ms, err := ToMillis(v)
	if err != nil {
		d.fail(fmt.Errorf("%s: %w", key, err))
		return nil
	}
	return &ms
}
