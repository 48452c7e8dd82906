package respond

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ansr/internal/models"
	"ansr/internal/storage"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrCampaignClosed   = errors.New("campaign is not accepting responses")
	ErrEmptyResponse    = errors.New("response content required")
)

// Service owns campaigns, conversations, and response messages.
type Service struct {
	db *storage.DB
}

func NewService(db *storage.DB) *Service {
	return &Service{db: db}
}

// CreateCampaign inserts a campaign under the owner. A blank ID gets a
// slug derived from the title plus a short random suffix.
func (s *Service) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	if strings.TrimSpace(c.Title) == "" {
		return errors.New("campaign title required")
	}
	if c.ID == "" {
		c.ID = slugify(c.Title) + "-" + uuid.NewString()[:8]
	}
	if c.Status == "" {
		c.Status = models.CampaignActive
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns (id, title, description, owner_id, welcome_video_id,
			thank_you_video_id, thank_you_message, thank_you_type, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.Description, c.OwnerID, c.WelcomeVideoID,
		c.ThankYouVideoID, c.ThankYouMessage, c.ThankYouType, c.Status, now, now)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

// Campaign fetches one campaign by slug.
func (s *Service) Campaign(ctx context.Context, id string) (*models.Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, owner_id, welcome_video_id, thank_you_video_id,
			thank_you_message, thank_you_type, status, created_at, updated_at
		 FROM campaigns WHERE id = ?`, id)
	c := &models.Campaign{}
	err := row.Scan(&c.ID, &c.Title, &c.Description, &c.OwnerID, &c.WelcomeVideoID,
		&c.ThankYouVideoID, &c.ThankYouMessage, &c.ThankYouType, &c.Status,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	return c, nil
}

// CampaignsByOwner lists an owner's campaigns, newest first.
func (s *Service) CampaignsByOwner(ctx context.Context, ownerID int64) ([]*models.Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, description, owner_id, welcome_video_id, thank_you_video_id,
			thank_you_message, thank_you_type, status, created_at, updated_at
		 FROM campaigns WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()
	var out []*models.Campaign
	for rows.Next() {
		c := &models.Campaign{}
		if err := rows.Scan(&c.ID, &c.Title, &c.Description, &c.OwnerID, &c.WelcomeVideoID,
			&c.ThankYouVideoID, &c.ThankYouMessage, &c.ThankYouType, &c.Status,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCampaignStatus moves a campaign between active, paused, and closed.
func (s *Service) UpdateCampaignStatus(ctx context.Context, id, status string) error {
	switch status {
	case models.CampaignActive, models.CampaignPaused, models.CampaignClosed:
	default:
		return fmt.Errorf("unknown campaign status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

// Conversation returns the respondent's conversation in a campaign,
// creating it on first contact.
func (s *Service) Conversation(ctx context.Context, campaignID string, userID int64) (*models.Conversation, error) {
	conv, err := s.conversationByKey(ctx, s.db, campaignID, userID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	now := time.Now().UTC()
	conv = &models.Conversation{
		ExternalID:     uuid.NewString(),
		CampaignID:     campaignID,
		UserID:         userID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (external_id, campaign_id, user_id, created_at, last_activity_at)
		 VALUES (?, ?, ?, ?, ?)`,
		conv.ExternalID, conv.CampaignID, conv.UserID, now, now)
	if err != nil {
		// a concurrent first response may have won the unique race
		if existing, lookupErr := s.conversationByKey(ctx, s.db, campaignID, userID); lookupErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if conv.ID, err = res.LastInsertId(); err != nil {
		existing, lookupErr := s.conversationByKey(ctx, s.db, campaignID, userID)
		if lookupErr != nil {
			return nil, fmt.Errorf("create conversation: %w", lookupErr)
		}
		return existing, nil
	}
	return conv, nil
}

// SubmitResponse records one response in a single transaction: the
// campaign must accept responses, the conversation is found or created,
// the message row inserted, and the conversation activity timestamp
// bumped. Either everything lands or nothing does.
func (s *Service) SubmitResponse(ctx context.Context, campaignID string, userID int64, kind models.MessageType, content string) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyResponse
	}
	switch kind {
	case models.MessageVideo, models.MessageAudio, models.MessageText:
	default:
		return nil, fmt.Errorf("unknown message type %q", kind)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin submit: %w", err)
	}
	defer tx.Rollback()

	var status string
	row := tx.QueryRowContext(ctx, s.db.Rebind(`SELECT status FROM campaigns WHERE id = ?`), campaignID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("check campaign: %w", err)
	}
	if status != models.CampaignActive {
		return nil, ErrCampaignClosed
	}

	now := time.Now().UTC()
	conv, err := s.conversationByKey(ctx, tx, campaignID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		conv = &models.Conversation{
			ExternalID:     uuid.NewString(),
			CampaignID:     campaignID,
			UserID:         userID,
			CreatedAt:      now,
			LastActivityAt: now,
		}
		res, insErr := tx.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO conversations (external_id, campaign_id, user_id, created_at, last_activity_at)
			 VALUES (?, ?, ?, ?, ?)`),
			conv.ExternalID, conv.CampaignID, conv.UserID, now, now)
		if insErr != nil {
			return nil, fmt.Errorf("create conversation: %w", insErr)
		}
		if conv.ID, insErr = res.LastInsertId(); insErr != nil {
			if conv, err = s.conversationByKey(ctx, tx, campaignID, userID); err != nil {
				return nil, fmt.Errorf("create conversation: %w", err)
			}
		}
	} else if err != nil {
		return nil, err
	}

	msg := &models.Message{
		ExternalID:     uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       userID,
		Type:           kind,
		Content:        content,
		Status:         models.MessageSent,
		CreatedAt:      now,
	}
	res, err := tx.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO messages (external_id, conversation_id, sender_id, message_type, content, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		msg.ExternalID, msg.ConversationID, msg.SenderID, msg.Type, msg.Content, msg.Status, now)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	msg.ID, _ = res.LastInsertId()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		`UPDATE conversations SET last_activity_at = ? WHERE id = ?`), now, conv.ID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit submit: %w", err)
	}
	return msg, nil
}

// Messages lists a conversation's responses oldest first.
func (s *Service) Messages(ctx context.Context, conversationID int64) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, external_id, conversation_id, sender_id, message_type, content, status, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		m := &models.Message{}
		if err := rows.Scan(&m.ID, &m.ExternalID, &m.ConversationID, &m.SenderID,
			&m.Type, &m.Content, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Service) conversationByKey(ctx context.Context, q querier, campaignID string, userID int64) (*models.Conversation, error) {
	query := `SELECT id, external_id, campaign_id, user_id, created_at, last_activity_at
		 FROM conversations WHERE campaign_id = ? AND user_id = ?`
	if _, isTx := q.(*sql.Tx); isTx {
		query = s.db.Rebind(query)
	}
	row := q.QueryRowContext(ctx, query, campaignID, userID)
	conv := &models.Conversation{}
	err := row.Scan(&conv.ID, &conv.ExternalID, &conv.CampaignID, &conv.UserID,
		&conv.CreatedAt, &conv.LastActivityAt)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func slugify(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "-")
	}
	if slug == "" {
		slug = "campaign"
	}
	return slug
}
