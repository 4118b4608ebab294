package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"parley/api/internal/ai"
	"parley/api/internal/auth"
	"parley/api/internal/authpw"
	"parley/api/internal/config"
	"parley/api/internal/entitlements"
	"parley/api/internal/export"
	"parley/api/internal/files"
	"parley/api/internal/search"
	"parley/api/internal/session"
	"parley/api/internal/store"
	"parley/api/internal/util"
)

// Session is the resolved identity attached to a request. The gate only
// checks cookie presence; handlers resolve the full session through the
// session store.
type Session struct {
	Token     string
	UserID    string
	Email     string
	UserType  string
	ExpiresAt time.Time
}

// MessagePart mirrors the stored message part shape.
type MessagePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(context.Context, string) (store.User, error)

	SaveChat(context.Context, store.Chat) (store.Chat, error)
	GetChatByID(context.Context, string) (store.Chat, error)
	DeleteChatByID(context.Context, string) error
	UpdateChatVisibility(ctx context.Context, chatID, visibility string) error
	UpdateChatTitle(ctx context.Context, chatID, title string) error
	ListChatsByUserID(ctx context.Context, userID string, limit int, startingAfter, endingBefore string) ([]store.Chat, bool, error)

	SaveMessages(context.Context, []store.Message) error
	ListMessagesByChatID(context.Context, string) ([]store.Message, error)
	GetMessageByID(context.Context, string) (store.Message, error)
	DeleteMessagesAfterTimestamp(ctx context.Context, chatID string, after time.Time) error
	CountRecentUserMessages(ctx context.Context, userID string, window time.Duration) (int, error)

	VoteMessage(ctx context.Context, chatID, messageID string, isUpvoted bool) error
	ListVotesByChatID(context.Context, string) ([]store.Vote, error)

	SaveDocument(context.Context, store.Document) (store.Document, error)
	ListDocumentVersions(context.Context, string) ([]store.Document, error)
	DeleteDocumentVersionsAfter(ctx context.Context, documentID string, after time.Time) error
}

type sessionStore interface {
	Save(ctx context.Context, tokenHash string, data session.Data, expiresAt time.Time) error
	Lookup(ctx context.Context, tokenHash string) (session.Data, error)
	Revoke(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

type searchIndex interface {
	Search(search.Query) search.Response
	IndexChat(search.ChatRecord)
	IndexMessages([]search.MessageRecord)
	RemoveChat(string)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	passwords *authpw.Service
	completer ai.Completer
	search    searchIndex
	files     *files.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions *session.RedisStore, completer ai.Completer, searchService *search.Service, fileService *files.Service) *Service {
	svc := &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		passwords: authpw.NewService(dataStore),
		completer: completer,
		files:     fileService,
	}
	if searchService != nil {
		svc.search = searchService
	}
	return svc
}

// Ping checks the health of the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingSessions checks the health of the session store.
func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

func (s *Service) CookieName() string {
	return s.cfg.CookieName
}

// ── Sessions ──

// IssueSession creates a session for the user: a signed opaque token whose
// hash keys the server-side session record. Guests get the shorter TTL.
func (s *Service) IssueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	ttl := s.cfg.SessionTTL
	if user.UserType == store.UserTypeGuest {
		ttl = s.cfg.GuestTTL
	}
	expiresAt := now.Add(ttl)

	token, err := auth.IssueToken([]byte(s.cfg.SessionSecret), auth.Claims{
		Sub:      user.ID,
		Email:    user.Email,
		UserType: user.UserType,
		SID:      util.NewID("sid"),
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	data := session.Data{
		UserID:    user.ID,
		Email:     user.Email,
		UserType:  user.UserType,
		CreatedAt: now,
	}
	if err := s.sessions.Save(ctx, auth.HashToken(token), data, expiresAt); err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		UserType:  user.UserType,
		ExpiresAt: expiresAt,
	}, nil
}

// SessionFromToken validates the token signature and expiry, then resolves
// the server-side session record. A lookup miss means the session was
// revoked or expired; a store failure is surfaced as-is so it maps to a
// 5xx rather than signing the caller out.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token)
	if err != nil {
		return Session{}, err
	}

	data, err := s.sessions.Lookup(ctx, auth.HashToken(token))
	if errors.Is(err, session.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, fmt.Errorf("resolve session: %w", err)
	}

	return Session{
		Token:     token,
		UserID:    data.UserID,
		Email:     data.Email,
		UserType:  data.UserType,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// SessionFromRequest resolves the session cookie on the request, if any.
func (s *Service) SessionFromRequest(ctx context.Context, r *http.Request) (Session, error) {
	cookie, err := r.Cookie(s.cfg.CookieName)
	if err != nil || cookie.Value == "" {
		return Session{}, auth.ErrInvalidToken
	}
	return s.SessionFromToken(ctx, cookie.Value)
}

// RevokeSession drops the server-side session record.
func (s *Service) RevokeSession(ctx context.Context, token string) error {
	return s.sessions.Revoke(ctx, auth.HashToken(token))
}

// Register creates a credentialed account and signs it in.
func (s *Service) Register(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.Register(ctx, authpw.RegisterRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, err
	}
	return s.IssueSession(ctx, user)
}

// SignIn verifies credentials and issues a session.
func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.IssueSession(ctx, user)
}

// CreateGuestSession provisions an anonymous user and a session for it.
func (s *Service) CreateGuestSession(ctx context.Context) (Session, error) {
	user, err := s.passwords.CreateGuest(ctx)
	if err != nil {
		return Session{}, err
	}
	return s.IssueSession(ctx, user)
}

// ── Chats ──

// CheckRateLimit rejects the request when the user has exhausted their
// daily message allowance.
func (s *Service) CheckRateLimit(ctx context.Context, sess Session) error {
	limit := entitlements.For(sess.UserType).MaxMessagesPerDay
	count, err := s.store.CountRecentUserMessages(ctx, sess.UserID, 24*time.Hour)
	if err != nil {
		return err
	}
	if count >= limit {
		return domainError(http.StatusTooManyRequests, "RATE_LIMITED", "Daily message limit reached", map[string]any{
			"limit": limit,
		})
	}
	return nil
}

// EnsureChat loads the chat or creates it on first message, generating a
// title from the message text. Returns 403 when the chat belongs to
// someone else.
func (s *Service) EnsureChat(ctx context.Context, sess Session, chatID, firstMessageText, visibility string) (store.Chat, error) {
	chat, err := s.store.GetChatByID(ctx, chatID)
	if err == nil {
		if chat.UserID != sess.UserID {
			return store.Chat{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		}
		return chat, nil
	}
	if !store.IsNotFound(err) {
		return store.Chat{}, err
	}

	if visibility != "public" {
		visibility = "private"
	}
	title := s.titleForChat(ctx, firstMessageText)

	chat, err = s.store.SaveChat(ctx, store.Chat{
		ID:         chatID,
		UserID:     sess.UserID,
		Title:      title,
		Visibility: visibility,
	})
	if err != nil {
		return store.Chat{}, err
	}

	if s.search != nil {
		s.search.IndexChat(search.ChatRecord{ID: chat.ID, UserID: chat.UserID, Title: chat.Title})
	}
	return chat, nil
}

// titleForChat asks the model for a title, falling back to a truncation of
// the message text when the completer is absent or errors.
func (s *Service) titleForChat(ctx context.Context, text string) string {
	if s.completer != nil {
		if title, err := s.completer.GenerateTitle(ctx, text); err == nil && title != "" {
			return title
		}
	}
	title := strings.TrimSpace(text)
	if title == "" {
		return "New chat"
	}
	if len(title) > 80 {
		title = title[:80]
	}
	return title
}

// RewindForEdit handles a resubmitted message id on the completion
// endpoint: the stored copy of the message and everything after it are
// removed so the edited turn replaces the old tail. When the rewind
// empties the chat, the title is regenerated from the new text. Reports
// whether a rewind happened.
func (s *Service) RewindForEdit(ctx context.Context, chat store.Chat, messageID, newText string) (bool, error) {
	existing, err := s.store.GetMessageByID(ctx, messageID)
	if store.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if existing.ChatID != chat.ID {
		return false, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "message belongs to another chat", nil)
	}
	if existing.Role != "user" {
		return false, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "only user messages can be edited", nil)
	}

	// The trim is inclusive of the edited message; it is re-saved with
	// the new parts under the same id.
	if err := s.store.DeleteMessagesAfterTimestamp(ctx, chat.ID, existing.CreatedAt); err != nil {
		return false, err
	}

	remaining, err := s.store.ListMessagesByChatID(ctx, chat.ID)
	if err != nil {
		return true, err
	}
	if len(remaining) == 0 {
		if title := s.titleForChat(ctx, newText); title != chat.Title {
			if err := s.store.UpdateChatTitle(ctx, chat.ID, title); err != nil {
				return true, err
			}
		}
	}
	return true, nil
}

// SaveChatMessage persists one message and indexes its text.
func (s *Service) SaveChatMessage(ctx context.Context, chat store.Chat, message store.Message) error {
	if err := s.store.SaveMessages(ctx, []store.Message{message}); err != nil {
		return err
	}
	if s.search != nil {
		s.search.IndexMessages([]search.MessageRecord{{
			ID:     message.ID,
			ChatID: chat.ID,
			UserID: chat.UserID,
			Text:   TextFromParts(message.Parts),
		}})
	}
	return nil
}

// ChatTurns converts a chat's stored messages into completion turns.
func (s *Service) ChatTurns(ctx context.Context, chatID string) ([]ai.Turn, error) {
	messages, err := s.store.ListMessagesByChatID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	turns := make([]ai.Turn, 0, len(messages))
	for _, message := range messages {
		text := TextFromParts(message.Parts)
		if text == "" {
			continue
		}
		turns = append(turns, ai.Turn{Role: message.Role, Text: text})
	}
	return turns, nil
}

// loadChatForViewer enforces the visibility rules: owners see everything,
// others see public chats only, and private chats 404 for non-owners.
func (s *Service) loadChatForViewer(ctx context.Context, sess Session, chatID string) (store.Chat, error) {
	chat, err := s.store.GetChatByID(ctx, chatID)
	if err != nil {
		return store.Chat{}, err
	}
	if chat.UserID != sess.UserID && chat.Visibility != "public" {
		return store.Chat{}, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	return chat, nil
}

// GetChat returns a chat and its messages for the viewer.
func (s *Service) GetChat(ctx context.Context, sess Session, chatID string) (map[string]any, error) {
	chat, err := s.loadChatForViewer(ctx, sess, chatID)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessagesByChatID(ctx, chatID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		items = append(items, messagePayload(message))
	}
	return map[string]any{
		"chat":     chatPayload(chat),
		"messages": items,
	}, nil
}

// DeleteChat removes an owned chat and everything under it.
func (s *Service) DeleteChat(ctx context.Context, sess Session, chatID string) error {
	chat, err := s.store.GetChatByID(ctx, chatID)
	if err != nil {
		return err
	}
	if chat.UserID != sess.UserID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if err := s.store.DeleteChatByID(ctx, chatID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.RemoveChat(chatID)
	}
	return nil
}

// UpdateChatVisibility flips an owned chat between private and public.
func (s *Service) UpdateChatVisibility(ctx context.Context, sess Session, chatID, visibility string) error {
	if visibility != "private" && visibility != "public" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "visibility must be 'private' or 'public'", nil)
	}
	chat, err := s.store.GetChatByID(ctx, chatID)
	if err != nil {
		return err
	}
	if chat.UserID != sess.UserID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return s.store.UpdateChatVisibility(ctx, chatID, visibility)
}

// History pages through the caller's chats newest-first.
func (s *Service) History(ctx context.Context, sess Session, limit int, startingAfter, endingBefore string) (map[string]any, error) {
	if startingAfter != "" && endingBefore != "" {
		return nil, domainError(http.StatusBadRequest, "INVALID_CURSOR", "only one of starting_after or ending_before can be provided", nil)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	chats, hasMore, err := s.store.ListChatsByUserID(ctx, sess.UserID, limit, startingAfter, endingBefore)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(chats))
	for _, chat := range chats {
		items = append(items, chatPayload(chat))
	}
	return map[string]any{"chats": items, "hasMore": hasMore}, nil
}

// ── Votes ──

func (s *Service) Vote(ctx context.Context, sess Session, chatID, messageID, voteType string) error {
	if voteType != "up" && voteType != "down" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be 'up' or 'down'", nil)
	}
	chat, err := s.store.GetChatByID(ctx, chatID)
	if err != nil {
		return err
	}
	if chat.UserID != sess.UserID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	message, err := s.store.GetMessageByID(ctx, messageID)
	if err != nil {
		return err
	}
	if message.ChatID != chatID {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "message does not belong to chat", nil)
	}
	return s.store.VoteMessage(ctx, chatID, messageID, voteType == "up")
}

func (s *Service) ListVotes(ctx context.Context, sess Session, chatID string) ([]map[string]any, error) {
	if _, err := s.loadChatForViewer(ctx, sess, chatID); err != nil {
		return nil, err
	}
	votes, err := s.store.ListVotesByChatID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(votes))
	for _, vote := range votes {
		items = append(items, map[string]any{
			"chatId":    vote.ChatID,
			"messageId": vote.MessageID,
			"isUpvoted": vote.IsUpvoted,
		})
	}
	return items, nil
}

// ── Documents ──

func (s *Service) SaveDocument(ctx context.Context, sess Session, doc store.Document) (map[string]any, error) {
	if doc.ID == "" || strings.TrimSpace(doc.Title) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "id and title are required", nil)
	}
	versions, err := s.store.ListDocumentVersions(ctx, doc.ID)
	if err != nil && !store.IsNotFound(err) {
		return nil, err
	}
	if len(versions) > 0 && versions[0].UserID != sess.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	doc.UserID = sess.UserID
	saved, err := s.store.SaveDocument(ctx, doc)
	if err != nil {
		return nil, err
	}
	return documentPayload(saved), nil
}

func (s *Service) GetDocumentVersions(ctx context.Context, sess Session, documentID string) ([]map[string]any, error) {
	versions, err := s.store.ListDocumentVersions(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if versions[0].UserID != sess.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	items := make([]map[string]any, 0, len(versions))
	for _, version := range versions {
		items = append(items, documentPayload(version))
	}
	return items, nil
}

func (s *Service) DeleteDocumentVersionsAfter(ctx context.Context, sess Session, documentID string, after time.Time) error {
	versions, err := s.store.ListDocumentVersions(ctx, documentID)
	if err != nil {
		return err
	}
	if versions[0].UserID != sess.UserID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return s.store.DeleteDocumentVersionsAfter(ctx, documentID, after)
}

// ── Search ──

func (s *Service) SearchHistory(ctx context.Context, sess Session, text string, filterType string, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(search.Query{
		Text:       text,
		UserID:     sess.UserID,
		FilterType: search.ResultType(filterType),
		Limit:      limit,
		Offset:     offset,
	})
}

// ── Export ──

// ExportTranscript renders an owned or public chat to PDF.
func (s *Service) ExportTranscript(ctx context.Context, sess Session, chatID string) (*export.Result, error) {
	chat, err := s.loadChatForViewer(ctx, sess, chatID)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessagesByChatID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	owner, err := s.store.GetUserByID(ctx, chat.UserID)
	if err != nil {
		return nil, err
	}

	transcript := export.Transcript{
		ChatID:    chat.ID,
		Title:     chat.Title,
		UserEmail: owner.Email,
		CreatedAt: chat.CreatedAt,
	}
	for _, message := range messages {
		transcript.Messages = append(transcript.Messages, export.TranscriptMessage{
			Role:      message.Role,
			Text:      TextFromParts(message.Parts),
			CreatedAt: message.CreatedAt,
		})
	}
	return export.ExportPDF(transcript)
}

// ── Payload helpers ──

func chatPayload(chat store.Chat) map[string]any {
	return map[string]any{
		"id":         chat.ID,
		"userId":     chat.UserID,
		"title":      chat.Title,
		"visibility": chat.Visibility,
		"createdAt":  chat.CreatedAt,
	}
}

func messagePayload(message store.Message) map[string]any {
	return map[string]any{
		"id":          message.ID,
		"chatId":      message.ChatID,
		"role":        message.Role,
		"parts":       json.RawMessage(message.Parts),
		"attachments": json.RawMessage(message.Attachments),
		"createdAt":   message.CreatedAt,
	}
}

func documentPayload(doc store.Document) map[string]any {
	return map[string]any{
		"id":        doc.ID,
		"createdAt": doc.CreatedAt,
		"title":     doc.Title,
		"content":   doc.Content,
		"kind":      doc.Kind,
		"userId":    doc.UserID,
	}
}

// TextFromParts concatenates the text parts of a stored message.
func TextFromParts(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var parts []MessagePart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var builder strings.Builder
	for _, part := range parts {
		if part.Type != "text" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n")
		}
		builder.WriteString(part.Text)
	}
	return builder.String()
}
