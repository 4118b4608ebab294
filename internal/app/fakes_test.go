package app

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"testing"
	"time"

	"parley/api/internal/ai"
	"parley/api/internal/authpw"
	"parley/api/internal/config"
	"parley/api/internal/session"
	"parley/api/internal/store"
)

// fakeStore implements dataStore (and authpw.UserStore) with function
// fields so each test overrides only what it needs.
type fakeStore struct {
	pingFn           func(context.Context) error
	getUserByIDFn    func(context.Context, string) (store.User, error)
	getUserByEmailFn func(context.Context, string) (store.User, error)
	createUserFn     func(ctx context.Context, email, passwordHash, userType string) (store.User, error)

	saveChatFn             func(context.Context, store.Chat) (store.Chat, error)
	getChatByIDFn          func(context.Context, string) (store.Chat, error)
	deleteChatByIDFn       func(context.Context, string) error
	updateChatVisibilityFn func(ctx context.Context, chatID, visibility string) error
	updateChatTitleFn      func(ctx context.Context, chatID, title string) error
	listChatsByUserIDFn    func(ctx context.Context, userID string, limit int, startingAfter, endingBefore string) ([]store.Chat, bool, error)

	saveMessagesFn                 func(context.Context, []store.Message) error
	listMessagesByChatIDFn         func(context.Context, string) ([]store.Message, error)
	getMessageByIDFn               func(context.Context, string) (store.Message, error)
	deleteMessagesAfterTimestampFn func(ctx context.Context, chatID string, after time.Time) error
	countRecentUserMessagesFn      func(ctx context.Context, userID string, window time.Duration) (int, error)

	voteMessageFn       func(ctx context.Context, chatID, messageID string, isUpvoted bool) error
	listVotesByChatIDFn func(context.Context, string) ([]store.Vote, error)

	saveDocumentFn                func(context.Context, store.Document) (store.Document, error)
	listDocumentVersionsFn        func(context.Context, string) ([]store.Document, error)
	deleteDocumentVersionsAfterFn func(ctx context.Context, documentID string, after time.Time) error
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) CreateUser(ctx context.Context, email, passwordHash, userType string) (store.User, error) {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, email, passwordHash, userType)
	}
	return store.User{ID: "user-1", Email: email, PasswordHash: passwordHash, UserType: userType}, nil
}

func (f *fakeStore) SaveChat(ctx context.Context, chat store.Chat) (store.Chat, error) {
	if f.saveChatFn != nil {
		return f.saveChatFn(ctx, chat)
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now()
	}
	return chat, nil
}

func (f *fakeStore) GetChatByID(ctx context.Context, id string) (store.Chat, error) {
	if f.getChatByIDFn != nil {
		return f.getChatByIDFn(ctx, id)
	}
	return store.Chat{}, sql.ErrNoRows
}

func (f *fakeStore) DeleteChatByID(ctx context.Context, id string) error {
	if f.deleteChatByIDFn != nil {
		return f.deleteChatByIDFn(ctx, id)
	}
	return nil
}

func (f *fakeStore) UpdateChatVisibility(ctx context.Context, chatID, visibility string) error {
	if f.updateChatVisibilityFn != nil {
		return f.updateChatVisibilityFn(ctx, chatID, visibility)
	}
	return nil
}

func (f *fakeStore) UpdateChatTitle(ctx context.Context, chatID, title string) error {
	if f.updateChatTitleFn != nil {
		return f.updateChatTitleFn(ctx, chatID, title)
	}
	return nil
}

func (f *fakeStore) ListChatsByUserID(ctx context.Context, userID string, limit int, startingAfter, endingBefore string) ([]store.Chat, bool, error) {
	if f.listChatsByUserIDFn != nil {
		return f.listChatsByUserIDFn(ctx, userID, limit, startingAfter, endingBefore)
	}
	return nil, false, nil
}

func (f *fakeStore) SaveMessages(ctx context.Context, messages []store.Message) error {
	if f.saveMessagesFn != nil {
		return f.saveMessagesFn(ctx, messages)
	}
	return nil
}

func (f *fakeStore) ListMessagesByChatID(ctx context.Context, chatID string) ([]store.Message, error) {
	if f.listMessagesByChatIDFn != nil {
		return f.listMessagesByChatIDFn(ctx, chatID)
	}
	return nil, nil
}

func (f *fakeStore) GetMessageByID(ctx context.Context, id string) (store.Message, error) {
	if f.getMessageByIDFn != nil {
		return f.getMessageByIDFn(ctx, id)
	}
	return store.Message{}, sql.ErrNoRows
}

func (f *fakeStore) DeleteMessagesAfterTimestamp(ctx context.Context, chatID string, after time.Time) error {
	if f.deleteMessagesAfterTimestampFn != nil {
		return f.deleteMessagesAfterTimestampFn(ctx, chatID, after)
	}
	return nil
}

func (f *fakeStore) CountRecentUserMessages(ctx context.Context, userID string, window time.Duration) (int, error) {
	if f.countRecentUserMessagesFn != nil {
		return f.countRecentUserMessagesFn(ctx, userID, window)
	}
	return 0, nil
}

func (f *fakeStore) VoteMessage(ctx context.Context, chatID, messageID string, isUpvoted bool) error {
	if f.voteMessageFn != nil {
		return f.voteMessageFn(ctx, chatID, messageID, isUpvoted)
	}
	return nil
}

func (f *fakeStore) ListVotesByChatID(ctx context.Context, chatID string) ([]store.Vote, error) {
	if f.listVotesByChatIDFn != nil {
		return f.listVotesByChatIDFn(ctx, chatID)
	}
	return nil, nil
}

func (f *fakeStore) SaveDocument(ctx context.Context, doc store.Document) (store.Document, error) {
	if f.saveDocumentFn != nil {
		return f.saveDocumentFn(ctx, doc)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	return doc, nil
}

func (f *fakeStore) ListDocumentVersions(ctx context.Context, documentID string) ([]store.Document, error) {
	if f.listDocumentVersionsFn != nil {
		return f.listDocumentVersionsFn(ctx, documentID)
	}
	return nil, sql.ErrNoRows
}

func (f *fakeStore) DeleteDocumentVersionsAfter(ctx context.Context, documentID string, after time.Time) error {
	if f.deleteDocumentVersionsAfterFn != nil {
		return f.deleteDocumentVersionsAfterFn(ctx, documentID, after)
	}
	return nil
}

// memSessions is an in-memory sessionStore.
type memSessions struct {
	mu        sync.Mutex
	records   map[string]session.Data
	saveErr   error
	lookupErr error
}

func newMemSessions() *memSessions {
	return &memSessions{records: make(map[string]session.Data)}
}

func (m *memSessions) Save(_ context.Context, tokenHash string, data session.Data, _ time.Time) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[tokenHash] = data
	return nil
}

func (m *memSessions) Lookup(_ context.Context, tokenHash string) (session.Data, error) {
	if m.lookupErr != nil {
		return session.Data{}, m.lookupErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.records[tokenHash]
	if !ok {
		return session.Data{}, session.ErrNotFound
	}
	return data, nil
}

func (m *memSessions) Revoke(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, tokenHash)
	return nil
}

func (m *memSessions) Ping(context.Context) error { return nil }

// fakeCompleter returns canned deltas.
type fakeCompleter struct {
	deltas   []string
	title    string
	chatErr  error
	titleErr error

	gotModel string
	gotTurns []ai.Turn
}

func (f *fakeCompleter) StreamChat(_ context.Context, model string, turns []ai.Turn, onDelta func(string) error) (string, error) {
	f.gotModel = model
	f.gotTurns = turns
	if f.chatErr != nil {
		return "", f.chatErr
	}
	var full string
	for _, delta := range f.deltas {
		full += delta
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return full, err
			}
		}
	}
	return full, nil
}

func (f *fakeCompleter) GenerateTitle(context.Context, string) (string, error) {
	if f.titleErr != nil {
		return "", f.titleErr
	}
	if f.title == "" {
		return "New chat", nil
	}
	return f.title, nil
}

func testConfig() config.Config {
	return config.Config{
		SessionSecret: "test-secret",
		SessionTTL:    time.Hour,
		GuestTTL:      30 * time.Minute,
		CookieName:    "parley_session",
		ChatModel:     "gemini-2.5-flash",
	}
}

func newTestService(fs *fakeStore) (*Service, *memSessions) {
	sessions := newMemSessions()
	svc := &Service{
		cfg:       testConfig(),
		store:     fs,
		sessions:  sessions,
		passwords: authpw.NewService(fs),
	}
	return svc, sessions
}

// issueSessionFor creates a live session and returns it with a cookie
// ready to attach to requests.
func issueSessionFor(t *testing.T, svc *Service, user store.User) (Session, *http.Cookie) {
	t.Helper()
	sess, err := svc.IssueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return sess, &http.Cookie{Name: svc.CookieName(), Value: sess.Token}
}
