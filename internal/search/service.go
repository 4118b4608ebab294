package search

import "log"

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexChat indexes a chat (fire-and-forget to Meilisearch).
func (s *Service) IndexChat(chat ChatRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexChat(chat); err != nil {
			log.Printf("search: index chat %s: %v", chat.ID, err)
		}
	}()
}

// IndexMessages indexes messages (fire-and-forget to Meilisearch).
func (s *Service) IndexMessages(messages []MessageRecord) {
	if s.meili == nil || !s.meili.Healthy() || len(messages) == 0 {
		return
	}
	go func() {
		if err := s.meili.IndexMessages(messages); err != nil {
			log.Printf("search: index %d messages: %v", len(messages), err)
		}
	}()
}

// RemoveChat removes a chat from the index (fire-and-forget).
func (s *Service) RemoveChat(chatID string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteChat(chatID); err != nil {
			log.Printf("search: delete chat %s: %v", chatID, err)
		}
	}()
}

func nonNil(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	return results
}
