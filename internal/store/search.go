package store

import "github.com/matheus3301/msync/internal/model"

// SearchResult holds a cached message with a highlighted snippet.
type SearchResult struct {
	Message model.Message
	Snippet string
}

type searchRow struct {
	messageRow
	Snippet string `db:"snippet"`
}

// SearchCached runs a full-text query over cached message content, newest
// first. groupID 0 searches every group.
func (db *DB) SearchCached(query string, groupID int64, limit int) ([]SearchResult, error) {
	if !db.Available() || query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.group_id, m.id, m.client_msg_id, m.sender_id, m.content, m.message_type, m.status,
		       m.reply_to_id, m.created_at, m.edited_at, m.deleted_at,
		       snippet(cached_messages_fts, '<<', '>>', '...', -1, 32) AS snippet
		FROM cached_messages_fts f
		JOIN cached_messages m ON m.rowid = f.docid
		WHERE cached_messages_fts MATCH ? AND m.deleted_at IS NULL`
	args := []any{query}
	if groupID != 0 {
		q += " AND m.group_id = ?"
		args = append(args, groupID)
	}
	q += " ORDER BY m.created_at DESC LIMIT ?"
	args = append(args, limit)

	var rows []searchRow
	if err := db.Select(&rows, q, args...); err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(rows))
	for _, r := range rows {
		results = append(results, SearchResult{Message: r.toModel(), Snippet: r.Snippet})
	}
	return results, nil
}
