package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/denizumutdereli/gatekeep/pkg/core"
)

type mcpBackend struct {
	server *Server
}

func newMCPBackend(s *Server) *mcpBackend {
	return &mcpBackend{server: s}
}

func (b *mcpBackend) LookupUser(_ context.Context, key string) (map[string]any, error) {
	key = strings.TrimSpace(key)
	u, err := b.server.users.Get(key)
	if errors.Is(err, core.ErrUserNotFound) {
		u, err = b.server.users.FindByLogin(key)
	}
	if err != nil {
		return nil, err
	}
	doc, err := toDocument(u.Public())
	if err != nil {
		return nil, err
	}
	doc["sessions"] = b.server.sessions.CountUser(u.ID)
	return doc, nil
}

func (b *mcpBackend) TailErrors(_ context.Context, n int) ([]map[string]any, error) {
	if b.server.errorLog == nil {
		return nil, fmt.Errorf("error log is disabled")
	}
	records, err := b.server.errorLog.Tail(n)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(records))
	for _, r := range records {
		out = append(out, map[string]any{
			"status": r.Status,
			"url":    r.URL,
			"error":  r.Error,
		})
	}
	return out, nil
}

func toDocument(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
