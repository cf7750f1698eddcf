package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"pageperm/api/internal/auth"
	"pageperm/api/internal/config"
	"pageperm/api/internal/observability"
	"pageperm/api/internal/store"
)

const testSecret = "test-secret"

// pingStore lets tests fail readiness without a database.
type pingStore struct {
	*store.MemoryStore
	pingFn func(context.Context) error
}

func (p *pingStore) Ping(ctx context.Context) error {
	if p.pingFn != nil {
		return p.pingFn(ctx)
	}
	return nil
}

func strPtr(s string) *string { return &s }

// seedWorkspace builds space sp1 with an admin, two members and an outsider,
// a page with a child and a draft proposal authored by alice and reviewed by
// bob.
func seedWorkspace() *store.MemoryStore {
	m := store.NewMemoryStore()
	m.PutSpaceMember(store.SpaceMember{SpaceID: "sp1", UserID: "admin", IsAdmin: true})
	m.PutSpaceMember(store.SpaceMember{SpaceID: "sp1", UserID: "alice"})
	m.PutSpaceMember(store.SpaceMember{SpaceID: "sp1", UserID: "bob"})
	m.PutRoleMember("sp1", "editors", "bob")

	m.PutPage(store.Page{ID: "root", SpaceID: "sp1", Type: store.PageTypePage})
	m.PutPage(store.Page{ID: "child", SpaceID: "sp1", Type: store.PageTypePage, ParentID: strPtr("root")})
	m.PutPage(store.Page{ID: "prop-page", SpaceID: "sp1", Type: store.PageTypeProposal, ProposalID: strPtr("prop1")})
	m.PutPage(store.Page{ID: "prop-sub", SpaceID: "sp1", Type: store.PageTypePage, ParentID: strPtr("prop-page")})
	m.PutProposal(store.Proposal{
		ID:        "prop1",
		SpaceID:   "sp1",
		PageID:    "prop-page",
		Status:    "draft",
		CreatedBy: "alice",
		Authors:   []string{"alice"},
		Reviewers: []store.ProposalReviewer{{UserID: strPtr("bob")}},
	})
	return m
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestService(ds DataStore, cache FlagCache) *Service {
	return New(config.Config{JWTSecret: testSecret}, ds, cache, observability.NewMetrics(nil), quietLogger())
}

func newTestServer(t *testing.T) (*HTTPServer, *store.MemoryStore) {
	t.Helper()
	m := seedWorkspace()
	return NewHTTPServer(newTestService(m, nil), "*"), m
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub: userID,
		JTI: "jti-" + userID,
		Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func doRequest(t *testing.T, server *HTTPServer, method, path, userID, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, userID))
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Code != http.StatusNoContent && rr.Body.Len() > 0 && rr.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
		}
	}
	return rr, payload
}
