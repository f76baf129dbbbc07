package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/actuallyroy/audit-notifier/common"
	"github.com/actuallyroy/audit-notifier/db"
	"github.com/actuallyroy/audit-notifier/dispatch"
	"github.com/actuallyroy/audit-notifier/hub"
	"github.com/actuallyroy/audit-notifier/identity"
	"github.com/actuallyroy/audit-notifier/model"
	"github.com/actuallyroy/audit-notifier/notifications"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	auditor = model.Identity{UserID: "alice", Role: model.RoleAuditor, OrganisationID: "org-1"}
	manager = model.Identity{UserID: "mona", Role: model.RoleManager, OrganisationID: "org-1"}
	admin   = model.Identity{UserID: "ada", Role: model.RoleAdmin, OrganisationID: "org-1"}
)

type apiFixture struct {
	store    *db.MemoryStore
	service  *notifications.Service
	verifier *identity.Verifier
	router   *gin.Engine
}

func newAPIFixture() *apiFixture {
	store := db.NewMemoryStore()
	service := notifications.NewService(store, dispatch.NullDispatcher{})
	h := hub.New(service, common.HubSettings{SendBuffer: 16})
	service.SetPusher(h)
	verifier := identity.NewVerifier(common.JWTSettings{Secret: "api-test-secret"})

	return &apiFixture{
		store:    store,
		service:  service,
		verifier: verifier,
		router:   NewHandler(service, h, verifier).Router(),
	}
}

func (f *apiFixture) token(t *testing.T, who model.Identity) string {
	token, err := f.verifier.GenerateToken(who, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *apiFixture) do(t *testing.T, who *model.Identity, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if who != nil {
		req.Header.Set("Authorization", "Bearer "+f.token(t, *who))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) create(t *testing.T, n *model.Notification) *model.Notification {
	if n.Type == "" {
		n.Type = "assignment"
	}
	n.Title = "New assignment"
	n.Channel = model.ChannelInApp
	created, err := f.service.Create(context.Background(), n)
	require.NoError(t, err)
	return created
}

type listResponse struct {
	Data []model.Notification `json:"data"`
}

func TestRoutesRequireAuthentication(t *testing.T) {
	f := newAPIFixture()
	for _, path := range []string{"/api/notifications", "/api/notifications/unread-count", "/hubs/notifications"} {
		rec := f.do(t, nil, http.MethodGet, path, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, nil, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","service":"audit-notifier","connections":0}`, rec.Body.String())

	rec = f.do(t, nil, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "notifier_hub_connections")
}

func TestListAndCount(t *testing.T) {
	assert := assert.New(t)
	f := newAPIFixture()
	read := f.create(t, &model.Notification{UserID: "alice"})
	f.create(t, &model.Notification{UserID: "alice"})
	f.create(t, &model.Notification{UserID: "bob"})
	f.create(t, &model.Notification{OrganisationID: "org-1"})
	_, err := f.service.MarkRead(context.Background(), read.ID)
	require.NoError(t, err)

	var list listResponse
	rec := f.do(t, &auditor, http.MethodGet, "/api/notifications", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(list.Data, 1)

	rec = f.do(t, &auditor, http.MethodGet, "/api/notifications?includeRead=true&limit=10", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(list.Data, 2)

	rec = f.do(t, &auditor, http.MethodGet, "/api/notifications/organisation", "")
	assert.Equal(http.StatusForbidden, rec.Code, "organisation listings are for managers and admins")

	rec = f.do(t, &manager, http.MethodGet, "/api/notifications/organisation", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(list.Data, 1)

	rec = f.do(t, &auditor, http.MethodGet, "/api/notifications/unread-count", "")
	assert.JSONEq(`{"count":1}`, rec.Body.String())

	rec = f.do(t, &auditor, http.MethodGet, "/api/notifications?limit=lots", "")
	assert.Equal(http.StatusBadRequest, rec.Code)
}

func TestMarkReadRoutes(t *testing.T) {
	assert := assert.New(t)
	f := newAPIFixture()
	first := f.create(t, &model.Notification{UserID: "alice"})
	second := f.create(t, &model.Notification{UserID: "alice"})
	third := f.create(t, &model.Notification{UserID: "alice"})
	theirs := f.create(t, &model.Notification{UserID: "bob"})

	rec := f.do(t, &auditor, http.MethodPut, "/api/notifications/"+first.ID+"/read", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(`{"updated":1,"unreadCount":2}`, rec.Body.String())

	rec = f.do(t, &auditor, http.MethodPut, "/api/notifications/mark-read",
		`{"ids":["`+second.ID+`","`+theirs.ID+`"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(`{"updated":1,"unreadCount":1}`, rec.Body.String())

	rec = f.do(t, &auditor, http.MethodPut, "/api/notifications/mark-read", `{"ids":[]}`)
	assert.Equal(http.StatusBadRequest, rec.Code)

	rec = f.do(t, &auditor, http.MethodPut, "/api/notifications/read-all", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(`{"updated":1,"unreadCount":0}`, rec.Body.String())

	stored, _ := f.store.Get(context.Background(), third.ID)
	assert.True(stored.IsRead)
	stored, _ = f.store.Get(context.Background(), theirs.ID)
	assert.False(stored.IsRead)
}

func TestDeleteRoute(t *testing.T) {
	f := newAPIFixture()
	n := f.create(t, &model.Notification{UserID: "alice"})

	rec := f.do(t, &manager, http.MethodDelete, "/api/notifications/"+n.ID, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, &auditor, http.MethodDelete, "/api/notifications/"+n.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, &auditor, http.MethodDelete, "/api/notifications/"+n.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSystemAlertRoute(t *testing.T) {
	assert := assert.New(t)
	f := newAPIFixture()

	for _, who := range []model.Identity{auditor, manager} {
		rec := f.do(t, &who, http.MethodPost, "/api/notifications/system", `{"title":"Outage","message":"Down"}`)
		assert.Equal(http.StatusForbidden, rec.Code, string(who.Role))
	}

	rec := f.do(t, &admin, http.MethodPost, "/api/notifications/system", `{"title":"Outage"}`)
	assert.Equal(http.StatusBadRequest, rec.Code)

	rec = f.do(t, &admin, http.MethodPost, "/api/notifications/system", `{"title":"Outage","message":"Down","priority":"extreme"}`)
	assert.Equal(http.StatusBadRequest, rec.Code)

	rec = f.do(t, &admin, http.MethodPost, "/api/notifications/system", `{"title":"Outage","message":"Down"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var body struct {
		Data model.Notification `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal("org-1", body.Data.OrganisationID)
	assert.Equal(model.PriorityHigh, body.Data.Priority)
	assert.Equal(model.StatusSent, body.Data.Status)
}

func TestTemplatesRoute(t *testing.T) {
	f := newAPIFixture()
	f.store.PutTemplate(&model.Template{Name: "audit_due", Title: "Audit due", IsActive: true})

	rec := f.do(t, &auditor, http.MethodGet, "/api/notifications/templates", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, &admin, http.MethodGet, "/api/notifications/templates", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"audit_due"`)
}

func TestHubEndpoint(t *testing.T) {
	f := newAPIFixture()
	f.create(t, &model.Notification{UserID: "alice"})

	server := httptest.NewServer(f.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/hubs/notifications?access_token=" + f.token(t, auditor)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var frames []hub.EventFrame
	for i := 0; i < 2; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var frame hub.EventFrame
		require.NoError(t, conn.ReadJSON(&frame))
		frames = append(frames, frame)
	}
	assert.Equal(t, hub.EventHeartbeat, frames[0].Target)
	assert.Equal(t, hub.EventUnreadCount, frames[1].Target)
	assert.Equal(t, map[string]any{"count": float64(1)}, frames[1].Arguments[0])
}
