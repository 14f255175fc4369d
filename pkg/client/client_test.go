package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/actingweb/actingweb-go/pkg/client"
)

// ── Stub engine ─────────────────────────────────────────────────────────

func authed(r *http.Request) bool {
	if u, p, ok := r.BasicAuth(); ok {
		return u == "alice@example.com" && p == "secret123"
	}
	return r.Header.Get("Authorization") == "Bearer aw_testtoken"
}

func stubEngine(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["creator"] == "taken@example.com" {
			http.Error(w, `{"error":"creator already has an actor"}`, http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{
			"id":         "actor1",
			"creator":    req["creator"],
			"passphrase": "secret123",
			"url":        "http://engine.test/actor1",
		})
	})

	mux.HandleFunc("/actor1", func(w http.ResponseWriter, r *http.Request) {
		if !authed(r) {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]string{
				"id":      "actor1",
				"creator": "alice@example.com",
				"url":     "http://engine.test/actor1",
			})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})

	mux.HandleFunc("/actor1/meta", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"id":        "actor1",
			"type":      "urn:actingweb:example.com:demo",
			"version":   "2.0",
			"desc":      "Demo actor",
			"supported": "www,oauth,trust,subscriptions",
		})
	})

	mux.HandleFunc("/actor1/meta/", func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/actor1/meta/")
		switch key {
		case "actingweb/version":
			io.WriteString(w, "2.0")
		case "type":
			io.WriteString(w, "urn:actingweb:example.com:demo")
		default:
			http.Error(w, `{"error":"unknown metadata"}`, http.StatusNotFound)
		}
	})

	mux.HandleFunc("/actor1/properties", func(w http.ResponseWriter, r *http.Request) {
		if !authed(r) {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"email":    "alice@example.com",
				"settings": map[string]any{"display": map[string]any{"theme": "dark"}},
			})
		case http.MethodPost, http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})

	mux.HandleFunc("/actor1/properties/", func(w http.ResponseWriter, r *http.Request) {
		if !authed(r) {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		path := strings.TrimPrefix(r.URL.Path, "/actor1/properties/")
		switch {
		case r.Method == http.MethodGet && path == "settings/display/theme":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `"dark"`)
		case r.Method == http.MethodGet:
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		case r.Method == http.MethodPost && path == "notes":
			body, _ := io.ReadAll(r.Body)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{
				"id":   "item-1",
				"data": json.RawMessage(body),
			})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})

	mux.HandleFunc("/actor1/trust", func(w http.ResponseWriter, r *http.Request) {
		if !authed(r) {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode([]map[string]any{
				{
					"peerid":        "peer9",
					"baseuri":       "http://peer.test/peer9",
					"relationship":  "friend",
					"approved":      true,
					"peer_approved": true,
					"verified":      true,
				},
			})
		case http.MethodPost:
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			if req["url"] == "" {
				http.Error(w, `{"error":"invalid request"}`, http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{
				"peerid":        "peer9",
				"baseuri":       req["url"],
				"relationship":  req["relationship"],
				"secret":        "trust-secret",
				"approved":      true,
				"peer_approved": false,
				"verified":      true,
			})
		}
	})

	mux.HandleFunc("/actor1/trust/friend/peer9", func(w http.ResponseWriter, r *http.Request) {
		if !authed(r) {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"peerid":       "peer9",
				"relationship": "friend",
				"approved":     true,
				"verified":     true,
			})
		case http.MethodPut, http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})

	mux.HandleFunc("/actor1/trust/friend/peer9/permissions", func(w http.ResponseWriter, r *http.Request) {
		if !authed(r) {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"properties": map[string]any{
					"patterns":   []string{"public/*", "notes"},
					"operations": []string{"read"},
				},
			})
		case http.MethodPut, http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})

	mux.HandleFunc("/actor1/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		if !authed(r) {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"id": "actor1",
				"data": []map[string]any{
					{"subscriptionid": "sub1", "peerid": "peer9", "target": "properties", "granularity": "high", "callback": true},
				},
			})
		case http.MethodPost:
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			if req["peer"] == "" || req["target"] == "" {
				http.Error(w, `{"error":"invalid request"}`, http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{
				"subscription": map[string]any{
					"subscriptionid": "sub1",
					"peerid":         req["peer"],
					"target":         req["target"],
					"granularity":    "high",
					"callback":       true,
				},
				"url": "http://engine.test/actor1/subscriptions/" + req["peer"] + "/sub1",
			})
		}
	})

	mux.HandleFunc("/actor1/subscriptions/peer9/sub1", func(w http.ResponseWriter, r *http.Request) {
		if !authed(r) {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"subscription": map[string]any{
					"subscriptionid": "sub1",
					"peerid":         "peer9",
					"target":         "properties",
					"granularity":    "high",
					"sequence":       2,
				},
				"diffs": []map[string]any{
					{"subscriptionid": "sub1", "sequence": 1, "target": "properties", "data": map[string]any{"email": "new@example.com"}},
					{"subscriptionid": "sub1", "sequence": 2, "target": "properties", "data": map[string]any{"theme": "light"}},
				},
			})
		case http.MethodPut, http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})

	return httptest.NewServer(mux)
}

func ownerClient(t *testing.T, srv *httptest.Server) *client.Client {
	t.Helper()
	c, err := client.New(srv.URL, client.WithBasicAuth("alice@example.com", "secret123"))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestCreateActor_success(t *testing.T) {
	srv := stubEngine(t)
	defer srv.Close()

	c, err := client.New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	a, err := c.CreateActor(context.Background(), "alice@example.com", "")
	if err != nil {
		t.Fatalf("CreateActor: %v", err)
	}
	if a.ID != "actor1" {
		t.Errorf("unexpected actor ID: %s", a.ID)
	}
	if a.Passphrase == "" {
		t.Error("expected generated passphrase")
	}
}

func TestCreateActor_conflict(t *testing.T) {
	srv := stubEngine(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)
	_, err := c.CreateActor(context.Background(), "taken@example.com", "")
	if err == nil {
		t.Error("expected error for duplicate creator")
	}
}

func TestGetActor_success(t *testing.T) {
	srv := stubEngine(t)
	defer srv.Close()

	a, err := ownerClient(t, srv).GetActor(context.Background(), "actor1")
	if err != nil {
		t.Fatalf("GetActor: %v", err)
	}
	if a.Creator != "alice@example.com" {
		t.Errorf("unexpected creator: %s", a.Creator)
	}
}

func TestGetActor_401(t *testing.T) {
	srv := stubEngine(t)
	defer srv.Close()

	c, _ := client.New(srv.URL) // no credentials
	_, err := c.GetActor(context.Background(), "actor1")
	if !errors.Is(err, client.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestDeleteActor_success(t *testing.T) {
	srv := stubEngine(t)
	defer srv.Close()

	if err := ownerClient(t, srv).DeleteActor(context.Background(), "actor1"); err != nil {
		t.Fatalf("DeleteActor: %v", err)
	}
}

func TestGetMeta_success(t *testing.T) {
	srv := stubEngine(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)
	m, err := c.GetMeta(context.Background(), "actor1")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if m.Version != "2.0" {
		t.Errorf("unexpected version: %s", m.Version)
	}
	if !strings.Contains(m.Supported, "trust") {
		t.Errorf("unexpected supported list: %s", m.Supported)
	}
}

func TestGetMetaValue_success(t *testing.T) {
	srv := stubEngine(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)
	v, err := c.GetMetaValue(context.Background(), "actor1", "actingweb/version")
	if err != nil {
		t.Fatalf("GetMetaValue: %v", err)
	}
	if v != "2.0" {
		t.Errorf("unexpected value: %s", v)
	}
}

func TestProperties_success(t *testing.T) {
	srv := stubEngine(t)
	defer srv.Close()

	props, err := ownerClient(t, srv).Properties(context.Background(), "actor1")
	if err != nil {
		t.Fatalf("Properties: %v", err)
	}
	if len(props) != 2 {
		t.Errorf("expected 2 properties, got %d", len(props))
	}
}

func TestGetProperty_nestedPath(t *testing.T) {
	srv := stubEngine(t)
	defer srv.Close()

	val, err := ownerClient(t, srv).GetProperty(context.Background(), "actor1", "settings/display/theme")
	if err != nil {
		t.Fatalf("GetProperty: %v", err)
	}
	if strings.TrimSpace(string(val)) != `"dark"` {
		t.Errorf("unexpected value: %s", val)
	}
}

func TestGetProperty_notFound(t *testing.T) {
	srv := stubEngine(t)
	defer srv.Close()

	_, err := ownerClient(t, srv).GetProperty(context.Background(), "actor1", "missing")
	if !errors.Is(err, client.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetProperty_rawJSON(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, _ := client.New(srv.URL)
	raw := json.RawMessage(`{"theme":"dark"}`)
	if err := c.SetProperty(context.Background(), "actor1", "settings", raw); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	if string(got) != `{"theme":"dark"}` {
		t.Errorf("raw JSON was re-encoded: %s", got)
	}
}

func TestAppendListItem_success(t *testing.T) {
	srv := stubEngine(t)
	defer srv.Close()

	item, err := ownerClient(t, srv).AppendListItem(context.Background(), "actor1", "notes", map[string]string{"text": "hello"})
	if err != nil {
		t.Fatalf("AppendListItem: %v", err)
	}
	if item.ID != "item-1" {
		t.Errorf("unexpected item ID: %s", item.ID)
	}
}

func TestInitiateTrust_success(t *testing.T) {
	srv := stubEngine(t)
	defer srv.Close()

	tr, err := ownerClient(t, srv).InitiateTrust(context.Background(), "actor1", "http://peer.test/peer9", "friend", "")
	if err != nil {
		t.Fatalf("InitiateTrust: %v", err)
	}
	if tr.PeerID != "peer9" {
		t.Errorf("unexpected peer ID: %s", tr.PeerID)
	}
	if tr.Secret == "" {
		t.Error("expected trust secret")
	}
	if tr.Active() {
		t.Error("relationship should not be active before peer approval")
	}
}

func TestListTrusts_success(t *testing.T) {
	srv := stubEngine(t)
	defer srv.Close()

	trusts, err := ownerClient(t, srv).ListTrusts(context.Background(), "actor1")
	if err != nil {
		t.Fatalf("ListTrusts: %v", err)
	}
	if len(trusts) != 1 {
		t.Fatalf("expected 1 trust, got %d", len(trusts))
	}
	if !trusts[0].Active() {
		t.Error("expected active relationship")
	}
}

func TestApproveTrust_sendsApproved(t *testing.T) {
	var method string
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, _ := client.New(srv.URL)
	if err := c.ApproveTrust(context.Background(), "actor1", "friend", "peer9"); err != nil {
		t.Fatalf("ApproveTrust: %v", err)
	}
	if method != http.MethodPut {
		t.Errorf("expected PUT, got %s", method)
	}
	if string(got) != `{"approved":true}` {
		t.Errorf("unexpected body: %s", got)
	}
}

func TestGetTrustPermissions_success(t *testing.T) {
	srv := stubEngine(t)
	defer srv.Close()

	ps, err := ownerClient(t, srv).GetTrustPermissions(context.Background(), "actor1", "friend", "peer9")
	if err != nil {
		t.Fatalf("GetTrustPermissions: %v", err)
	}
	if ps.Properties == nil || len(ps.Properties.Patterns) != 2 {
		t.Errorf("unexpected permission set: %+v", ps)
	}
}

func TestSubscribeToPeer_success(t *testing.T) {
	srv := stubEngine(t)
	defer srv.Close()

	sub, err := ownerClient(t, srv).SubscribeToPeer(context.Background(), "actor1", "peer9", client.SubscriptionRequest{
		Target: "properties",
	})
	if err != nil {
		t.Fatalf("SubscribeToPeer: %v", err)
	}
	if sub.ID != "sub1" {
		t.Errorf("unexpected subscription ID: %s", sub.ID)
	}
	if sub.PeerID != "peer9" {
		t.Errorf("unexpected peer ID: %s", sub.PeerID)
	}
}

func TestListSubscriptions_success(t *testing.T) {
	srv := stubEngine(t)
	defer srv.Close()

	subs, err := ownerClient(t, srv).ListSubscriptions(context.Background(), "actor1")
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 1 {
		t.Errorf("expected 1 subscription, got %d", len(subs))
	}
}

func TestGetDiffs_success(t *testing.T) {
	srv := stubEngine(t)
	defer srv.Close()

	sub, diffs, err := ownerClient(t, srv).GetDiffs(context.Background(), "actor1", "peer9", "sub1")
	if err != nil {
		t.Fatalf("GetDiffs: %v", err)
	}
	if sub.Sequence != 2 {
		t.Errorf("unexpected sequence: %d", sub.Sequence)
	}
	if len(diffs) != 2 || diffs[0].Sequence != 1 || diffs[1].Sequence != 2 {
		t.Errorf("unexpected diffs: %+v", diffs)
	}
}

func TestConfirmDiffs_sendsSequence(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, _ := client.New(srv.URL)
	if err := c.ConfirmDiffs(context.Background(), "actor1", "peer9", "sub1", 7); err != nil {
		t.Fatalf("ConfirmDiffs: %v", err)
	}
	if string(got) != `{"sequence":7}` {
		t.Errorf("unexpected body: %s", got)
	}
}

func TestDeleteSubscription_success(t *testing.T) {
	srv := stubEngine(t)
	defer srv.Close()

	if err := ownerClient(t, srv).DeleteSubscription(context.Background(), "actor1", "peer9", "sub1"); err != nil {
		t.Fatalf("DeleteSubscription: %v", err)
	}
}

func TestNew_emptyBaseURL(t *testing.T) {
	if _, err := client.New(""); err == nil {
		t.Error("expected error for empty base URL")
	}
}

func TestBearerToken_attached(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]string{"id": "actor1"})
	}))
	defer srv.Close()

	c, _ := client.New(srv.URL, client.WithBearerToken("aw_testtoken"))
	if _, err := c.GetActor(context.Background(), "actor1"); err != nil {
		t.Fatalf("GetActor: %v", err)
	}
	if auth != "Bearer aw_testtoken" {
		t.Errorf("unexpected Authorization header: %s", auth)
	}
}
