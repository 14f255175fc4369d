package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/actor"
	"github.com/actingweb/actingweb-go/internal/auth"
	"github.com/actingweb/actingweb-go/internal/hooks"
	"github.com/actingweb/actingweb-go/internal/oauth"
	"github.com/actingweb/actingweb-go/internal/peer"
	"github.com/actingweb/actingweb-go/internal/store"
	"github.com/actingweb/actingweb-go/internal/subscription"
	"github.com/actingweb/actingweb-go/internal/trust"
	"github.com/actingweb/actingweb-go/internal/web"
)

var ctx = context.Background()

// ── Fixture ──────────────────────────────────────────────────────────────────

// engineFixture is a complete engine over an in-memory store, serving on a
// real listener so two fixtures can run the reciprocal protocols against
// each other over actual HTTP.
type engineFixture struct {
	t       *testing.T
	st      *store.MemoryStore
	srv     *httptest.Server
	router  *gin.Engine
	baseURL string

	actors    *actor.Service
	props     *actor.Properties
	trusts    *trust.Service
	subs      *subscription.Engine
	syncer    *subscription.Syncer
	processor *subscription.Processor
	hooks     *hooks.Registry
	tokens    *oauth.Server
}

// newEngineFixture wires the engine the way cmd/actingweb does, except for
// the store and listener. The listener starts before the services so the
// engine's external base URL is its own httptest URL and peers can reach it.
func newEngineFixture(t *testing.T, uniqueCreator bool) *engineFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &engineFixture{t: t}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.router.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	f.baseURL = f.srv.URL

	logger := zap.NewNop()
	f.st = store.NewMemoryStore()
	t.Cleanup(f.st.Close)

	clock := clockwork.NewRealClock()
	f.hooks = hooks.NewRegistry(logger)
	peerClient := peer.NewClient(5*time.Second, logger)

	types := trust.NewTypeRegistry(f.st, logger)
	if err := types.Load(ctx); err != nil {
		t.Fatalf("load trust types: %v", err)
	}
	overrides := trust.NewOverrideStore(f.st, logger)
	evaluator := trust.NewEvaluator(types, overrides, logger)
	f.trusts = trust.NewService(f.st, types, overrides, peerClient, f.hooks, f.baseURL, logger)

	f.actors = actor.NewService(f.st, peerClient, f.hooks, uniqueCreator, logger)

	caps := subscription.NewCapabilities(peerClient)
	fanout := subscription.NewFanout(f.st, peerClient, clock, 2, logger)
	f.subs = subscription.NewEngine(f.st, evaluator, fanout, caps, f.baseURL, logger)
	f.props = actor.NewProperties(f.st, f.hooks, f.subs, logger)

	f.processor = subscription.NewProcessor(f.st, f.hooks, clock, logger)
	f.syncer = subscription.NewSyncer(f.st, peerClient, f.processor, logger)
	f.processor.SetResyncHandler(f.syncer.SyncSubscription)

	codec, err := oauth.NewStateCodec([]byte("0123456789abcdef0123456789abcdef"), f.baseURL, clock)
	if err != nil {
		t.Fatalf("NewStateCodec: %v", err)
	}
	f.tokens = oauth.NewServer(f.st, f.trusts, f.baseURL, clock, logger)
	flow := oauth.NewFlow(f.st, f.actors, f.tokens, codec, f.hooks,
		oauth.FlowConfig{AutoCreate: true}, clock, logger)
	authn := auth.NewAuthenticator(f.actors, f.st, f.tokens, flow, f.baseURL, logger)

	meta := web.AppMeta{Type: "urn:actingweb:test", Version: "1.2.3", Desc: "test application"}
	f.router = web.NewRouter(web.RouterOptions{},
		web.NewWellKnownHandler(f.tokens),
		web.NewOAuthHandler(flow, f.tokens, codec, f.trusts, authn, logger),
		web.NewActorHandler(f.actors, authn, f.baseURL, meta, logger),
		web.NewPropertyHandler(f.actors, f.props, evaluator, authn, logger),
		web.NewTrustHandler(f.actors, f.trusts, authn, logger),
		web.NewSubscriptionHandler(f.subs, f.syncer, evaluator, authn, f.baseURL, logger),
		web.NewCallbackHandler(f.actors, f.processor, f.syncer, f.hooks, authn, logger),
		web.NewMethodHandler(f.actors, f.hooks, evaluator, authn, logger),
	)

	fanout.Start()
	t.Cleanup(fanout.Stop)
	return f
}

// ── Request helpers ──────────────────────────────────────────────────────────

func (f *engineFixture) newRequest(method, path string, body any) *http.Request {
	f.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			f.t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		f.t.Fatalf("new request: %v", err)
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func (f *engineFixture) do(req *http.Request) (int, []byte, http.Header) {
	f.t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		f.t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.t.Fatalf("read response body: %v", err)
	}
	return resp.StatusCode, body, resp.Header
}

func asOwner(req *http.Request, a testActor) {
	req.SetBasicAuth(a.creator, a.passphrase)
}

func asBearer(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
}

// ── Actor helpers ────────────────────────────────────────────────────────────

type testActor struct {
	id         string
	creator    string
	passphrase string
}

func (f *engineFixture) createActor(creator string) testActor {
	f.t.Helper()
	req := f.newRequest(http.MethodPost, "/", map[string]string{"creator": creator})
	status, body, _ := f.do(req)
	if status != http.StatusCreated {
		f.t.Fatalf("create actor: %d %s", status, body)
	}
	var out struct {
		ID         string `json:"id"`
		Creator    string `json:"creator"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		f.t.Fatalf("decode create response: %v", err)
	}
	return testActor{id: out.ID, creator: out.Creator, passphrase: out.Passphrase}
}

func (f *engineFixture) getTrust(a testActor, relationship, peerID string) *store.Trust {
	f.t.Helper()
	req := f.newRequest(http.MethodGet, "/"+a.id+"/trust/"+relationship+"/"+peerID, nil)
	asOwner(req, a)
	status, body, _ := f.do(req)
	if status != http.StatusOK {
		f.t.Fatalf("get trust: %d %s", status, body)
	}
	var t store.Trust
	if err := json.Unmarshal(body, &t); err != nil {
		f.t.Fatalf("decode trust: %v", err)
	}
	return &t
}

// establishTrust runs the reciprocal handshake from actorA toward actorB
// and approves both sides, leaving an active relationship on each engine.
func establishTrust(t *testing.T, a *engineFixture, actorA testActor, b *engineFixture, actorB testActor, relationship string) {
	t.Helper()

	req := a.newRequest(http.MethodPost, "/"+actorA.id+"/trust", map[string]string{
		"url":          b.baseURL + "/" + actorB.id,
		"relationship": relationship,
	})
	asOwner(req, actorA)
	if status, body, _ := a.do(req); status != http.StatusCreated {
		t.Fatalf("initiate trust: %d %s", status, body)
	}

	approve := func(f *engineFixture, owner testActor, peerID string) {
		req := f.newRequest(http.MethodPut,
			"/"+owner.id+"/trust/"+relationship+"/"+peerID,
			map[string]bool{"approved": true})
		asOwner(req, owner)
		if status, body, _ := f.do(req); status != http.StatusNoContent {
			t.Fatalf("approve trust for %s: %d %s", owner.id, status, body)
		}
	}
	approve(a, actorA, actorB.id)
	approve(b, actorB, actorA.id)
}

// ── Factory and metadata ─────────────────────────────────────────────────────

func TestCreateActor_mintsPassphraseAndLocation(t *testing.T) {
	f := newEngineFixture(t, false)

	req := f.newRequest(http.MethodPost, "/", map[string]string{"creator": "alice@example.com"})
	status, body, hdr := f.do(req)
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", status, body)
	}

	var out struct {
		ID         string `json:"id"`
		Creator    string `json:"creator"`
		Passphrase string `json:"passphrase"`
		URL        string `json:"url"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID == "" || out.Passphrase == "" {
		t.Errorf("id and passphrase must be minted, got %+v", out)
	}
	if out.Creator != "alice@example.com" {
		t.Errorf("creator = %q", out.Creator)
	}
	if want := f.baseURL + "/" + out.ID; out.URL != want {
		t.Errorf("url = %q, want %q", out.URL, want)
	}
	if loc := hdr.Get("Location"); loc != out.URL {
		t.Errorf("Location = %q, want %q", loc, out.URL)
	}
}

func TestCreateActor_missingCreator(t *testing.T) {
	f := newEngineFixture(t, false)

	req := f.newRequest(http.MethodPost, "/", `{}`)
	status, body, _ := f.do(req)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", status, body)
	}
}

func TestCreateActor_duplicateCreator(t *testing.T) {
	f := newEngineFixture(t, true)
	f.createActor("bob@example.com")

	req := f.newRequest(http.MethodPost, "/", map[string]string{"creator": "bob@example.com"})
	status, body, _ := f.do(req)
	if status != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", status, body)
	}
}

func TestGetActor_ownerOnly(t *testing.T) {
	f := newEngineFixture(t, false)
	a := f.createActor("alice@example.com")

	req := f.newRequest(http.MethodGet, "/"+a.id, nil)
	asOwner(req, a)
	status, body, _ := f.do(req)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	if !strings.Contains(string(body), a.id) || !strings.Contains(string(body), a.creator) {
		t.Errorf("body = %s", body)
	}
}

func TestGetActor_wrongPassphrase(t *testing.T) {
	f := newEngineFixture(t, false)
	a := f.createActor("alice@example.com")

	req := f.newRequest(http.MethodGet, "/"+a.id, nil)
	req.SetBasicAuth(a.creator, "not-the-passphrase")
	req.Header.Set("Accept", "application/json")
	status, body, _ := f.do(req)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", status, body)
	}
}

func TestDeleteActor_removesActor(t *testing.T) {
	f := newEngineFixture(t, false)
	a := f.createActor("alice@example.com")

	req := f.newRequest(http.MethodDelete, "/"+a.id, nil)
	asOwner(req, a)
	status, body, _ := f.do(req)
	if status != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", status, body)
	}

	// The public meta document disappears with the actor.
	status, _, _ = f.do(f.newRequest(http.MethodGet, "/"+a.id+"/meta", nil))
	if status != http.StatusNotFound {
		t.Fatalf("meta after delete: expected 404, got %d", status)
	}
}

func TestGetMeta_public(t *testing.T) {
	f := newEngineFixture(t, false)
	a := f.createActor("alice@example.com")

	status, body, _ := f.do(f.newRequest(http.MethodGet, "/"+a.id+"/meta", nil))
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	var doc map[string]string
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("decode meta: %v", err)
	}
	if doc["id"] != a.id {
		t.Errorf("meta id = %q, want %q", doc["id"], a.id)
	}
	if doc["type"] != "urn:actingweb:test" || doc["version"] != "1.2.3" {
		t.Errorf("meta = %v", doc)
	}
	if !strings.Contains(doc["supported"], "subscriptions") {
		t.Errorf("supported = %q", doc["supported"])
	}
}

func TestGetMetaValue_plainText(t *testing.T) {
	f := newEngineFixture(t, false)
	a := f.createActor("alice@example.com")

	status, body, _ := f.do(f.newRequest(http.MethodGet, "/"+a.id+"/meta/actingweb/version", nil))
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	if got := strings.TrimSpace(string(body)); got != "1.2.3" {
		t.Errorf("version = %q", got)
	}
}

func TestGetMetaValue_unknownName(t *testing.T) {
	f := newEngineFixture(t, false)
	a := f.createActor("alice@example.com")

	status, _, _ := f.do(f.newRequest(http.MethodGet, "/"+a.id+"/meta/nope", nil))
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
}
