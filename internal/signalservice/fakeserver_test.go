package signalservice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/unfacd/unfacd-android-sub003/internal/sessioncrypto"
	"github.com/unfacd/unfacd-android-sub003/internal/signalws"
	"github.com/unfacd/unfacd-android-sub003/internal/store"
)

// fakeAccount is one remote account: an identity shared by its devices.
type fakeAccount struct {
	identity sessioncrypto.Identity
	devices  map[int]*fakeDevice
}

type fakeDevice struct {
	signed    sessioncrypto.KeyPair
	regID     int
	sess      *sessioncrypto.Session
	senderKey *sessioncrypto.SenderKey
	// received holds decrypted, unpadded content.
	received []*Content
}

// fakeServer emulates the message, key, fence and attachment endpoints.
// Devices that are not registered answer 409 like the real server.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	accounts  map[string]*fakeAccount
	localACI  string
	localDev  int
	script    []int // statuses returned by /v1/messages before normal handling
	bodies    map[int]string
	headers   map[int]http.Header
	sends     []outgoingMessageList
	sendAuth  []http.Header
	multi     []multiRecipientMessage
	multiErr  []func(w http.ResponseWriter) bool
	keyGets   int
	commands  [][]byte
	blobs     map[string][]byte
	corrupt   bool
	formCalls int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		t:        t,
		accounts: make(map[string]*fakeAccount),
		localACI: "self",
		localDev: 1,
		bodies:   make(map[int]string),
		headers:  make(map[int]http.Header),
		blobs:    make(map[string][]byte),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/keys/{recipient}/{device}", f.handleKeys)
	mux.HandleFunc("PUT /v1/messages/multi_recipient", f.handleMulti)
	mux.HandleFunc("PUT /v1/messages/{recipient}", f.handleSend)
	mux.HandleFunc("PUT /v1/fence", f.handleFence)
	mux.HandleFunc("GET /v2/attachments/form/upload", f.handleForm)
	mux.HandleFunc("PUT /upload/{key}", f.handleUpload)
	mux.HandleFunc("GET /attachments/{key}", f.handleDownload)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// addDevice registers a device, creating the account on first use.
func (f *fakeServer) addDevice(aci string, deviceID int) {
	f.t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	acct := f.accounts[aci]
	if acct == nil {
		acct = &fakeAccount{identity: newIdentity(f.t, 1000+len(f.accounts)), devices: make(map[int]*fakeDevice)}
		f.accounts[aci] = acct
	}
	signed, err := sessioncrypto.GenerateKeyPair(nil)
	if err != nil {
		f.t.Fatal(err)
	}
	acct.devices[deviceID] = &fakeDevice{signed: signed, regID: 100*deviceID + len(f.accounts)}
}

func (f *fakeServer) removeDevice(aci string, deviceID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.accounts[aci].devices, deviceID)
}

// rotateIdentity gives aci a new identity key, as after a reinstall.
func (f *fakeServer) rotateIdentity(aci string) []byte {
	f.t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[aci].identity = newIdentity(f.t, 4242)
	return f.accounts[aci].identity.KeyPair.Public
}

func (f *fakeServer) device(aci string, deviceID int) *fakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[aci].devices[deviceID]
}

func (f *fakeServer) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeServer) handleKeys(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyGets++
	deviceID, _ := strconv.Atoi(r.PathValue("device"))
	acct := f.accounts[r.PathValue("recipient")]
	if acct == nil || acct.devices[deviceID] == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	dev := acct.devices[deviceID]
	writeJSON(w, http.StatusOK, PreKeyResponse{
		IdentityKey: base64.StdEncoding.EncodeToString(acct.identity.KeyPair.Public),
		Devices: []PreKeyDeviceInfo{{
			DeviceID:       deviceID,
			RegistrationID: dev.regID,
			SignedPreKey: &SignedPreKeyEntity{
				KeyID:     deviceID,
				PublicKey: base64.StdEncoding.EncodeToString(dev.signed.Public),
			},
		}},
	})
}

// registered returns the sorted device IDs the server expects for aci.
func (f *fakeServer) registered(aci string) []int {
	var ids []int
	for id := range f.accounts[aci].devices {
		if aci == f.localACI && id == f.localDev {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func mismatch(expected, got []int) *mismatchedDevicesError {
	m := &mismatchedDevicesError{}
	for _, id := range expected {
		if !slices.Contains(got, id) {
			m.MissingDevices = append(m.MissingDevices, id)
		}
	}
	for _, id := range got {
		if !slices.Contains(expected, id) {
			m.ExtraDevices = append(m.ExtraDevices, id)
		}
	}
	if m.MissingDevices == nil && m.ExtraDevices == nil {
		return nil
	}
	return m
}

func (f *fakeServer) handleSend(w http.ResponseWriter, r *http.Request) {
	var list outgoingMessageList
	if err := json.NewDecoder(r.Body).Decode(&list); err != nil {
		f.t.Errorf("decode message list: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	recipient := r.PathValue("recipient")

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, list)
	f.sendAuth = append(f.sendAuth, r.Header.Clone())

	if len(f.script) > 0 {
		status := f.script[0]
		f.script = f.script[1:]
		for k, v := range f.headers[status] {
			w.Header()[k] = v
		}
		w.WriteHeader(status)
		io.WriteString(w, f.bodies[status])
		return
	}

	acct := f.accounts[recipient]
	if acct == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var got []int
	for _, m := range list.Messages {
		got = append(got, m.DestinationDeviceID)
	}
	slices.Sort(got)
	if m := mismatch(f.registered(recipient), got); m != nil {
		writeJSON(w, http.StatusConflict, m)
		return
	}
	for _, m := range list.Messages {
		f.receive(acct, acct.devices[m.DestinationDeviceID], m)
	}
	writeJSON(w, http.StatusOK, sendMessageResponse{NeedsSync: recipient != f.localACI})
}

// receive decrypts one message on the device, as its owner would.
func (f *fakeServer) receive(acct *fakeAccount, dev *fakeDevice, m outgoingMessage) {
	body, err := base64.StdEncoding.DecodeString(m.Content)
	if err != nil {
		f.t.Errorf("message content: %v", err)
		return
	}
	var pt []byte
	if m.Type == envelopePreKeyBundle {
		pm, perr := sessioncrypto.ParsePreKeyMessage(body)
		if perr != nil {
			f.t.Errorf("parse pre-key message: %v", perr)
			return
		}
		dev.sess, pt, err = sessioncrypto.Accept(acct.identity, dev.signed, nil, pm)
	} else {
		pt, err = dev.sess.Decrypt(sessioncrypto.TypeWhisper, body)
	}
	if err != nil {
		f.t.Errorf("device decrypt: %v", err)
		return
	}
	c, err := ParseContent(pt)
	if err != nil {
		f.t.Errorf("parse content: %v", err)
		return
	}
	if c.SenderKeyDistribution != nil {
		if dev.senderKey, err = sessioncrypto.ProcessDistribution(c.SenderKeyDistribution); err != nil {
			f.t.Errorf("process distribution: %v", err)
		}
	}
	dev.received = append(dev.received, c)
}

func (f *fakeServer) handleMulti(w http.ResponseWriter, r *http.Request) {
	var msg multiRecipientMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		f.t.Errorf("decode multi-recipient message: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.multi = append(f.multi, msg)
	if len(f.multiErr) > 0 {
		fn := f.multiErr[0]
		f.multiErr = f.multiErr[1:]
		if fn(w) {
			return
		}
	}

	var entries []groupMismatchEntry
	var unknown []string
	for _, e := range msg.Recipients {
		if f.accounts[e.Destination] == nil {
			unknown = append(unknown, e.Destination)
			continue
		}
		var got []int
		for _, d := range e.Devices {
			got = append(got, d.DeviceID)
		}
		slices.Sort(got)
		if m := mismatch(f.registered(e.Destination), got); m != nil {
			entries = append(entries, groupMismatchEntry{UUID: e.Destination, Devices: *m})
		}
	}
	if entries != nil {
		writeJSON(w, http.StatusConflict, entries)
		return
	}

	ct, err := base64.StdEncoding.DecodeString(msg.Content)
	if err != nil {
		f.t.Errorf("multi content: %v", err)
		return
	}
	for _, e := range msg.Recipients {
		acct := f.accounts[e.Destination]
		if acct == nil {
			continue
		}
		for _, d := range e.Devices {
			dev := acct.devices[d.DeviceID]
			if dev.senderKey == nil {
				f.t.Errorf("%s.%d has no sender key", e.Destination, d.DeviceID)
				continue
			}
			pt, err := dev.senderKey.Decrypt(ct)
			if err != nil {
				f.t.Errorf("%s.%d sender key decrypt: %v", e.Destination, d.DeviceID, err)
				continue
			}
			c, err := ParseContent(pt)
			if err != nil {
				f.t.Errorf("parse group content: %v", err)
				continue
			}
			dev.received = append(dev.received, c)
		}
	}
	writeJSON(w, http.StatusOK, multiRecipientResponse{UUIDs404: unknown})
}

func (f *fakeServer) handleFence(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "application/x-protobuf" {
		f.t.Errorf("fence content type = %q", ct)
	}
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.commands = append(f.commands, body)
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (f *fakeServer) handleForm(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.formCalls++
	key := "blob" + strconv.Itoa(f.formCalls)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, attachmentUploadForm{
		CDN:                  2,
		Key:                  key,
		Headers:              map[string]string{"X-Upload-Token": "tok"},
		SignedUploadLocation: f.srv.URL + "/upload/" + key,
	})
}

func (f *fakeServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Upload-Token") != "tok" {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.blobs[r.PathValue("key")] = body
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (f *fakeServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	blob, ok := f.blobs[r.PathValue("key")]
	corrupt := f.corrupt
	f.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if corrupt {
		blob = bytes.Clone(blob)
		blob[20] ^= 1
	}
	w.Write(blob)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newIdentity(t *testing.T, reg int) sessioncrypto.Identity {
	t.Helper()
	kp, err := sessioncrypto.GenerateKeyPair(nil)
	if err != nil {
		t.Fatal(err)
	}
	return sessioncrypto.Identity{KeyPair: kp, RegistrationID: uint32(reg)}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// newTestService returns a Service talking to f over REST.
func newTestService(t *testing.T, f *fakeServer, tweak func(*ServiceConfig)) (*Service, *store.Store) {
	t.Helper()
	st := openTestStore(t)
	cfg := ServiceConfig{
		APIURL:        f.srv.URL,
		Store:         st,
		Auth:          BasicAuth{Username: "self.1", Password: "secret"},
		Identity:      newIdentity(t, 1),
		LocalACI:      f.localACI,
		LocalDeviceID: f.localDev,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	return NewService(cfg), st
}

// fakePipe serves requests from the fake server's handler while up.
type fakePipe struct {
	h     http.Handler
	up    bool
	mu    sync.Mutex
	calls int
}

func (p *fakePipe) Request(ctx context.Context, verb, path string, headers map[string]string, body []byte) (*signalws.Response, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if !p.up {
		return nil, signalws.ErrNotConnected
	}
	req := httptest.NewRequestWithContext(ctx, verb, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	p.h.ServeHTTP(rec, req)
	h := make(map[string]string)
	for k := range rec.Header() {
		h[k] = rec.Header().Get(k)
	}
	return &signalws.Response{Status: rec.Code, Headers: h, Body: rec.Body.Bytes()}, nil
}

// locked runs fn with the server state locked.
func (f *fakeServer) locked(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}
