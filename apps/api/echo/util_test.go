package echoapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"

	"github.com/trezcool/masomo-realtime/core"
	"github.com/trezcool/masomo-realtime/core/realtime"
	"github.com/trezcool/masomo-realtime/services/broadcast"
)

const testSecret = "test-secret-key-0123456789"

type fakeFeed struct {
	state realtime.State
}

func (f fakeFeed) State() realtime.State { return f.state }

func testConfig() *core.Config {
	return &core.Config{
		Env:       "TEST",
		AppName:   "Masomo",
		TestMode:  true,
		SecretKey: testSecret,
		Server: core.ServerConfig{
			Address:            ":0",
			ShutdownTimeout:    time.Second,
			JWTExpirationDelta: time.Hour,
		},
		Realtime: core.RealtimeConfig{
			ThrottleWindow:  time.Second,
			ReconnectDelay:  5 * time.Second,
			FallbackChannel: "general",
			ClientBuffer:    16,
			PingPeriod:      time.Minute,
			PongWait:        2 * time.Minute,
			WriteWait:       time.Second,
			AllowedOrigins:  []string{"https://app.masomo.cd"},
		},
	}
}

func setup(t *testing.T) (*Server, *broadcast.Hub) {
	t.Helper()
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)

	hub := broadcast.NewHub()
	srv := NewServer(ServerDeps{
		Conf:       testConfig(),
		Logger:     core.NopLogger{},
		Hub:        hub,
		Feed:       fakeFeed{state: realtime.Watching},
		Validate:   validate,
		Translator: translator,
	})
	t.Cleanup(func() { _ = srv.Close() })
	return srv, hub
}

func getToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	token, err := GenerateToken(NewClaims("Masomo", subject, "user"+subject, subject+"@test.cd", roles, time.Hour), testSecret)
	if err != nil {
		t.Fatalf("getToken(): %v", err)
	}
	return token
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj() failed: %v", err)
	}
	return data
}

func jsonBytesEqual(t *testing.T, b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	if reflect.DeepEqual(j1, j2) {
		return true, nil
	}
	if j1 == nil || j2 == nil {
		return false, nil
	}
	return assert.ElementsMatch(t, j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(t, rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}
