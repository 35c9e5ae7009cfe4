package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"

	echoapi "github.com/trezcool/campus/apps/api/echo"
	"github.com/trezcool/campus/core"
	"github.com/trezcool/campus/core/identity"
	"github.com/trezcool/campus/core/portal"
	"github.com/trezcool/campus/core/user"
	logsvc "github.com/trezcool/campus/services/logger"
	sqlxrepos "github.com/trezcool/campus/storage/database/sqlx"
	"github.com/trezcool/campus/storage/database/tables"
	"github.com/trezcool/campus/storage/feed"
	testutil "github.com/trezcool/campus/tests"
)

const pwd = "Qx7!mR2#vL"

var errMissingToken = httpErr{Error: "missing or malformed jwt"}

type env struct {
	app     *echoapi.Server
	usrRepo user.Repository
	usrSvc  *user.Service
	store   *tables.Store
}

func setup(t *testing.T) env {
	t.Helper()

	// set up DB & repos
	db := testutil.PrepareDB(t)
	usrRepo := sqlxrepos.NewUserRepository(db)
	store := tables.NewStore(db, feed.NewHub(logsvc.NopLogger{}), logsvc.NopLogger{}, portal.Tables()...)

	// set up services
	usrSvc := user.NewService(usrRepo, store, logsvc.NopLogger{})

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)

	// set up server
	app := echoapi.NewServer(echoapi.ServerDeps{
		Conf:           core.NewTestConfig(),
		Logger:         logsvc.NopLogger{},
		Tables:         store,
		UserSvc:        usrSvc,
		Validate:       validate,
		Translator:     translator,
		DisableReqLogs: true,
	})
	return env{app: app, usrRepo: usrRepo, usrSvc: usrSvc, store: store}
}

func (e env) createUser(t *testing.T, name, email string, role identity.Role) (user.User, string) {
	t.Helper()
	usr := testutil.CreateUser(t, e.usrRepo, name, email, pwd, role, true)
	token, err := e.app.GenerateToken(usr)
	if err != nil {
		t.Fatalf("createUser() failed: %v", err)
	}
	return usr, token
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

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func (e env) do(tt httpTest) *httptest.ResponseRecorder {
	method := tt.method
	if method == "" {
		method = http.MethodGet
	}
	req, rec := newAuthRequest(method, tt.path, tt.token, tt.body)
	e.app.ServeHTTP(rec, req)
	return rec
}

func marshallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshallObj() failed: %v", err)
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
	t.Helper()
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

// rowIDs decodes a JSON array of rows into their ids.
func rowIDs(t *testing.T, body []byte) []string {
	t.Helper()
	var rows []map[string]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		t.Fatalf("rowIDs() failed: %v (%s)", err, body)
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		id, _ := r["id"].(string)
		ids = append(ids, id)
	}
	return ids
}
