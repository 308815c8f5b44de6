package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"

	. "github.com/trezcool/chekechea/apps/api/echo"
	"github.com/trezcool/chekechea/core"
	"github.com/trezcool/chekechea/core/enroll"
	"github.com/trezcool/chekechea/core/staff"
	emailsvc "github.com/trezcool/chekechea/services/email"
	inmemdb "github.com/trezcool/chekechea/storage/database/inmem"
)

var errMissingToken = httpErr{Error: "missing or malformed jwt"}

type fixture struct {
	db        *inmemdb.DB
	staffRepo staff.Repository
	staffSvc  staff.Service
	enrollSvc enroll.Service
	app       Server
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db := inmemdb.New()
	enrollRepo := inmemdb.NewEnrollRepository(db)
	staffRepo := inmemdb.NewStaffRepository(db)

	mailSvc := emailsvc.NewConsoleServiceMock()
	enrollSvc := enroll.NewServiceMock(enrollRepo, mailSvc)
	staffSvc := staff.NewServiceMock(staffRepo, mailSvc)

	validate := validator.New()
	translator := newTranslator()
	core.InitValidators(validate, translator)
	staff.InitValidators(validate, translator)
	enroll.InitValidators(validate, translator)

	app := NewServer(&Options{
		DisableReqLogs: true,
		Logger:         core.NopLogger{},
		EnrollSvc:      enrollSvc,
		StaffSvc:       staffSvc,
		Validate:       validate,
		Translator:     translator,
	})

	return &fixture{
		db:        db,
		staffRepo: staffRepo,
		staffSvc:  staffSvc,
		enrollSvc: enrollSvc,
		app:       app,
	}
}

func newTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}

// createStaff seeds a staff member directly through the repository.
func createStaff(t *testing.T, repo staff.Repository, name, uname, email string, roles []string, active bool) staff.Staff {
	t.Helper()

	now := time.Now().UTC()
	s := staff.Staff{
		Name:      name,
		Username:  uname,
		Email:     email,
		IsActive:  active,
		Roles:     roles,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.SetPassword("53cr3t!pwd"); err != nil {
		t.Fatalf("createStaff() SetPassword: %v", err)
	}
	s, err := repo.CreateStaff(context.Background(), s)
	if err != nil {
		t.Fatalf("createStaff(): %v", err)
	}
	return s
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

func getToken(t *testing.T, s staff.Staff) string {
	t.Helper()

	claims := GetStaffClaims(s)
	token, err := GenerateToken(claims)
	if err != nil {
		t.Fatalf("getToken(): %v", err)
	}
	return token
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	t.Helper()

	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj(): %v", err)
	}
	return data
}

func marchallList(t *testing.T, objs ...interface{}) []byte {
	t.Helper()

	data, err := json.Marshal(objs)
	if err != nil {
		t.Fatalf("marchallList(): %v", err)
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
	if l1, ok := j1.([]interface{}); ok {
		if l2, ok := j2.([]interface{}); ok {
			return assert.ElementsMatch(t, l1, l2), nil
		}
	}
	return false, nil
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
