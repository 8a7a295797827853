package main

import (
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/otpmail/internal/notify"
	"github.com/knadh/otpmail/internal/otp"
	"github.com/knadh/otpmail/internal/settings"
	"github.com/knadh/otpmail/internal/store/redis"
	"github.com/knadh/otpmail/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	dummyUser      = "myapp"
	dummySecret    = "mysecret"
	dummyToAddress = "dummy@to.com"
)

type dummyProv struct {
	mu    sync.Mutex
	codes map[string]string
	fail  bool
}

// ID returns the Provider's ID.
func (d *dummyProv) ID() string {
	return "dummyprovider"
}

// ChannelName returns the e-mail Provider's name.
func (d *dummyProv) ChannelName() string {
	return "dummychannel"
}

// ValidateAddress "validates" an e-mail address.
func (d *dummyProv) ValidateAddress(to string) error {
	return models.ValidateEmail(to)
}

// Push records the rendered body which is just the code.
func (d *dummyProv) Push(msg models.Message, subject string, m []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fail {
		return errors.New("dummy provider is down")
	}
	d.codes[msg.To+":"+string(msg.Purpose)] = string(m)
	return nil
}

// MaxBodyLen returns the max permitted body size.
func (d *dummyProv) MaxBodyLen() int {
	return 100 * 1024
}

func (d *dummyProv) code(to string, p models.Purpose) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.codes[to+":"+string(p)]
}

func (d *dummyProv) setFail(f bool) {
	d.mu.Lock()
	d.fail = f
	d.mu.Unlock()
}

var (
	srv  *httptest.Server
	rdis *miniredis.Miniredis
	prov = &dummyProv{codes: map[string]string{}}
)

func init() {
	// Dummy Redis.
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd
	port, _ := strconv.Atoi(rd.Port())

	// Message templates. The body is the bare code.
	body := template.Must(template.New("body").Parse("{{ .Code }}"))
	tpls := map[models.Purpose]notify.Tpl{
		models.PurposeSignup:         {Body: body},
		models.PurposeForgotPassword: {Body: body},
	}

	var (
		lo     = initLogger(false)
		st     = redis.New(redis.Conf{Host: rd.Host(), Port: port}, lo)
		hasher = otp.NewBcrypt(bcrypt.MinCost, "pepper", 0)
	)

	// Dummy app.
	app := &App{
		store: st,
		issuer: otp.NewIssuer(otp.Opt{
			Hasher:     hasher,
			Store:      st,
			Settings:   settings.NewStatic(models.Branding{}),
			Dispatcher: notify.New(prov, tpls, lo),
		}, lo),
		verifier: otp.NewVerifier(st, hasher, lo),
		validate: validator.New(),
		lo:       lo,
	}

	srv = httptest.NewServer(initHTTPHandler(app, map[string]string{dummyUser: dummySecret}))
}

func reset() {
	rdis.FlushDB()
	prov.setFail(false)
}

func TestHealthCheck(t *testing.T) {
	var out httpResp
	r := testRequest(t, http.MethodGet, "/api/health", nil, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
	assert.Equal(t, "OK", out.Data)
}

func TestAuth(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/otp/signup", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "missing auth accepted")

	req.SetBasicAuth(dummyUser, "wrongsecret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "bad secret accepted")
}

func TestIssueOTP(t *testing.T) {
	reset()
	var (
		data = &issueResp{}
		out  = httpResp{Data: data}
		p    = url.Values{}
	)

	// Bad purpose.
	p.Set("email", dummyToAddress)
	r := testRequest(t, http.MethodPost, "/api/otp/badpurpose", p, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 response for bad purpose")

	// Bad e-mail.
	p.Set("email", "xxxx")
	r = testRequest(t, http.MethodPost, "/api/otp/signup", p, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 response for bad email")
	assert.Equal(t, "Invalid `email`.", out.Message)

	p.Set("email", " Dummy@To.com ")
	r = testRequest(t, http.MethodPost, "/api/otp/signup", p, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
	assert.True(t, data.Issued)

	code := prov.code(dummyToAddress, models.PurposeSignup)
	assert.Len(t, code, otp.DefaultCodeLen, "code wasn't delivered")

	// The code must never be in the response.
	_, raw := testRawRequest(t, http.MethodPost, "/api/otp/signup", p)
	assert.NotContains(t, raw, prov.code(dummyToAddress, models.PurposeSignup))
}

func TestVerifyOTP(t *testing.T) {
	reset()
	var (
		data = &verifyResp{}
		out  = httpResp{Data: data}
		p    = url.Values{}
	)

	// Nothing issued yet.
	p.Set("email", dummyToAddress)
	p.Set("otp", "123456")
	r := testRequest(t, http.MethodPost, "/api/otp/signup/verify", p, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 response for no pending code")
	assert.Equal(t, "Invalid or expired OTP.", out.Message)

	issue(t, models.PurposeSignup)
	code := prov.code(dummyToAddress, models.PurposeSignup)

	// Empty and malformed codes.
	p.Set("otp", "")
	r = testRequest(t, http.MethodPost, "/api/otp/signup/verify", p, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 response for empty otp")
	p.Set("otp", "abcdef")
	r = testRequest(t, http.MethodPost, "/api/otp/signup/verify", p, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 response for non numeric otp")

	// Wrong code.
	p.Set("otp", wrongCode(code))
	r = testRequest(t, http.MethodPost, "/api/otp/signup/verify", p, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "wrong otp accepted")
	assert.Equal(t, "Invalid or expired OTP.", out.Message)

	// A wrong attempt doesn't burn the code.
	p.Set("otp", code)
	r = testRequest(t, http.MethodPost, "/api/otp/signup/verify", p, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "good otp failed")
	assert.True(t, data.Verified)

	// Single use.
	data.Verified = false
	r = testRequest(t, http.MethodPost, "/api/otp/signup/verify", p, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "otp verified twice")
	assert.False(t, data.Verified)
}

func TestVerifyFailuresLookAlike(t *testing.T) {
	reset()
	p := url.Values{}
	p.Set("email", dummyToAddress)

	issue(t, models.PurposeSignup)
	code := prov.code(dummyToAddress, models.PurposeSignup)

	p.Set("otp", wrongCode(code))
	wrongStatus, wrongBody := testRawRequest(t, http.MethodPost, "/api/otp/signup/verify", p)

	p.Set("otp", code)
	okStatus, _ := testRawRequest(t, http.MethodPost, "/api/otp/signup/verify", p)
	require.Equal(t, http.StatusOK, okStatus, "good otp failed")

	// Reusing the consumed code.
	usedStatus, usedBody := testRawRequest(t, http.MethodPost, "/api/otp/signup/verify", p)
	assert.Equal(t, http.StatusBadRequest, wrongStatus)
	assert.Equal(t, wrongStatus, usedStatus, "used and wrong codes have different statuses")
	assert.Equal(t, wrongBody, usedBody, "used and wrong codes have different responses")

	// Nothing ever issued for the address.
	p.Set("email", "nobody@to.com")
	noneStatus, noneBody := testRawRequest(t, http.MethodPost, "/api/otp/signup/verify", p)
	assert.Equal(t, wrongStatus, noneStatus)
	assert.Equal(t, wrongBody, noneBody)
}

func TestVerifyPurposeScope(t *testing.T) {
	reset()
	var (
		out = httpResp{}
		p   = url.Values{}
	)

	issue(t, models.PurposeSignup)
	code := prov.code(dummyToAddress, models.PurposeSignup)

	p.Set("email", dummyToAddress)
	p.Set("otp", code)
	r := testRequest(t, http.MethodPost, "/api/otp/forgot-password/verify", p, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "signup code accepted for forgot-password")

	r = testRequest(t, http.MethodPost, "/api/otp/signup/verify", p, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "signup code rejected")
}

func TestVerifyNewestWins(t *testing.T) {
	reset()
	var (
		out = httpResp{}
		p   = url.Values{}
	)

	issue(t, models.PurposeForgotPassword)
	first := prov.code(dummyToAddress, models.PurposeForgotPassword)
	issue(t, models.PurposeForgotPassword)
	second := prov.code(dummyToAddress, models.PurposeForgotPassword)

	p.Set("email", dummyToAddress)
	if first != second {
		p.Set("otp", first)
		r := testRequest(t, http.MethodPost, "/api/otp/forgot-password/verify", p, &out)
		assert.Equal(t, http.StatusBadRequest, r.StatusCode, "superseded code accepted")
	}

	p.Set("otp", second)
	r := testRequest(t, http.MethodPost, "/api/otp/forgot-password/verify", p, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "newest code rejected")

	// The older code stays void after the newest is consumed.
	p.Set("otp", first)
	r = testRequest(t, http.MethodPost, "/api/otp/forgot-password/verify", p, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "superseded code accepted after consume")
}

func TestIssueDeliveryFailure(t *testing.T) {
	reset()
	var (
		data = &issueResp{}
		out  = httpResp{Data: data}
		p    = url.Values{}
	)

	// Delivery is best-effort. Issuance still succeeds.
	prov.setFail(true)
	p.Set("email", dummyToAddress)
	r := testRequest(t, http.MethodPost, "/api/otp/signup", p, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "delivery failure failed issuance")
	assert.True(t, data.Issued)
}

func issue(t *testing.T, p models.Purpose) {
	var (
		out = httpResp{}
		v   = url.Values{}
	)
	v.Set("email", dummyToAddress)

	path := "/api/otp/signup"
	if p == models.PurposeForgotPassword {
		path = "/api/otp/forgot-password"
	}
	r := testRequest(t, http.MethodPost, path, v, &out)
	require.Equal(t, http.StatusOK, r.StatusCode, "otp issue failed")
}

func wrongCode(code string) string {
	b := []byte(code)
	if b[0] == '9' {
		b[0] = '0'
	} else {
		b[0]++
	}
	return string(b)
}

func testRawRequest(t *testing.T, method, path string, p url.Values) (int, string) {
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(p.Encode()))
	require.NoError(t, err)
	req.SetBasicAuth(dummyUser, dummySecret)
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func testRequest(t *testing.T, method, path string, p url.Values, out interface{}) *http.Response {
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(p.Encode()))
	if err != nil {
		t.Fatal(err)
		return nil
	}
	req.SetBasicAuth(dummyUser, dummySecret)
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

	// HTTP client.
	c := &http.Client{}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
		return nil
	}
	defer resp.Body.Close()

	if err := json.Unmarshal(respBody, out); err != nil {
		t.Fatal(err)
	}

	return resp
}
