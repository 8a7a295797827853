package notify

import (
	"context"
	"errors"
	"html/template"
	"sync"
	"testing"
	ttemplate "text/template"
	"time"

	"github.com/knadh/otpmail/pkg/models"
	"github.com/knadh/stuffbin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"
)

const dummyToAddress = "dummy@to.com"

var lo = logf.New(logf.Opts{Level: logf.ErrorLevel})

type pushed struct {
	msg     models.Message
	subject string
	body    string
}

type dummyProv struct {
	mu      sync.Mutex
	pushed  []pushed
	err     error
	maxBody int
	delay   time.Duration
}

func (d *dummyProv) ID() string          { return "dummyprovider" }
func (d *dummyProv) ChannelName() string { return "dummychannel" }
func (d *dummyProv) MaxBodyLen() int     { return d.maxBody }

func (d *dummyProv) ValidateAddress(to string) error {
	if to != dummyToAddress {
		return errors.New("invalid dummy to address")
	}
	return nil
}

func (d *dummyProv) Push(msg models.Message, subject string, body []byte) error {
	time.Sleep(d.delay)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.pushed = append(d.pushed, pushed{msg, subject, string(body)})
	return d.err
}

func (d *dummyProv) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pushed)
}

func dummyTpls() map[models.Purpose]Tpl {
	subj := ttemplate.Must(ttemplate.New("subject").Parse("{{ .AppName }} verification code"))
	return map[models.Purpose]Tpl{
		models.PurposeSignup: {
			Subject: subj,
			Body:    template.Must(template.New("body").Parse(`<img src="{{ .AppLogo }}"> code {{ .Code }}`)),
		},
	}
}

func dummyMsg() models.Message {
	return models.Message{
		To:       dummyToAddress,
		Code:     "482913",
		Purpose:  models.PurposeSignup,
		Branding: models.Branding{AppName: "Acme & Co", AppLogo: "https://acme/logo.png"},
	}
}

func TestDispatch(t *testing.T) {
	var (
		p = &dummyProv{}
		d = New(p, dummyTpls(), lo)
	)

	require.NoError(t, d.Dispatch(context.Background(), dummyMsg()))
	require.Len(t, p.pushed, 1)
	assert.Equal(t, "Acme & Co verification code", p.pushed[0].subject, "subject shouldn't be HTML escaped")
	assert.Equal(t, `<img src="https://acme/logo.png"> code 482913`, p.pushed[0].body)
	assert.Equal(t, dummyToAddress, p.pushed[0].msg.To)
}

func TestDispatchErrors(t *testing.T) {
	var (
		p   = &dummyProv{}
		d   = New(p, dummyTpls(), lo)
		ctx = context.Background()
	)

	msg := dummyMsg()
	msg.To = "xxxx"
	assert.Error(t, d.Dispatch(ctx, msg), "bad address accepted")

	msg = dummyMsg()
	msg.Purpose = models.PurposeForgotPassword
	assert.Error(t, d.Dispatch(ctx, msg), "missing template accepted")

	p.maxBody = 10
	assert.Error(t, d.Dispatch(ctx, dummyMsg()), "oversized body accepted")
	assert.Empty(t, p.pushed)

	p.maxBody = 0
	p.err = errors.New("smtp is down")
	assert.EqualError(t, d.Dispatch(ctx, dummyMsg()), "smtp is down")
}

func TestParseTemplates(t *testing.T) {
	fs, err := stuffbin.NewLocalFS("/", "testdata/")
	require.NoError(t, err)

	tpls, err := ParseTemplates(fs, map[models.Purpose]TplConfig{
		models.PurposeSignup: {Subject: "{{ .AppName | lower }}: {{ .Code }}", File: "/testdata/signup.html"},
	})
	require.NoError(t, err)

	p := &dummyProv{}
	require.NoError(t, New(p, tpls, lo).Dispatch(context.Background(), dummyMsg()))
	assert.Equal(t, "acme & co: 482913", p.pushed[0].subject)
	assert.Contains(t, p.pushed[0].body, "ACME &amp; CO")
	assert.Contains(t, p.pushed[0].body, "<strong>482913</strong>")

	_, err = ParseTemplates(fs, map[models.Purpose]TplConfig{
		models.PurposeSignup: {File: "/testdata/missing.html"},
	})
	assert.Error(t, err)

	// A purpose without a body template is rejected.
	_, err = ParseTemplates(fs, map[models.Purpose]TplConfig{
		models.PurposeSignup: {Subject: "{{ .Code }}"},
	})
	assert.Error(t, err, "purpose without a body template accepted")

	_, err = ParseTemplates(fs, nil)
	assert.Error(t, err)
}

func TestAsync(t *testing.T) {
	var (
		p = &dummyProv{err: errors.New("smtp is down")}
		a = NewAsync(New(p, dummyTpls(), lo), AsyncOpt{Workers: 2, QueueSize: 10}, lo)
	)

	for i := 0; i < 5; i++ {
		assert.NoError(t, a.Dispatch(context.Background(), dummyMsg()), "delivery error leaked to the caller")
	}

	// Close drains the queue.
	a.Close()
	assert.Equal(t, 5, p.count())
	assert.ErrorIs(t, a.Dispatch(context.Background(), dummyMsg()), ErrClosed)

	// Closing twice is harmless.
	a.Close()
}

func TestAsyncQueueFull(t *testing.T) {
	var (
		p = &dummyProv{delay: 200 * time.Millisecond}
		a = NewAsync(New(p, dummyTpls(), lo), AsyncOpt{Workers: 1, QueueSize: 1}, lo)
	)
	defer a.Close()

	var full bool
	for i := 0; i < 5; i++ {
		if errors.Is(a.Dispatch(context.Background(), dummyMsg()), ErrQueueFull) {
			full = true
		}
	}
	assert.True(t, full, "queue never filled up")
}
