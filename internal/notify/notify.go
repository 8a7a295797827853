// Package notify renders OTP messages from templates and pushes them out
// through a Provider.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"
	ttemplate "text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/knadh/otpmail/pkg/models"
	"github.com/knadh/stuffbin"
	"github.com/zerodha/logf"
)

// Tpl is a compiled subject and body template pair for a purpose.
type Tpl struct {
	Subject *ttemplate.Template
	Body    *template.Template
}

// TplConfig is the template configuration for a purpose.
type TplConfig struct {
	Subject string `json:"subject"`
	File    string `json:"file"`
}

// tplData is the data exposed to message templates.
type tplData struct {
	To      string
	Code    string
	Purpose models.Purpose
	AppName string
	AppLogo string
	TTL     time.Duration
}

// Dispatcher renders and sends OTP messages through a single Provider.
type Dispatcher struct {
	prov models.Provider
	tpls map[models.Purpose]Tpl
	lo   logf.Logger
}

// New returns a Dispatcher that sends via p using the given per-purpose
// templates.
func New(p models.Provider, tpls map[models.Purpose]Tpl, lo logf.Logger) *Dispatcher {
	return &Dispatcher{
		prov: p,
		tpls: tpls,
		lo:   lo,
	}
}

// Dispatch validates the address, renders the purpose's templates and
// pushes the message to the provider.
func (d *Dispatcher) Dispatch(ctx context.Context, msg models.Message) error {
	if err := d.prov.ValidateAddress(msg.To); err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}

	tpl, ok := d.tpls[msg.Purpose]
	if !ok {
		return fmt.Errorf("no template for purpose '%s'", msg.Purpose)
	}

	var (
		subj = &bytes.Buffer{}
		body = &bytes.Buffer{}

		data = tplData{
			To:      msg.To,
			Code:    msg.Code,
			Purpose: msg.Purpose,
			AppName: msg.Branding.AppName,
			AppLogo: msg.Branding.AppLogo,
			TTL:     msg.TTL,
		}
	)

	if tpl.Subject != nil {
		if err := tpl.Subject.Execute(subj, data); err != nil {
			return fmt.Errorf("error rendering subject: %w", err)
		}
	}
	if tpl.Body != nil {
		if err := tpl.Body.Execute(body, data); err != nil {
			return fmt.Errorf("error rendering body: %w", err)
		}
	}

	if n := d.prov.MaxBodyLen(); n > 0 && body.Len() > n {
		return fmt.Errorf("message body exceeds %d bytes", n)
	}

	d.lo.Debug("sending otp", "provider", d.prov.ID(), "purpose", msg.Purpose)
	return d.prov.Push(msg, strings.TrimSpace(subj.String()), body.Bytes())
}

// ParseTemplates compiles the subject and body templates for every
// configured purpose. Body files are read from fs and are required for
// every purpose. Both templates get the sprig function map.
func ParseTemplates(fs stuffbin.FileSystem, cfg map[models.Purpose]TplConfig) (map[models.Purpose]Tpl, error) {
	if len(cfg) == 0 {
		return nil, errors.New("no message templates configured")
	}

	out := make(map[models.Purpose]Tpl, len(cfg))
	for p, c := range cfg {
		var (
			t   Tpl
			err error
		)

		if c.Subject != "" {
			t.Subject, err = ttemplate.New("subject").Funcs(sprig.TxtFuncMap()).Parse(c.Subject)
			if err != nil {
				return nil, fmt.Errorf("error parsing subject template for %s: %v", p, err)
			}
		}

		// The body is the only place the code reaches the recipient.
		if c.File == "" {
			return nil, fmt.Errorf("no body template file for %s", p)
		}
		b, err := fs.Read(c.File)
		if err != nil {
			return nil, fmt.Errorf("error reading template %s for %s: %v", c.File, p, err)
		}

		t.Body, err = template.New(string(p)).Funcs(sprig.FuncMap()).Parse(string(b))
		if err != nil {
			return nil, fmt.Errorf("error parsing template %s for %s: %v", c.File, p, err)
		}

		out[p] = t
	}

	return out, nil
}
