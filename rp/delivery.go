// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package rp

import (
	"fmt"
	"html/template"
	"net/http"
	"strings"
)

// formPostTemplate renders a message as a self-submitting HTML form for
// providers and response modes that deliver via POST. Values are
// HTML/attribute escaped by html/template.
var formPostTemplate = template.Must(template.New("formpost").Parse(
	`<html><head><title>Working...</title></head><body><form method="POST" name="hiddenform" action="{{.Action}}">{{range .Fields}}<input type="hidden" name="{{.Name}}" value="{{.Value}}" />{{end}}<noscript><p>Script is disabled. Click Submit to continue.</p><input type="submit" value="Submit" /></noscript></form><script language="javascript">window.setTimeout(function() { document.forms[0].submit(); }, 0);</script></body></html>`))

type formPostData struct {
	Action string
	Fields []Param
}

// deliver sends the message to its IssuerAddress using the configured
// authentication method. An unsupported method is an operator
// misconfiguration.
func (e *Engine) deliver(w http.ResponseWriter, r *http.Request, msg *Message) error {
	const op = "Engine.deliver"
	switch e.config.AuthenticationMethod {
	case MethodRedirect:
		return e.deliverRedirect(w, r, msg)
	case MethodFormPost:
		return e.deliverFormPost(w, msg)
	default:
		return fmt.Errorf("%s: unsupported authentication method %q: %w", op, e.config.AuthenticationMethod, ErrConfiguration)
	}
}

func (e *Engine) deliverRedirect(w http.ResponseWriter, r *http.Request, msg *Message) error {
	const op = "Engine.deliverRedirect"
	u, err := msg.RedirectURL()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	http.Redirect(w, r, u, http.StatusFound)
	return nil
}

func (e *Engine) deliverFormPost(w http.ResponseWriter, msg *Message) error {
	const op = "Engine.deliverFormPost"
	if msg.IssuerAddress == "" {
		return fmt.Errorf("%s: message has no endpoint address: %w", op, ErrConfiguration)
	}
	data := formPostData{Action: msg.IssuerAddress}
	for _, k := range msg.Keys() {
		for _, v := range msg.Values(k) {
			data.Fields = append(data.Fields, Param{Name: k, Value: v})
		}
	}
	var b strings.Builder
	if err := formPostTemplate.Execute(&b, data); err != nil {
		return fmt.Errorf("%s: unable to render form: %w", op, err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "-1")
	_, err := w.Write([]byte(b.String()))
	return err
}
