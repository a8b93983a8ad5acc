package pager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/babysitter/internal/config"
	"github.com/ryandielhenn/babysitter/pkg/alerts"
)

const DefaultMandrillURL = "https://mandrillapp.com/api/1.0/messages/send.json"

// defaultMandrillTemplate is the send.json body; {0} is the title, {1} the
// summary and {2} the server details.
const defaultMandrillTemplate = `{
  "message": {
    "subject": "{0}",
    "html": "<h3>{0}</h3><p>{1}</p><pre>{2}</pre>",
    "from_email": "babysitter@localhost",
    "to": []
  }
}`

func init() {
	alerts.RegisterPager("mandrill", func(cfg config.PagerConfiguration, log *zap.Logger) (alerts.Pager, error) {
		mc := MandrillConfig{
			APIKey: cfg.Settings["api_key"],
			URL:    setting(cfg, "url", DefaultMandrillURL),
			From:   cfg.Settings["from"],
			To:     splitList(cfg.Settings["to"]),
		}
		if path := cfg.Settings["template"]; path != "" {
			b, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read mandrill template: %w", err)
			}
			mc.Template = string(b)
		}
		return NewMandrillPager(mc, log)
	})
}

type MandrillConfig struct {
	APIKey   string
	URL      string
	From     string
	To       []string
	Template string // send.json body with {0}, {1}, {2} placeholders
	Client   *http.Client
}

// MandrillPager e-mails the alert through the Mandrill send API.
type MandrillPager struct {
	cfg      MandrillConfig
	template map[string]any
	log      *zap.Logger
}

func NewMandrillPager(cfg MandrillConfig, log *zap.Logger) (*MandrillPager, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("mandrill pager requires api_key")
	}
	if cfg.URL == "" {
		cfg.URL = DefaultMandrillURL
	}
	if cfg.Template == "" {
		cfg.Template = defaultMandrillTemplate
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}

	var tmpl map[string]any
	if err := json.Unmarshal([]byte(cfg.Template), &tmpl); err != nil {
		return nil, fmt.Errorf("invalid mandrill template: %w", err)
	}
	msg, ok := tmpl["message"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("mandrill template has no message object")
	}
	if cfg.From != "" {
		msg["from_email"] = cfg.From
	}
	if len(cfg.To) > 0 {
		to := make([]any, 0, len(cfg.To))
		for _, addr := range cfg.To {
			to = append(to, map[string]any{"email": addr, "type": "to"})
		}
		msg["to"] = to
	}
	return &MandrillPager{cfg: cfg, template: tmpl, log: log}, nil
}

// body renders the request for a. Placeholders are replaced in every string
// of the message object; only html gets escaped values.
func (p *MandrillPager) body(a alerts.Alert) ([]byte, error) {
	markup := strings.NewReplacer(
		"{0}", html.EscapeString(a.Title()),
		"{1}", a.Summary(),
		"{2}", html.EscapeString(a.Details()),
	)
	plain := strings.NewReplacer("{0}", a.Title(), "{1}", a.Summary(), "{2}", a.Details())
	out := make(map[string]any, len(p.template)+1)
	for k, v := range p.template {
		out[k] = v
	}
	msg := make(map[string]any)
	for k, v := range p.template["message"].(map[string]any) {
		if s, ok := v.(string); ok {
			if k == "html" {
				v = markup.Replace(s)
			} else {
				v = plain.Replace(s)
			}
		}
		msg[k] = v
	}
	out["message"] = msg
	out["key"] = p.cfg.APIKey
	return json.Marshal(out)
}

func (p *MandrillPager) Page(ctx context.Context, a alerts.Alert) error {
	body, err := p.body(a)
	if err != nil {
		return fmt.Errorf("encode mandrill request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("mandrill send: %w", err)
	}
	defer resp.Body.Close()
	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mandrill send: %s: %s", resp.Status, strings.TrimSpace(string(reply)))
	}
	p.log.Debug("mandrill accepted alert", zap.String("server", a.Server.Name()), zap.ByteString("reply", reply))
	return nil
}

func (p *MandrillPager) Description() string {
	return "Sends an email alert via the Mandrill (http://mandrill.com) email service using the REST API"
}

func (p *MandrillPager) Close() error {
	p.cfg.Client.CloseIdleConnections()
	return nil
}
