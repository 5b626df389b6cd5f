package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"airmon/internal/config"
	"airmon/internal/models"
)

var errSMTPConfig = errors.New("email: smtp server, port, username and password are required")

var severityColors = map[models.Severity]string{
	models.SeverityInfo:      "#17a2b8",
	models.SeverityWarning:   "#ffc107",
	models.SeverityCritical:  "#dc3545",
	models.SeverityEmergency: "#6f42c1",
}

var emailBody = template.Must(template.New("alert").Parse(`<html>
<body style="font-family: Arial, sans-serif; margin: 20px;">
  <div style="border-left: 4px solid {{.Color}}; padding-left: 20px; margin-bottom: 20px;">
    <h2 style="color: {{.Color}}; margin: 0;">{{.Alert.Title}}</h2>
    <p style="color: #666; margin: 5px 0;"><strong>Severity:</strong> {{.Severity}}</p>
    <p style="color: #666; margin: 5px 0;"><strong>Time:</strong> {{.Time}}</p>
    <p style="color: #666; margin: 5px 0;"><strong>Type:</strong> {{.Type}}</p>
  </div>
  <div style="background-color: #f8f9fa; padding: 15px; border-radius: 5px; margin-bottom: 20px;">
    <p style="margin: 0; font-size: 16px;">{{.Alert.Message}}</p>
  </div>
  <div style="background-color: #e9ecef; padding: 15px; border-radius: 5px;">
    <h4 style="margin-top: 0;">Alert Data:</h4>
    <pre style="background-color: white; padding: 10px; border-radius: 3px;">{{.Data}}</pre>
  </div>
  <p style="color: #6c757d; font-size: 12px; margin-top: 30px;">Generated by airmon at {{.Time}}</p>
</body>
</html>
`))

type emailView struct {
	Alert    models.Alert
	Color    string
	Severity string
	Type     string
	Time     string
	Data     string
}

func newEmailView(a models.Alert) emailView {
	color, ok := severityColors[a.Severity]
	if !ok {
		color = "#6c757d"
	}
	data, err := json.MarshalIndent(a.Data, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprintf("%v", a.Data))
	}
	return emailView{
		Alert:    a,
		Color:    color,
		Severity: strings.ToUpper(string(a.Severity)),
		Type:     strings.ReplaceAll(string(a.Type), "_", " "),
		Time:     a.Timestamp.Format("2006-01-02 15:04:05"),
		Data:     string(data),
	}
}

type Email struct {
	cfg config.EmailChannel
}

func NewEmail(cfg config.EmailChannel) *Email {
	return &Email{cfg: cfg}
}

func (e *Email) Name() string  { return "email" }
func (e *Email) Enabled() bool { return e.cfg.Enabled }

func (e *Email) configured() bool {
	s := e.cfg.SMTP
	return s.Server != "" && s.Port > 0 && s.Username != "" && s.Password != ""
}

func (e *Email) client() (*mail.Client, error) {
	if !e.configured() {
		return nil, errSMTPConfig
	}
	policy := mail.NoTLS
	if e.cfg.SMTP.UseTLS {
		policy = mail.TLSMandatory
	}
	opts := []mail.Option{
		mail.WithPort(e.cfg.SMTP.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(e.cfg.SMTP.Username),
		mail.WithPassword(e.cfg.SMTP.Password),
		mail.WithTLSPolicy(policy),
	}
	if e.cfg.SMTP.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(e.cfg.SMTP.Timeout))
	}
	return mail.NewClient(e.cfg.SMTP.Server, opts...)
}

func (e *Email) message(a models.Alert) (*mail.Msg, error) {
	from := e.cfg.From
	if from == "" {
		from = e.cfg.SMTP.Username
	}
	if len(e.cfg.Recipients) == 0 {
		return nil, errors.New("email: no recipients configured")
	}
	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("email from: %w", err)
	}
	if err := m.To(e.cfg.Recipients...); err != nil {
		return nil, fmt.Errorf("email recipients: %w", err)
	}
	m.Subject(fmt.Sprintf("[airmon] %s: %s", strings.ToUpper(string(a.Severity)), a.Title))
	m.SetDate()
	if err := m.SetBodyHTMLTemplate(emailBody, newEmailView(a)); err != nil {
		return nil, fmt.Errorf("email body: %w", err)
	}
	m.AddAlternativeString(mail.TypeTextPlain, a.Title+"\n\n"+a.Message)
	return m, nil
}

func (e *Email) Send(ctx context.Context, a models.Alert) error {
	if !e.cfg.Enabled {
		return nil
	}
	c, err := e.client()
	if err != nil {
		return err
	}
	m, err := e.message(a)
	if err != nil {
		return err
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}

// TestConnection dials and authenticates without sending.
func (e *Email) TestConnection(ctx context.Context) error {
	c, err := e.client()
	if err != nil {
		return err
	}
	dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := c.DialWithContext(dctx); err != nil {
		return fmt.Errorf("email dial: %w", err)
	}
	return c.Close()
}
