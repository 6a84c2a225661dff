package delivery

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"go.uber.org/zap"

	"github.com/zy0x1337/aquaguide-sub003/internal/notify"
)

// MockSES records SendEmail calls
type MockSES struct {
	inputs []*ses.SendEmailInput
	err    error
}

func (m *MockSES) SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.inputs = append(m.inputs, in)
	return &ses.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func TestEmailPlatform_Supported(t *testing.T) {
	tests := []struct {
		name string
		cfg  SESConfig
		want bool
	}{
		{"configured", SESConfig{FromEmail: "from@example.com", ToEmail: "me@example.com"}, true},
		{"missing_recipient", SESConfig{FromEmail: "from@example.com"}, false},
		{"missing_sender", SESConfig{ToEmail: "me@example.com"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewEmailPlatformWithClient(&MockSES{}, tt.cfg, zap.NewNop())
			if got := p.Supported(); got != tt.want {
				t.Errorf("Supported() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEmailPlatform_Display(t *testing.T) {
	client := &MockSES{}
	p := NewEmailPlatformWithClient(client, SESConfig{FromEmail: "from@example.com", ToEmail: "me@example.com"}, zap.NewNop())

	if p.Permission() != notify.PermissionDefault {
		t.Fatalf("expected default permission, got %s", p.Permission())
	}
	if perm, _ := p.RequestPermission(context.Background()); perm != notify.PermissionGranted {
		t.Fatalf("expected grant, got %s", perm)
	}

	opts := notify.Options{
		Title:   "Water change",
		Body:    "Weekly water change for Reef",
		Actions: []notify.Action{{Action: "complete", Title: "Done"}, {Action: "dismiss", Title: "Later"}},
	}
	if err := p.Display(context.Background(), opts); err != nil {
		t.Fatalf("Display() failed: %v", err)
	}

	if len(client.inputs) != 1 {
		t.Fatalf("expected 1 email, got %d", len(client.inputs))
	}
	in := client.inputs[0]
	if aws.ToString(in.Message.Subject.Data) != "Water change" {
		t.Errorf("unexpected subject %q", aws.ToString(in.Message.Subject.Data))
	}
	if in.Destination.ToAddresses[0] != "me@example.com" {
		t.Errorf("unexpected recipient %v", in.Destination.ToAddresses)
	}
	body := aws.ToString(in.Message.Body.Text.Data)
	if !strings.HasPrefix(body, "Weekly water change for Reef") || !strings.Contains(body, "done or later") {
		t.Errorf("unexpected body %q", body)
	}
}

func TestEmailPlatform_DisplayErrors(t *testing.T) {
	cfg := SESConfig{FromEmail: "from@example.com", ToEmail: "me@example.com", Preapproved: true}

	p := NewEmailPlatformWithClient(&MockSES{}, cfg, zap.NewNop())
	if err := p.Display(context.Background(), notify.Options{Body: "no title"}); err == nil {
		t.Error("expected error for missing title")
	}

	sesErr := errors.New("throttled")
	p = NewEmailPlatformWithClient(&MockSES{err: sesErr}, cfg, zap.NewNop())
	if err := p.Display(context.Background(), notify.Options{Title: "x"}); !errors.Is(err, sesErr) {
		t.Errorf("expected wrapped SES error, got %v", err)
	}
}
