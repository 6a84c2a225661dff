package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/zy0x1337/aquaguide-sub003/internal/notify"
)

// mockSQS is an in-memory queue
type mockSQS struct {
	sent     []*sqs.SendMessageInput
	inbox    []types.Message
	deleted  []string
	sendErr  error
	recvErr  error
	received int
}

func (m *mockSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if m.recvErr != nil {
		return nil, m.recvErr
	}
	m.received++
	out := &sqs.ReceiveMessageOutput{Messages: m.inbox}
	m.inbox = nil
	return out, nil
}

func (m *mockSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.deleted = append(m.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func reminderOptions() notify.Options {
	return notify.Options{
		Title: "Water change",
		Body:  "Weekly water change for Reef",
		Tag:   "reminder-r1",
		Data:  &notify.Data{Type: "reminder", ReminderID: "r1", TankID: "tank-A"},
	}
}

func TestPlatform_Display(t *testing.T) {
	client := &mockSQS{}
	p := NewPlatform(client, Config{QueueURL: "https://sqs.us-east-1.amazonaws.com/123/push"}, zap.NewNop())
	p.now = func() time.Time { return time.Unix(1704186000, 0) }

	if err := p.Display(context.Background(), reminderOptions()); err != nil {
		t.Fatalf("Display() failed: %v", err)
	}

	in := client.sent[0]
	if in.MessageGroupId != nil || in.MessageDeduplicationId != nil {
		t.Error("standard queue should not set FIFO fields")
	}

	var msg Message
	if err := json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &msg); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if msg.Notification.Tag != "reminder-r1" || msg.Notification.Data.ReminderID != "r1" {
		t.Errorf("unexpected notification %+v", msg.Notification)
	}
	if msg.EnqueuedAt != time.Unix(1704186000, 0).UnixNano() {
		t.Errorf("unexpected enqueued_at %d", msg.EnqueuedAt)
	}
}

func TestPlatform_DisplayFIFO(t *testing.T) {
	client := &mockSQS{}
	p := NewPlatform(client, Config{QueueURL: "https://sqs.us-east-1.amazonaws.com/123/push.fifo"}, zap.NewNop())
	p.now = func() time.Time { return time.Unix(1704186000, 0) }

	if err := p.Display(context.Background(), reminderOptions()); err != nil {
		t.Fatal(err)
	}

	in := client.sent[0]
	if aws.ToString(in.MessageGroupId) != "tank-A" {
		t.Errorf("group id = %s", aws.ToString(in.MessageGroupId))
	}
	if aws.ToString(in.MessageDeduplicationId) != "reminder-r1-1704186000" {
		t.Errorf("dedup id = %s", aws.ToString(in.MessageDeduplicationId))
	}
}

func TestPlatform_DisplayError(t *testing.T) {
	sendErr := errors.New("queue does not exist")
	p := NewPlatform(&mockSQS{sendErr: sendErr}, Config{QueueURL: "q"}, zap.NewNop())

	if err := p.Display(context.Background(), reminderOptions()); !errors.Is(err, sendErr) {
		t.Errorf("expected wrapped error, got %v", err)
	}
}

func TestPlatform_SupportedAndPermission(t *testing.T) {
	if NewPlatform(&mockSQS{}, Config{}, zap.NewNop()).Supported() {
		t.Error("platform without queue should be unsupported")
	}

	p := NewPlatform(&mockSQS{}, Config{QueueURL: "q", Preapproved: true}, zap.NewNop())
	if !p.Supported() || p.Permission() != notify.PermissionGranted {
		t.Error("preapproved queue should be supported and granted")
	}
}

func TestIsFIFO(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://sqs.us-east-1.amazonaws.com/123/push.fifo", true},
		{"https://sqs.us-east-1.amazonaws.com/123/push", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsFIFO(tt.url); got != tt.want {
			t.Errorf("IsFIFO(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestConsumer_Poll(t *testing.T) {
	client := &mockSQS{
		inbox: []types.Message{
			{MessageId: aws.String("1"), ReceiptHandle: aws.String("rh-1"), Body: aws.String(`{"action":"complete","data":{"type":"reminder","reminderId":"r1","tankId":"tank-A"}}`)},
			{MessageId: aws.String("2"), ReceiptHandle: aws.String("rh-2"), Body: aws.String(`{not json`)},
			{MessageId: aws.String("3"), ReceiptHandle: aws.String("rh-3"), Body: aws.String(`{"action":"complete","data":{"reminderId":"broken"}}`)},
		},
	}

	var handled []notify.ActionEvent
	handler := func(ctx context.Context, ev notify.ActionEvent) error {
		if ev.Data.ReminderID == "broken" {
			return errors.New("store unavailable")
		}
		handled = append(handled, ev)
		return nil
	}

	c := NewConsumer(client, "actions", handler, zap.NewNop())
	n, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() failed: %v", err)
	}
	if n != 1 || len(handled) != 1 {
		t.Fatalf("expected 1 handled action, got %d", n)
	}
	if handled[0].Action != notify.ActionComplete || handled[0].Data.TankID != "tank-A" {
		t.Errorf("unexpected event %+v", handled[0])
	}

	// Handled and malformed messages are deleted; the failed one is redelivered.
	if len(client.deleted) != 2 || client.deleted[0] != "rh-1" || client.deleted[1] != "rh-2" {
		t.Errorf("unexpected deletions %v", client.deleted)
	}
}

func TestConsumer_PollError(t *testing.T) {
	recvErr := errors.New("access denied")
	c := NewConsumer(&mockSQS{recvErr: recvErr}, "actions", nil, zap.NewNop())

	if _, err := c.Poll(context.Background()); !errors.Is(err, recvErr) {
		t.Errorf("expected wrapped error, got %v", err)
	}
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewConsumer(&mockSQS{}, "actions", nil, zap.NewNop())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
