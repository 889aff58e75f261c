package notify

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"proctorsync/internal/domain"
)

func TestStatusChangedComposesMessage(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg string
	m := New(Config{Host: "mail.example.com", Port: 25, From: "noreply@example.com"}, nil)
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, string(msg)
		return nil
	}
	user := domain.User{ID: 7, Username: "lee", Email: "lee@example.com", FirstName: "Lee"}
	rec := domain.ParticipantRecord{
		ReviewStatus: domain.StatusInvalidID,
		ResubmitURL:  "https://vendor.example/resubmit/abc",
		Flags:        []domain.Flag{{Name: "id_unreadable", Comment: "glare"}},
	}
	if err := m.StatusChanged(context.Background(), user, rec, 5); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotAddr != "mail.example.com:25" || gotFrom != "noreply@example.com" {
		t.Fatalf("wrong envelope: %s %s", gotAddr, gotFrom)
	}
	if len(gotTo) != 1 || gotTo[0] != "lee@example.com" {
		t.Fatalf("wrong recipient: %v", gotTo)
	}
	for _, want := range []string{"Hello Lee", "Invalid (ID)", "https://vendor.example/resubmit/abc", "id_unreadable: glare"} {
		if !strings.Contains(gotMsg, want) {
			t.Fatalf("message missing %q:\n%s", want, gotMsg)
		}
	}
}

func TestStatusChangedOmitsResubmitForValid(t *testing.T) {
	var gotMsg string
	m := New(Config{Host: "mail.example.com", Port: 25, From: "noreply@example.com"}, nil)
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotMsg = string(msg)
		return nil
	}
	rec := domain.ParticipantRecord{ReviewStatus: domain.StatusValid, ResubmitURL: "https://vendor.example/r"}
	if err := m.StatusChanged(context.Background(), domain.User{Username: "lee", Email: "l@e.com"}, rec, 5); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(gotMsg, "resubmit") {
		t.Fatalf("valid outcome should not mention resubmission:\n%s", gotMsg)
	}
}

func TestStatusChangedUnconfiguredIsNoop(t *testing.T) {
	m := New(Config{}, nil)
	m.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send should not be called")
		return nil
	}
	if err := m.StatusChanged(context.Background(), domain.User{}, domain.ParticipantRecord{}, 1); err != nil {
		t.Fatalf("unconfigured mailer should no-op: %v", err)
	}
}

func TestStatusChangedSurfacesSendError(t *testing.T) {
	m := New(Config{Host: "mail.example.com", Port: 25, From: "n@e.com"}, nil)
	m.send = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}
	err := m.StatusChanged(context.Background(), domain.User{Email: "l@e.com"}, domain.ParticipantRecord{ReviewStatus: domain.StatusValid}, 5)
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("want wrapped send error, got %v", err)
	}
}
