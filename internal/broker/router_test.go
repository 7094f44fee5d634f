package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/converso-chat/converso/pkg/protocol"
)

func TestPublishAgentEchoSuppression(t *testing.T) {
	r := testRegistry(t)
	router := NewRouter(r, slog.Default())

	_, anaTr := join(t, r, "s1", "ana", protocol.RoleAgent, "Ana")
	_, luisTr := join(t, r, "s1", "luis", protocol.RoleAgent, "Luis")

	report, err := router.Publish("s1", protocol.NewAgentMessage("Hola", "Ana"), "ana")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if report.Delivered != 1 || report.Suppressed != 1 {
		t.Fatalf("expected 1 delivered / 1 suppressed, got %+v", report)
	}

	evs := luisTr.waitEvents(t, 1)
	if evs[0].Type != protocol.EventAgentMessage || evs[0].Message != "Hola" {
		t.Fatalf("unexpected event: %+v", evs[0])
	}
	if evs[0].Agent == nil || evs[0].Agent.Name != "Ana" {
		t.Fatalf("expected agent name Ana, got %+v", evs[0].Agent)
	}
	anaTr.assertNoEvents(t)
}

func TestPublishAgentMessageReachesNonAgents(t *testing.T) {
	r := testRegistry(t)
	router := NewRouter(r, slog.Default())

	join(t, r, "s1", "ana", protocol.RoleAgent, "Ana")
	_, userTr := join(t, r, "s1", "u1", protocol.RoleUser, "Cliente")
	_, botTr := join(t, r, "s1", "b1", protocol.RoleBot, "bot")

	if _, err := router.Publish("s1", protocol.NewAgentMessage("Buenas", "Ana"), "ana"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	userTr.waitEvents(t, 1)
	botTr.waitEvents(t, 1)
}

func TestPublishEmptySession(t *testing.T) {
	r := testRegistry(t)
	router := NewRouter(r, slog.Default())

	report, err := router.Publish("s2", protocol.NewUserMessage("hola"), "u1")
	if !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
	if report.Delivered != 0 {
		t.Fatalf("no event should be queued, got %+v", report)
	}
}

func TestPublishEmptyText(t *testing.T) {
	r := testRegistry(t)
	router := NewRouter(r, slog.Default())

	_, tr := join(t, r, "s1", "u1", protocol.RoleUser, "user")

	for _, ev := range []protocol.Event{
		protocol.NewUserMessage(""),
		protocol.NewBotMessage(""),
		protocol.NewAgentMessage("", "Ana"),
		protocol.NewAgentMessage("hola", ""),
	} {
		if _, err := router.Publish("s1", ev, "u1"); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("event %+v: expected ErrInvalidPayload, got %v", ev, err)
		}
	}
	tr.assertNoEvents(t)
}

func TestPublishSenderOrderPreserved(t *testing.T) {
	r := testRegistry(t)
	router := NewRouter(r, slog.Default())

	join(t, r, "s1", "sender", protocol.RoleUser, "sender")
	_, tr := join(t, r, "s1", "rcpt", protocol.RoleUser, "rcpt")

	const n = 20
	for i := 0; i < n; i++ {
		if _, err := router.Publish("s1", protocol.NewUserMessage(fmt.Sprintf("m%d", i)), "sender"); err != nil {
			t.Fatalf("publish m%d: %v", i, err)
		}
	}

	evs := tr.waitEvents(t, n)
	for i := 0; i < n; i++ {
		if want := fmt.Sprintf("m%d", i); evs[i].Message != want {
			t.Fatalf("event %d out of order: want %q, got %q", i, want, evs[i].Message)
		}
	}
}

func TestFileUploadOnlyAgentMode(t *testing.T) {
	r := testRegistry(t)
	router := NewRouter(r, slog.Default())

	join(t, r, "s1", "u1", protocol.RoleUser, "Cliente")
	_, anaTr := join(t, r, "s1", "ana", protocol.RoleAgent, "Ana")
	_, luisTr := join(t, r, "s1", "luis", protocol.RoleAgent, "Luis")
	if err := r.SetAgentMode("ana", true); err != nil {
		t.Fatalf("set agent mode: %v", err)
	}

	ev := protocol.NewFileUpload("informe.pdf", "2.0 MB", "application/pdf", "Archivo recibido: informe.pdf")
	report, err := router.Publish("s1", ev, "u1")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if report.Delivered != 1 || report.Suppressed != 2 {
		t.Fatalf("expected 1 delivered / 2 suppressed, got %+v", report)
	}

	evs := anaTr.waitEvents(t, 1)
	if evs[0].Type != protocol.EventFileUpload || evs[0].FileName != "informe.pdf" {
		t.Fatalf("unexpected event: %+v", evs[0])
	}
	luisTr.assertNoEvents(t)
}

func TestSystemMessageReachesEveryone(t *testing.T) {
	r := testRegistry(t)
	router := NewRouter(r, slog.Default())

	_, t1 := join(t, r, "s1", "u1", protocol.RoleUser, "a")
	_, t2 := join(t, r, "s1", "u2", protocol.RoleUser, "b")

	report, err := router.Publish("s1", protocol.NewSystemMessage("La sesión ha sido cerrada"), "")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if report.Delivered != 2 {
		t.Fatalf("expected 2 delivered, got %+v", report)
	}
	t1.waitEvents(t, 1)
	t2.waitEvents(t, 1)
}

func TestPublishTypingLossy(t *testing.T) {
	r := NewRegistry(slog.Default(), RegistryOptions{TypingBuffer: 1})
	router := NewRouter(r, slog.Default())

	// No transport attached: the writer never drains, so the second pulse
	// must be dropped rather than block the publisher.
	if _, err := r.Register("s1", "u1", protocol.RoleUser, "user"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if report := router.PublishTyping("s1", "u2"); report.Delivered != 1 {
		t.Fatalf("first pulse should be queued, got %+v", report)
	}
	if report := router.PublishTyping("s1", "u2"); report.Dropped != 1 {
		t.Fatalf("second pulse should be dropped, got %+v", report)
	}

	// Unknown session is a silent no-op.
	if report := router.PublishTyping("nowhere", "u2"); report.Delivered != 0 || report.Dropped != 0 {
		t.Fatalf("unknown session should deliver nothing, got %+v", report)
	}
}

func TestPublishSkipsDetachedTransport(t *testing.T) {
	r := testRegistry(t)
	router := NewRouter(r, slog.Default())

	h, tr := join(t, r, "s1", "u1", protocol.RoleUser, "user")
	_, otherTr := join(t, r, "s1", "u2", protocol.RoleUser, "other")

	h.detach()

	if _, err := router.Publish("s1", protocol.NewUserMessage("hola"), "u2"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	otherTr.waitEvents(t, 1)
	// The detached member's delivery is dropped, not an error.
	tr.assertNoEvents(t)
}
