package errs

import (
	"errors"
	"testing"
)

func TestIsGatewayErrorClassification(t *testing.T) {
	root := errors.New("root cause")
	pp := NewProducerProtocolError("read length", root)
	if !IsGatewayError(pp) {
		t.Fatalf("expected producer protocol error to classify as gateway error")
	}
	if !errors.Is(pp, root) {
		t.Fatalf("expected errors.Is to find root cause through Unwrap")
	}

	var ppe *ProducerProtocolError
	if !errors.As(pp, &ppe) {
		t.Fatalf("expected errors.As to *ProducerProtocolError")
	}
	if ppe.Op != "read length" {
		t.Fatalf("unexpected op: %s", ppe.Op)
	}

	if !IsGatewayError(&SignalingExhausted{Limit: 16}) {
		t.Fatalf("expected SignalingExhausted classified as gateway error")
	}
	if !IsGatewayError(&NotFound{PeerID: "1-abc"}) {
		t.Fatalf("expected NotFound classified as gateway error")
	}
	if IsGatewayError(root) {
		t.Fatalf("plain error must not classify as gateway error")
	}
	if IsGatewayError(nil) {
		t.Fatalf("nil must not classify as gateway error")
	}
}

func TestSignalingBadRequestMessage(t *testing.T) {
	err := NewSignalingBadRequest("set remote offer", errors.New("invalid sdp"))
	want := "bad request: set remote offer: invalid sdp"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestNotFoundMessage(t *testing.T) {
	err := &NotFound{PeerID: "7-ffff"}
	want := `peer "7-ffff" not found`
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}
