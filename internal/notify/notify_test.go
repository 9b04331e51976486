package notify

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestNoopPublisher_NeverErrors(t *testing.T) {
	var p Publisher = NoopPublisher{}
	hash := common.HexToHash("0xaa")
	if err := p.PublishAdmitted(context.Background(), hash); err != nil {
		t.Fatalf("PublishAdmitted: %v", err)
	}
	if err := p.PublishReconciled(context.Background(), hash); err != nil {
		t.Fatalf("PublishReconciled: %v", err)
	}
}

func TestDial_InvalidURLIsError(t *testing.T) {
	if _, err := Dial("not-a-redis-url"); err == nil {
		t.Fatal("expected an error dialing a malformed redis URL")
	}
}

func TestDial_ValidURLConnectsLazily(t *testing.T) {
	p, err := Dial("redis://localhost:6379/0")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer p.Close()
	if p.client == nil {
		t.Fatal("expected a configured redis client")
	}
}
