package cachestatus

import (
	"testing"
	"time"
)

func TestString(t *testing.T) {
	cs := New("fetch-cache")
	cs.Hit()
	cs.TTL(90 * time.Second)
	if s := cs.String(); s != "fetch-cache; hit; ttl=90" {
		t.Fatalf("Status is %s", s)
	}

	cs = New("fetch-cache")
	cs.Forward(FwdUriMiss)
	cs.Stored()
	cs.Detail("enhanced after native")
	if s := cs.String(); s != "fetch-cache; fwd=uri-miss; stored; detail=enhanced-after-native" {
		t.Fatalf("Status is %s", s)
	}

	cs = New("fetch-cache")
	cs.Forward(FwdRequest)
	if s := cs.String(); s != "fetch-cache; fwd=request" {
		t.Fatalf("Status is %s", s)
	}
}
