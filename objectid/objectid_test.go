package objectid_test

import (
	"testing"

	"github.com/google/uuid"

	"github.com/nprpc/nprpc/objectid"
)

func TestStringRoundTrip(t *testing.T) {
	o := objectid.ObjectId{
		ObjectId: 0x1122334455667788,
		PoaIdx:   7,
		Flags:    objectid.AllowTCP | objectid.AllowWebSocket | objectid.Persistent,
		Origin:   uuid.New(),
		ClassId:  "com.example.Counter",
		Urls:     "tcp://10.0.0.1:5000;ws://10.0.0.1:8080/rpc",
	}

	s := objectid.ToString(o)
	got, err := objectid.FromString(s)
	if err != nil {
		t.Fatalf("FromString: %v", err)
	}
	if got != o {
		t.Fatalf("round trip mismatch:\ngot  %+v\nwant %+v", got, o)
	}
}

func TestFromStringRejectsMissingPrefix(t *testing.T) {
	if _, err := objectid.FromString("garbage"); err == nil {
		t.Fatal("expected error for missing NPRPC: prefix")
	}
}

func TestCandidateURLsOrderPreserved(t *testing.T) {
	o := objectid.ObjectId{Urls: "tcp://a:1;ws://b:2;shm://c:0"}
	got := objectid.CandidateURLs(o)
	want := []string{"tcp://a:1", "ws://b:2", "shm://c:0"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestActivationFlagsRejectDisallowedTransport(t *testing.T) {
	flags := objectid.AllowTCP
	if flags.Allows(objectid.AllowWebSocket) {
		t.Fatal("expected AllowWebSocket to be rejected")
	}
	if !flags.Allows(objectid.AllowTCP) {
		t.Fatal("expected AllowTCP to be allowed")
	}
}

func TestLocalAndGlobalKeysDistinguishOrigin(t *testing.T) {
	o1 := objectid.ObjectId{ObjectId: 1, PoaIdx: 0, Origin: uuid.New()}
	o2 := objectid.ObjectId{ObjectId: 1, PoaIdx: 0, Origin: uuid.New()}

	if o1.LocalKey() != o2.LocalKey() {
		t.Fatal("expected identical local keys across origins")
	}
	if o1.GlobalKey() == o2.GlobalKey() {
		t.Fatal("expected distinct global keys across origins")
	}
}
