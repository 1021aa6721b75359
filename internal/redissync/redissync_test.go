package redissync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/paygate/paygate/internal/keystore"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func pair(t *testing.T) (*keystore.Store, *keystore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr()

	a := keystore.New(nil)
	b := keystore.New(nil)
	for _, st := range []*keystore.Store{a, b} {
		sync, err := New(url, "", "", st)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := sync.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		t.Cleanup(sync.Stop)
	}
	return a, b, mr
}

func TestMutationPropagates(t *testing.T) {
	a, b, mr := pair(t)

	rec, err := a.CreateKey("shared", 50, keystore.CreateOpts{})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		got := b.GetKey(rec.Key)
		return got != nil && got.Credits == 50
	})

	// The hash mirror carries the record too.
	raw := mr.HGet("paygate:keys", rec.Key)
	var mirrored keystore.KeyRecord
	if err := json.Unmarshal([]byte(raw), &mirrored); err != nil {
		t.Fatalf("hash mirror unparsable: %v", err)
	}
	if mirrored.Credits != 50 || mirrored.Name != "shared" {
		t.Errorf("mirrored = %+v", mirrored)
	}
}

func TestDeductPropagatesAndAdjustsHash(t *testing.T) {
	a, b, mr := pair(t)
	rec, _ := a.CreateKey("spender", 10, keystore.CreateOpts{})
	waitFor(t, 2*time.Second, func() bool { return b.GetKey(rec.Key) != nil })

	if _, ok := a.DeductCredits(rec.Key, 4); !ok {
		t.Fatal("deduct failed")
	}
	waitFor(t, 2*time.Second, func() bool {
		got := b.GetKey(rec.Key)
		return got != nil && got.Credits == 6
	})

	var mirrored keystore.KeyRecord
	if err := json.Unmarshal([]byte(mr.HGet("paygate:keys", rec.Key)), &mirrored); err != nil {
		t.Fatal(err)
	}
	if mirrored.Credits != 6 {
		t.Errorf("hash credits = %d, want 6", mirrored.Credits)
	}
}

func TestRevokePropagates(t *testing.T) {
	a, b, _ := pair(t)
	rec, _ := a.CreateKey("doomed", 1, keystore.CreateOpts{})
	waitFor(t, 2*time.Second, func() bool { return b.GetKey(rec.Key) != nil })

	a.RevokeKey(rec.Key)
	waitFor(t, 2*time.Second, func() bool { return b.GetKey(rec.Key) == nil })
	if got := b.GetKeyRaw(rec.Key); got == nil || got.Active {
		t.Errorf("revocation not mirrored: %+v", got)
	}
}

func TestWarmLoad(t *testing.T) {
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr()

	seed := keystore.New(nil)
	seedSync, err := New(url, "", "", seed)
	if err != nil {
		t.Fatal(err)
	}
	seedSync.Start(context.Background())
	rec, _ := seed.CreateKey("persisted", 33, keystore.CreateOpts{})
	waitFor(t, 2*time.Second, func() bool { return mr.HGet("paygate:keys", rec.Key) != "" })
	seedSync.Stop()

	// A fresh instance starting later sees the mirrored key immediately.
	late := keystore.New(nil)
	lateSync, err := New(url, "", "", late)
	if err != nil {
		t.Fatal(err)
	}
	if err := lateSync.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer lateSync.Stop()
	got := late.GetKey(rec.Key)
	if got == nil || got.Credits != 33 {
		t.Fatalf("warm load = %+v", got)
	}
}

func TestUnreachableRedisIsAnError(t *testing.T) {
	st := keystore.New(nil)
	if _, err := New("redis://127.0.0.1:1", "", "", st); err == nil {
		t.Fatal("expected dial error for unreachable redis")
	}
}
