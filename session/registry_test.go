package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestRegistry_Cascade(t *testing.T) {
	r := New()

	first, err := r.Add("u", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !first {
		t.Error("Add(s1) should be the first session")
	}
	first, err = r.Add("u", "s2")
	if err != nil {
		t.Fatal(err)
	}
	if first {
		t.Error("Add(s2) should not be the first session")
	}

	if diff := cmp.Diff([]string{"s1", "s2"}, r.SessionsOf("u")); diff != "" {
		t.Errorf("SessionsOf mismatch (-want +got):\n%s", diff)
	}

	_, last, ok := r.Remove("s1")
	if !ok || last {
		t.Errorf("Remove(s1) = last %v ok %v, want false true", last, ok)
	}
	if !r.IsOnline("u") {
		t.Error("User should still be online with one session left")
	}
	if diff := cmp.Diff([]string{"u"}, r.OnlineUsers()); diff != "" {
		t.Errorf("OnlineUsers mismatch (-want +got):\n%s", diff)
	}

	s, last, ok := r.Remove("s2")
	if !ok || !last {
		t.Errorf("Remove(s2) = last %v ok %v, want true true", last, ok)
	}
	if s.UserID != "u" || s.ID != "s2" {
		t.Errorf("Remove(s2) returned %+v", s)
	}
	if r.IsOnline("u") {
		t.Error("User should be offline")
	}
	if got := r.OnlineUsers(); len(got) != 0 {
		t.Errorf("OnlineUsers = %v, want empty", got)
	}
	if got := r.SessionsOf("u"); len(got) != 0 {
		t.Errorf("SessionsOf = %v, want empty", got)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestRegistry_OwnerOf(t *testing.T) {
	r := New()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return at }

	if _, err := r.Add("u", "s1"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		owner, ok := r.OwnerOf("s1")
		if !ok || owner != "u" {
			t.Errorf("OwnerOf(s1) = %q %v, want u true", owner, ok)
		}
	}
	s, ok := r.Session("s1")
	if !ok {
		t.Fatal("Session(s1) not found")
	}
	if diff := cmp.Diff(Session{ID: "s1", UserID: "u", ConnectedAt: at}, s); diff != "" {
		t.Errorf("Session mismatch (-want +got):\n%s", diff)
	}

	r.Remove("s1")
	if owner, ok := r.OwnerOf("s1"); ok {
		t.Errorf("OwnerOf(s1) after removal = %q, want none", owner)
	}
	if _, _, ok := r.Remove("s1"); ok {
		t.Error("Second Remove(s1) should report unknown session")
	}
}

func TestRegistry_DuplicateSession(t *testing.T) {
	r := New()
	if _, err := r.Add("u", "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Add("v", "s1"); !errors.Is(err, ErrSessionExists) {
		t.Errorf("Got error %v, want %v", err, ErrSessionExists)
	}
	if owner, _ := r.OwnerOf("s1"); owner != "u" {
		t.Errorf("OwnerOf(s1) = %q, want u", owner)
	}
	if r.IsOnline("v") {
		t.Error("Rejected add must not mark the user online")
	}
}

// TestRegistry_Concurrent checks that the two indices agree after arbitrary
// interleavings of adds and removes.
func TestRegistry_Concurrent(t *testing.T) {
	r := New()
	const users, perUser = 8, 50

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", u)
			for i := 0; i < perUser; i++ {
				sid := fmt.Sprintf("%s-s%d", user, i)
				if _, err := r.Add(user, sid); err != nil {
					t.Error(err)
					return
				}
				if i%2 == 0 {
					r.Remove(sid)
				}
			}
		}(u)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perUser; i++ {
				for _, user := range r.OnlineUsers() {
					for _, sid := range r.SessionsOf(user) {
						_ = sid
					}
				}
			}
		}()
	}
	wg.Wait()

	if got, want := r.Len(), users*perUser/2; got != want {
		t.Errorf("Len = %d, want %d", got, want)
	}
	for _, user := range r.OnlineUsers() {
		for _, sid := range r.SessionsOf(user) {
			owner, ok := r.OwnerOf(sid)
			if !ok || owner != user {
				t.Errorf("Session %s listed under %s but owned by %q", sid, user, owner)
			}
		}
	}
}
