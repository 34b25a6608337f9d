package route

import "testing"

func TestDirection_Matrix(t *testing.T) {
	cases := []struct {
		dir                 Direction
		role                Role
		canSend, canReceive bool
	}{
		{HostOnly, Host, true, false},
		{HostOnly, Remote, false, true},
		{RemoteOnly, Host, false, true},
		{RemoteOnly, Remote, true, false},
		{Bidirectional, Host, true, true},
		{Bidirectional, Remote, true, true},
	}
	for _, c := range cases {
		if got := c.dir.CanSend(c.role); got != c.canSend {
			t.Errorf("%s.CanSend(%s) = %v, want %v", c.dir, c.role, got, c.canSend)
		}
		if got := c.dir.CanReceive(c.role); got != c.canReceive {
			t.Errorf("%s.CanReceive(%s) = %v, want %v", c.dir, c.role, got, c.canReceive)
		}
	}
}

func TestParseRole(t *testing.T) {
	if r, err := ParseRole(" HOST "); err != nil || r != Host {
		t.Errorf("ParseRole(HOST) = %v, %v", r, err)
	}
	if r, err := ParseRole("remote"); err != nil || r != Remote {
		t.Errorf("ParseRole(remote) = %v, %v", r, err)
	}
	if _, err := ParseRole("peer"); err == nil {
		t.Error("ParseRole(peer) should fail")
	}
}
