// Package testutil provides shared test utilities and fixtures.
//
// Route tasks run on their own goroutines, so most assertions in this
// repository wait on a channel with a deadline instead of sleeping.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// DefaultTimeout bounds how long Recv waits for asynchronous route traffic.
const DefaultTimeout = 2 * time.Second

// Recv returns the next value from ch or fails the test after timeout.
func Recv[T any](t testing.TB, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed while waiting for value")
		}
		return v
	case <-time.After(timeout):
		var zero T
		t.Fatalf("no value received within %v", timeout)
		return zero
	}
}

// AssertNoRecv fails the test if ch yields a value within wait.
func AssertNoRecv[T any](t testing.TB, ch <-chan T, wait time.Duration) {
	t.Helper()
	select {
	case v, ok := <-ch:
		if ok {
			t.Fatalf("unexpected value received: %v", v)
		}
	case <-time.After(wait):
	}
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// LocalRequest creates an httptest request that appears to come from
// localhost, which tsweb debug handlers require.
func LocalRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "127.0.0.1:12345"
	if body != nil && method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return req
}
