package testutil

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

// fakeT records failures instead of failing the enclosing test.
type fakeT struct {
	testing.TB
	failures []string
}

func (f *fakeT) Helper() {}

func (f *fakeT) Errorf(format string, args ...any) {
	f.failures = append(f.failures, fmt.Sprintf(format, args...))
}

func (f *fakeT) Fatalf(format string, args ...any) { f.Errorf(format, args...) }

func TestAssertStatusCode(t *testing.T) {
	t.Parallel()

	ft := &fakeT{TB: t}
	AssertStatusCode(ft, http.StatusOK, http.StatusOK)
	if len(ft.failures) != 0 {
		t.Fatalf("unexpected failures: %v", ft.failures)
	}
	AssertStatusCode(ft, http.StatusOK, http.StatusBadRequest)
	if len(ft.failures) != 1 {
		t.Fatalf("expected one failure on mismatched status code, got %v", ft.failures)
	}
}

func TestAssertNoError(t *testing.T) {
	t.Parallel()

	ft := &fakeT{TB: t}
	AssertNoError(ft, nil)
	AssertNoError(ft, errors.New("boom"))
	if len(ft.failures) != 1 {
		t.Fatalf("expected one failure for the non-nil error, got %v", ft.failures)
	}
}

func TestServeAndDecode(t *testing.T) {
	t.Parallel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"remote":"` + r.RemoteAddr + `"}`))
	})
	rec := Serve(h, http.MethodGet, "/x")
	AssertStatusCode(t, rec.Code, http.StatusOK)

	var body map[string]string
	DecodeJSON(t, rec, &body)
	if body["remote"] != "127.0.0.1:40000" {
		t.Errorf("remote = %q", body["remote"])
	}
}

func TestAssertVecNear(t *testing.T) {
	t.Parallel()

	ft := &fakeT{TB: t}
	AssertVecNear(ft, r3.Vec{X: 1, Y: 2, Z: 3}, r3.Vec{X: 1.001, Y: 2, Z: 2.999}, 0.01)
	if len(ft.failures) != 0 {
		t.Fatalf("unexpected failures: %v", ft.failures)
	}
	AssertVecNear(ft, r3.Vec{X: 1}, r3.Vec{}, 0.5)
	if len(ft.failures) != 1 {
		t.Fatalf("expected one failure for distant vectors, got %v", ft.failures)
	}
}
