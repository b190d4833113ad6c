package httpmw

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRecover_NoPanic(t *testing.T) {
	spy := newSpyLogger()
	h := Recover(spy, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/events", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if n := len(spy.all()); n != 0 {
		t.Fatalf("logged %d records, want 0", n)
	}
}

func TestRecover_Panics(t *testing.T) {
	cause := errors.New("counter exploded")
	tests := []struct {
		name  string
		value any
		isErr bool
	}{
		{"string", "boom", false},
		{"error", cause, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spy := newSpyLogger()
			var called int
			h := Recover(spy, func() { called++ })(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				panic(tt.value)
			}))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/top", nil))

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", rec.Code)
			}
			if called != 1 {
				t.Fatalf("onPanic called %d times", called)
			}
			recs := spy.all()
			if len(recs) != 1 || recs[0].level != "error" {
				t.Fatalf("records = %+v", recs)
			}
			if recs[0].err == nil {
				t.Fatal("no error logged")
			}
			if tt.isErr && !errors.Is(recs[0].err, cause) {
				t.Fatalf("logged error %v does not wrap cause", recs[0].err)
			}
			if v, _ := field(recs[0], "url.path"); v != "/api/v1/top" {
				t.Fatalf("url.path = %v", v)
			}
		})
	}
}

func TestRecover_AbortHandlerRepanics(t *testing.T) {
	h := Recover(newSpyLogger(), nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want ErrAbortHandler", rec)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
