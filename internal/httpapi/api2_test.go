package httpapi

import (
	"net/http"
	"testing"

	"github.com/knaw-huc/textsurf/textpool"
)

func TestAPI2_GetText(t *testing.T) {
	h, _ := newTestHandler(t, map[string]string{
		"hello.txt":   "Hello, World!",
		"sub/doc.txt": "nested text",
	})

	rec := do(t, h, http.MethodGet, "/api2/hello", "")
	wantStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "Hello, World!" {
		t.Errorf("body = %q", rec.Body.String())
	}

	// Pipes stand in for slashes in nested identifiers.
	rec = do(t, h, http.MethodGet, "/api2/sub|doc", "")
	wantStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "nested text" {
		t.Errorf("piped body = %q", rec.Body.String())
	}
}

func TestAPI2_Regions(t *testing.T) {
	h, _ := newTestHandler(t, map[string]string{
		"hello.txt": "Hello, World!",
		"poem.txt":  "first\nsecond\nthird\n",
	})

	tests := []struct {
		target string
		want   string
	}{
		{"/api2/hello/full", "Hello, World!"},
		{"/api2/hello/7,12", "World"},
		{"/api2/hello/char:7,12", "World"},
		{"/api2/hello/-6,", "World!"},
		{"/api2/hello/,5", "Hello"},
		{"/api2/poem/line:1,2", "second\n"},
		{"/api2/poem/line:-1,", "third\n"},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodGet, tt.target, "")
		wantStatus(t, rec, http.StatusOK)
		if got := rec.Body.String(); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.target, got, tt.want)
		}
	}
}

func TestAPI2_RegionErrors(t *testing.T) {
	h, _ := newTestHandler(t, map[string]string{"hello.txt": "Hello, World!"})

	rec := do(t, h, http.MethodGet, "/api2/hello/5", "")
	wantStatus(t, rec, http.StatusBadRequest)
	if e := decodeError(t, rec); e.Name != "ParameterError" {
		t.Errorf("name = %q, want ParameterError", e.Name)
	}

	rec = do(t, h, http.MethodGet, "/api2/hello/char:x,y", "")
	wantStatus(t, rec, http.StatusBadRequest)

	rec = do(t, h, http.MethodGet, "/api2/hello/0,999", "")
	wantStatus(t, rec, http.StatusRequestedRangeNotSatisfiable)

	rec = do(t, h, http.MethodGet, "/api2/missing", "")
	wantStatus(t, rec, http.StatusNotFound)
}

func TestAPI2_Info(t *testing.T) {
	content := "describe me"
	h, _ := newTestHandler(t, map[string]string{"doc.txt": content})

	rec := do(t, h, http.MethodGet, "/api2/doc/info.json", "")
	wantStatus(t, rec, http.StatusOK)

	var st statLDBody
	if err := jsonCodec.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Context != api2Context || st.LDType != api2Type || st.Protocol != api2Protocol {
		t.Errorf("LD fields = %+v", st)
	}
	if st.Bytes != int64(len(content)) || st.Chars != int64(len(content)) {
		t.Errorf("sizes = %+v", st)
	}
	if len(st.Checksum) != 64 || st.Mtime == 0 {
		t.Errorf("checksum/mtime = %+v", st)
	}
}

func TestAPI2_Mutations(t *testing.T) {
	h, b := newTestHandler(t, nil, textpool.WithWritable())

	rec := do(t, h, http.MethodPost, "/api2/sub|doc", "piped upload")
	wantStatus(t, rec, http.StatusCreated)
	if ok, _ := b.Exists(t.Context(), "sub/doc.txt"); !ok {
		t.Error("sub/doc.txt not created")
	}

	rec = do(t, h, http.MethodGet, "/sub/doc", "")
	wantStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "piped upload" {
		t.Errorf("read back = %q", rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api2/sub|doc", "again")
	wantStatus(t, rec, http.StatusConflict)

	rec = do(t, h, http.MethodDelete, "/api2/sub|doc", "")
	wantStatus(t, rec, http.StatusNoContent)
	rec = do(t, h, http.MethodGet, "/api2/sub|doc", "")
	wantStatus(t, rec, http.StatusNotFound)
}
