package httpapi

import (
	"net/http"

	"github.com/knaw-huc/textsurf/textpool"
)

// The second API surface differs from the first in shape, not in
// semantics: identifiers are single path segments with pipes standing
// in for slashes, the range lives in the path instead of the query
// string, and stat responses carry JSON-LD context fields.

const (
	api2Context  = "https://w3id.org/textsurf/api2.jsonld"
	api2Type     = "TextService2"
	api2Protocol = "https://w3id.org/textsurf/api2"
)

type statLDBody struct {
	Context  string `json:"@context"`
	Bytes    int64  `json:"bytes"`
	Chars    int64  `json:"chars"`
	Checksum string `json:"checksum"`
	Mtime    int64  `json:"mtime"`
	Protocol string `json:"protocol"`
	LDType   string `json:"type"`
}

// api2Text serves the full text for a pipe-encoded identifier.
func (s *server) api2Text(w http.ResponseWriter, r *http.Request) {
	s.api2Fetch(w, r, textpool.FullRange())
}

// api2Region serves a region of a text, where the region path segment
// is "full", "info.json" for metadata, or a range expression.
func (s *server) api2Region(w http.ResponseWriter, r *http.Request) {
	region := r.PathValue("region")
	if region == "info.json" {
		s.api2Stat(w, r)
		return
	}
	spec, err := parseRegion(region)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.api2Fetch(w, r, spec)
}

func (s *server) api2Fetch(w http.ResponseWriter, r *http.Request, spec textpool.RangeSpec) {
	id := api2DecodeID(r.PathValue("id"))
	sel, err := s.pool.Fetch(r.Context(), id, spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer sel.Close()
	s.writeSelection(w, sel)
}

func (s *server) api2Stat(w http.ResponseWriter, r *http.Request) {
	if !s.negotiateJSON(w, r) {
		return
	}
	id := api2DecodeID(r.PathValue("id"))
	st, err := s.pool.Stat(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statLDBody{
		Context:  api2Context,
		Bytes:    st.Bytes,
		Chars:    st.Chars,
		Checksum: st.Checksum,
		Mtime:    st.ModTime.Unix(),
		Protocol: api2Protocol,
		LDType:   api2Type,
	})
}

func (s *server) api2Create(w http.ResponseWriter, r *http.Request) {
	id := api2DecodeID(r.PathValue("id"))
	if err := s.pool.Put(r.Context(), id, r.Body, false, bearerToken(r)); err != nil {
		s.writeError(w, err)
		return
	}
	writeText(w, http.StatusCreated, "created")
}

func (s *server) api2Delete(w http.ResponseWriter, r *http.Request) {
	id := api2DecodeID(r.PathValue("id"))
	if err := s.pool.Remove(r.Context(), id, bearerToken(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
