package httpapi

import (
	"net/http"
	"strings"
)

// statBody mirrors the /stat response. Field order matches the wire
// layout clients already parse.
type statBody struct {
	Bytes    int64  `json:"bytes"`
	Chars    int64  `json:"chars"`
	Checksum string `json:"checksum"`
	Mtime    int64  `json:"mtime"`
}

func (s *server) listRoot(w http.ResponseWriter, r *http.Request) {
	s.listSubtree(w, r, "")
}

func (s *server) listSubtree(w http.ResponseWriter, r *http.Request, prefix string) {
	if !s.negotiateJSON(w, r) {
		return
	}
	ids, err := s.pool.List(r.Context(), prefix)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// getText serves a selection of a text resource. An identifier with a
// trailing slash asks for the index of that subtree instead.
func (s *server) getText(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if strings.HasSuffix(id, "/") {
		s.listSubtree(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	spec, err := rangeSpecFromQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}
	sel, err := s.pool.Fetch(r.Context(), id, spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer sel.Close()
	s.writeSelection(w, sel)
}

func (s *server) statText(w http.ResponseWriter, r *http.Request) {
	if !s.negotiateJSON(w, r) {
		return
	}
	st, err := s.pool.Stat(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statBody{
		Bytes:    st.Bytes,
		Chars:    st.Chars,
		Checksum: st.Checksum,
		Mtime:    st.ModTime.Unix(),
	})
}

func (s *server) createText(w http.ResponseWriter, r *http.Request) {
	err := s.pool.Put(r.Context(), r.PathValue("id"), r.Body, false, bearerToken(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeText(w, http.StatusCreated, "created")
}

func (s *server) putText(w http.ResponseWriter, r *http.Request) {
	err := s.pool.Put(r.Context(), r.PathValue("id"), r.Body, true, bearerToken(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeText(w, http.StatusOK, "ok")
}

// deleteText removes one resource, or a whole subtree when the
// identifier carries a trailing slash.
func (s *server) deleteText(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Remove(r.Context(), r.PathValue("id"), bearerToken(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
