package endpoint

import (
	"encoding/json"
	"net/http"
)

// JSON writes Value as JSON. Status defaults to 200.
type JSON struct {
	Status int
	Value  any
}

func (j *JSON) Render(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "application/json")
	status := j.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(j.Value)
}

// NoContent writes a status with no body. Status defaults to 204.
type NoContent struct {
	Status int
}

func (n *NoContent) Render(w http.ResponseWriter, _ *http.Request) error {
	status := n.Status
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
	return nil
}

// Redirect sends the client to URL. Status defaults to 303.
type Redirect struct {
	URL    string
	Status int
}

func (rd *Redirect) Render(w http.ResponseWriter, r *http.Request) error {
	status := rd.Status
	if status == 0 {
		status = http.StatusSeeOther
	}
	http.Redirect(w, r, rd.URL, status)
	return nil
}
