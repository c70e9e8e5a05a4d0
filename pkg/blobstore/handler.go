package blobstore

import (
	"io"
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

// Handler serves the URLs a Local blobstore signs.
func Handler(l *Local, logger log.Logger) http.Handler {
	r := mux.NewRouter()
	r.Methods("GET").Path("/blobs/{id}").Queries("expires", "{expires}", "signature", "{signature}").
		HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			id, ok := authorise(w, req, l, VerbGet)
			if !ok {
				return
			}
			rc, err := l.Get(req.Context(), id)
			if err != nil {
				status := http.StatusInternalServerError
				if errors.Cause(err) == ErrBlobNotFound {
					status = http.StatusNotFound
				}
				http.Error(w, err.Error(), status)
				return
			}
			defer rc.Close()
			w.Header().Set("Content-Type", "application/octet-stream")
			if _, err := io.Copy(w, rc); err != nil {
				logger.Log("err", errors.Wrap(err, "serving blob"), "id", id)
			}
		})
	r.Methods("PUT").Path("/blobs/{id}").Queries("expires", "{expires}", "signature", "{signature}").
		HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			id, ok := authorise(w, req, l, VerbPut)
			if !ok {
				return
			}
			if err := l.CreateWithID(req.Context(), id, req.Body); err != nil {
				logger.Log("err", errors.Wrap(err, "storing blob"), "id", id)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusCreated)
		})
	return r
}

func authorise(w http.ResponseWriter, req *http.Request, l *Local, verb string) (string, bool) {
	vars := mux.Vars(req)
	if err := l.verify(verb, vars["id"], vars["expires"], vars["signature"]); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return "", false
	}
	return vars["id"], true
}
